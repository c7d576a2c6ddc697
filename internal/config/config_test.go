package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LISTEN_ADDR", "")
	for _, k := range []string{"HISTORY_LIMIT", "MAX_MESSAGE_LENGTH", "MAX_AVATAR_BYTES", "MAX_AVATAR_UPLOAD_BYTES", "NOTIFY_AFTER_MS", "NOTIFY_COOLDOWN_MS"} {
		t.Setenv(k, "")
	}

	cfg := FromEnv()

	assert.Equal(t, ":3000", cfg.ListenAddr)
	assert.Equal(t, 200, cfg.HistoryLimit)
	assert.Equal(t, 800, cfg.MaxMessageLength)
	assert.Equal(t, 300*KiB, cfg.MaxAvatarBytes)
	assert.Equal(t, int64(100*MiB), cfg.MaxAvatarUploadBytes)
	assert.Equal(t, 5*time.Minute, cfg.NotifyAfter)
	assert.Equal(t, 10*time.Minute, cfg.NotifyCooldown)
}

func TestFromEnv_Clamps(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg Config)
	}{
		{
			name: "history below minimum",
			env:  map[string]string{"HISTORY_LIMIT": "0"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 1, cfg.HistoryLimit)
			},
		},
		{
			name: "history above maximum",
			env:  map[string]string{"HISTORY_LIMIT": "999999"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 2000, cfg.HistoryLimit)
			},
		},
		{
			name: "message length garbage falls back",
			env:  map[string]string{"MAX_MESSAGE_LENGTH": "lots"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 800, cfg.MaxMessageLength)
			},
		},
		{
			name: "upload limit never below avatar budget",
			env:  map[string]string{"MAX_AVATAR_BYTES": "2097152", "MAX_AVATAR_UPLOAD_BYTES": "60000"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, 2*MiB, cfg.MaxAvatarBytes)
				assert.Equal(t, int64(2*MiB), cfg.MaxAvatarUploadBytes)
			},
		},
		{
			name: "notify windows clamp to bounds",
			env:  map[string]string{"NOTIFY_AFTER_MS": "10", "NOTIFY_COOLDOWN_MS": "999999999"},
			check: func(t *testing.T, cfg Config) {
				assert.Equal(t, time.Minute, cfg.NotifyAfter)
				assert.Equal(t, 6*time.Hour, cfg.NotifyCooldown)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, FromEnv())
		})
	}
}

func TestFromEnv_ListenAddr(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("PORT", "8081")
	assert.Equal(t, ":8081", FromEnv().ListenAddr)

	t.Setenv("LISTEN_ADDR", "127.0.0.1:9000")
	assert.Equal(t, "127.0.0.1:9000", FromEnv().ListenAddr)
}

func TestFromEnv_BalanceGuard(t *testing.T) {
	tests := []struct {
		raw  string
		want bool
	}{
		{"", true},
		{"on", true},
		{"true", true},
		{"off", false},
		{"OFF", false},
		{"0", false},
		{"maybe", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			t.Setenv("BALANCE_GUARD", tt.raw)
			assert.Equal(t, tt.want, FromEnv().BalanceGuard)
		})
	}
}

func TestFromEnv_SendQueueSize(t *testing.T) {
	t.Setenv("SEND_QUEUE_SIZE", "")
	assert.Equal(t, 256, FromEnv().SendQueueSize)

	t.Setenv("SEND_QUEUE_SIZE", "1")
	assert.Equal(t, 8, FromEnv().SendQueueSize)
}

func TestSMTPConfig_Enabled(t *testing.T) {
	c := SMTPConfig{Host: "smtp.example.com", Port: 465, User: "bot@example.com", Pass: "secret"}
	require.True(t, c.Enabled())
	assert.Equal(t, "bot@example.com", c.Sender())

	c.From = "minichat <noreply@example.com>"
	assert.Equal(t, "minichat <noreply@example.com>", c.Sender())

	c.Pass = ""
	assert.False(t, c.Enabled())
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"http://a", "http://b"}, splitList(" http://a , ,http://b "))
	assert.Nil(t, splitList(""))
}
