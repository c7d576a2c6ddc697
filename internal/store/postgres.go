package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// pqCheckViolation is the SQLSTATE for a failed CHECK constraint.
const pqCheckViolation = "23514"

const profileColumns = `key, nick, lang, email, avatar_url, avatar_ver, balance,
	active_prefix_id, last_seen, last_notified_at, created_at, updated_at`

// PostgresStore is the durable Store backed by lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and applies schema
// migrations.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStore wraps an already migrated database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (Profile, error) {
	var (
		p            Profile
		lastSeen     sql.NullTime
		lastNotified sql.NullTime
	)
	err := row.Scan(&p.Key, &p.Nick, &p.Lang, &p.Email, &p.AvatarURL, &p.AvatarVer, &p.Balance,
		&p.ActivePrefixID, &lastSeen, &lastNotified, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Profile{}, err
	}
	if lastSeen.Valid {
		p.LastSeen = lastSeen.Time
	}
	if lastNotified.Valid {
		p.LastNotified = lastNotified.Time
	}
	return p, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func notFound(op, key string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: %s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("store: %s %s: %w", op, key, err)
}

// inTx runs fn inside a transaction, committing on success.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, key string) (Profile, error) {
	p, err := scanProfile(s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM users WHERE key = $1`, key))
	if err != nil {
		return Profile{}, notFound("get", key, err)
	}
	return p, nil
}

func (s *PostgresStore) EnsureProfile(ctx context.Context, p Profile) (Profile, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (key, nick, lang, email, avatar_url, avatar_ver, balance,
			active_prefix_id, last_seen, last_notified_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		 ON CONFLICT (key) DO NOTHING`,
		p.Key, p.Nick, p.Lang, p.Email, p.AvatarURL, p.AvatarVer, p.Balance,
		p.ActivePrefixID, nullTime(p.LastSeen), nullTime(p.LastNotified), p.CreatedAt)
	if err != nil {
		return Profile{}, false, fmt.Errorf("store: ensure %s: %w", p.Key, err)
	}
	n, _ := res.RowsAffected()

	stored, err := s.GetProfile(ctx, p.Key)
	if err != nil {
		return Profile{}, false, err
	}
	return stored, n == 1, nil
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, key string, at time.Time) error {
	return s.execOne(ctx, "touch", key,
		`UPDATE users SET last_seen = $2, updated_at = $2 WHERE key = $1`, key, at)
}

func (s *PostgresStore) SetLastNotified(ctx context.Context, key string, at time.Time) error {
	return s.execOne(ctx, "set last notified", key,
		`UPDATE users SET last_notified_at = $2, updated_at = $2 WHERE key = $1`, key, at)
}

func (s *PostgresStore) execOne(ctx context.Context, op, key, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", op, key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("store: %s %s: %w", op, key, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) lockProfile(ctx context.Context, tx *sql.Tx, op, key string) (Profile, error) {
	p, err := scanProfile(tx.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM users WHERE key = $1 FOR UPDATE`, key))
	if err != nil {
		return Profile{}, notFound(op, key, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdateProfile(ctx context.Context, key string, edit ProfileEdit, at time.Time) (Profile, error) {
	var out Profile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockProfile(ctx, tx, "update", key)
		if err != nil {
			return err
		}
		applyEdit(&p, edit)
		p.UpdatedAt = at

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET nick = $2, lang = $3, email = $4, updated_at = $5 WHERE key = $1`,
			key, p.Nick, p.Lang, p.Email, at); err != nil {
			return fmt.Errorf("store: update %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET nick = $2 WHERE user_key = $1`, key, p.Nick); err != nil {
			return fmt.Errorf("store: rewrite nick %s: %w", key, err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *PostgresStore) SetAvatar(ctx context.Context, key string, at time.Time, urlFor func(ver int64) string) (Profile, error) {
	var out Profile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockProfile(ctx, tx, "set avatar", key)
		if err != nil {
			return err
		}
		p.AvatarVer = NextAvatarVersion(at, p.AvatarVer)
		p.AvatarURL = urlFor(p.AvatarVer)
		p.UpdatedAt = at

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET avatar_ver = $2, avatar_url = $3, updated_at = $4 WHERE key = $1`,
			key, p.AvatarVer, p.AvatarURL, at); err != nil {
			return fmt.Errorf("store: set avatar %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET avatar_url = $2 WHERE user_key = $1`, key, p.AvatarURL); err != nil {
			return fmt.Errorf("store: rewrite avatar %s: %w", key, err)
		}
		out = p
		return nil
	})
	return out, err
}

func (s *PostgresStore) ActivatePrefix(ctx context.Context, key, prefixID, label string, at time.Time) (Profile, error) {
	var out Profile
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockProfile(ctx, tx, "activate", key)
		if err != nil {
			return err
		}

		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM user_prefixes WHERE user_key = $1 AND prefix_id = $2`, key, prefixID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("store: activate %s for %s: %w", prefixID, key, ErrNotOwned)
		}
		if err != nil {
			return fmt.Errorf("store: activate %s: %w", key, err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET active_prefix_id = $2, updated_at = $3 WHERE key = $1`,
			key, prefixID, at); err != nil {
			return fmt.Errorf("store: activate %s: %w", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET prefix = $2 WHERE user_key = $1`, key, label); err != nil {
			return fmt.Errorf("store: rewrite prefix %s: %w", key, err)
		}
		p.ActivePrefixID = prefixID
		p.UpdatedAt = at
		out = p
		return nil
	})
	return out, err
}

func (s *PostgresStore) AddBalance(ctx context.Context, key string, delta int64, at time.Time) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + $2, updated_at = $3 WHERE key = $1 RETURNING balance`,
		key, delta, at).Scan(&balance)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
			return 0, fmt.Errorf("store: add balance %s: %w", key, ErrInsufficientFunds)
		}
		return 0, notFound("add balance", key, err)
	}
	return balance, nil
}

func (s *PostgresStore) Purchase(ctx context.Context, key, prefixID string, price int64, at time.Time) (int64, bool, error) {
	var (
		balance      int64
		alreadyOwned bool
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		p, err := s.lockProfile(ctx, tx, "purchase", key)
		if err != nil {
			return err
		}
		balance = p.Balance

		var one int
		err = tx.QueryRowContext(ctx,
			`SELECT 1 FROM user_prefixes WHERE user_key = $1 AND prefix_id = $2`, key, prefixID).Scan(&one)
		switch {
		case err == nil:
			alreadyOwned = true
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("store: purchase %s: %w", key, err)
		}

		if p.Balance < price {
			return fmt.Errorf("store: purchase %s for %s: %w", prefixID, key, ErrInsufficientFunds)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_prefixes (user_key, prefix_id, purchased_at) VALUES ($1, $2, $3)`,
			key, prefixID, at); err != nil {
			return fmt.Errorf("store: purchase %s: %w", key, err)
		}
		if err := tx.QueryRowContext(ctx,
			`UPDATE users SET balance = balance - $2, updated_at = $3 WHERE key = $1 RETURNING balance`,
			key, price, at).Scan(&balance); err != nil {
			var pqErr *pq.Error
			if errors.As(err, &pqErr) && pqErr.Code == pqCheckViolation {
				return fmt.Errorf("store: purchase %s for %s: %w", prefixID, key, ErrInsufficientFunds)
			}
			return fmt.Errorf("store: purchase %s: %w", key, err)
		}
		return nil
	})
	if err != nil {
		return balance, false, err
	}
	return balance, alreadyOwned, nil
}

func (s *PostgresStore) OwnedPrefixes(ctx context.Context, key string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT prefix_id FROM user_prefixes WHERE user_key = $1`, key)
	if err != nil {
		return nil, fmt.Errorf("store: owned prefixes %s: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: owned prefixes %s: %w", key, err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

func (s *PostgresStore) NotifyCandidates(ctx context.Context, excludeKey string) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+profileColumns+` FROM users WHERE email <> '' AND key <> $1 ORDER BY key`, excludeKey)
	if err != nil {
		return nil, fmt.Errorf("store: notify candidates: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("store: notify candidates: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) (Message, error) {
	userKey := sql.NullString{String: m.UserKey, Valid: m.UserKey != ""}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (user_key, nick, avatar_url, prefix, text, ts)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		userKey, m.Nick, m.AvatarURL, m.Prefix, m.Text, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return Message{}, fmt.Errorf("store: insert message: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) History(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_key, nick, avatar_url, prefix, text, ts FROM (
			SELECT id, user_key, nick, avatar_url, prefix, text, ts
			FROM messages ORDER BY id DESC LIMIT $1
		 ) newest ORDER BY id ASC`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	out := []Message{}
	for rows.Next() {
		var (
			m       Message
			userKey sql.NullString
		)
		if err := rows.Scan(&m.ID, &userKey, &m.Nick, &m.AvatarURL, &m.Prefix, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: history: %w", err)
		}
		m.UserKey = userKey.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Prune(ctx context.Context, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE id NOT IN (
			SELECT id FROM messages ORDER BY id DESC LIMIT $1
		 )`, limit)
	if err != nil {
		return 0, fmt.Errorf("store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
