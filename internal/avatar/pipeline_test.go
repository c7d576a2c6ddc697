package avatar

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func solidImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: 40, B: 90, A: 255})
		}
	}
	return img
}

func noiseImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(42))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	rng.Read(img.Pix)
	return img
}

func TestValidate(t *testing.T) {
	p := NewPipeline(300 * 1024)
	valid := encodePNG(t, solidImage(4, 4))

	tests := []struct {
		name string
		mime string
		data []byte
		want error
	}{
		{"png ok", "image/png", valid, nil},
		{"png with params", "image/png; q=1", valid, nil},
		{"jpeg mime", "image/jpeg", valid, ErrUnsupportedType},
		{"empty mime", "", valid, ErrUnsupportedType},
		{"jpeg bytes declared png", "image/png", []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F'}, ErrBadSignature},
		{"too short", "image/png", []byte{0x89, 'P'}, ErrBadSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Validate(tt.mime, tt.data)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestProcess_LargestSizeThatFits(t *testing.T) {
	p := NewPipeline(300 * 1024)

	out, err := p.Process("image/png", encodePNG(t, solidImage(640, 400)))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), 300*1024)

	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestProcess_FallsBackToSmallerSize(t *testing.T) {
	src := encodePNG(t, noiseImage(256, 256))

	full, err := NewPipeline(10 * 1024 * 1024).Process("image/png", src)
	require.NoError(t, err)

	budget := len(full) - 1
	out, err := NewPipeline(budget).Process("image/png", src)
	if err != nil {
		require.ErrorIs(t, err, ErrTooLarge)
		return
	}
	assert.LessOrEqual(t, len(out), budget)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Less(t, img.Bounds().Dx(), 256)
}

func TestProcess_NeverExceedsBudget(t *testing.T) {
	src := encodePNG(t, noiseImage(300, 300))
	for _, budget := range []int{64, 1024, 8 * 1024, 32 * 1024, 128 * 1024} {
		out, err := NewPipeline(budget).Process("image/png", src)
		if err != nil {
			assert.ErrorIs(t, err, ErrTooLarge, "budget %d", budget)
			continue
		}
		assert.LessOrEqual(t, len(out), budget, "budget %d", budget)
	}
}

func TestProcess_TooLargeForSmallestSize(t *testing.T) {
	_, err := NewPipeline(100).Process("image/png", encodePNG(t, noiseImage(128, 128)))
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestProcess_CorruptBody(t *testing.T) {
	data := append(append([]byte{}, signature...), []byte("not really a png")...)
	_, err := NewPipeline(300*1024).Process("image/png", data)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestProcess_PixelLimit(t *testing.T) {
	p := NewPipeline(300 * 1024)
	p.maxPixels = 10 * 10

	_, err := p.Process("image/png", encodePNG(t, solidImage(11, 11)))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestCoverRect(t *testing.T) {
	assert.Equal(t, image.Rect(100, 0, 300, 200), coverRect(image.Rect(0, 0, 400, 200)))
	assert.Equal(t, image.Rect(0, 50, 100, 150), coverRect(image.Rect(0, 0, 100, 200)))
	assert.Equal(t, image.Rect(5, 5, 15, 15), coverRect(image.Rect(5, 5, 15, 15)))
}

func TestURLBuilder(t *testing.T) {
	b := URLBuilder{Base: "/avatars"}
	assert.Equal(t, "/avatars/abc.png?v=17", b.URL("abc", 17))
}

func TestDiskStorage_Put(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "avatars")
	s, err := NewDiskStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k1", []byte("first")))
	require.NoError(t, s.Put(ctx, "k1", []byte("second")))

	got, err := os.ReadFile(filepath.Join(dir, "k1.png"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files left behind")
}

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3Storage_Put(t *testing.T) {
	fake := &fakePutter{}
	s := NewS3Storage(fake, "bucket", "avatars/")

	require.NoError(t, s.Put(context.Background(), "k1", []byte("png-bytes")))
	require.NotNil(t, fake.input)
	assert.Equal(t, "bucket", *fake.input.Bucket)
	assert.Equal(t, "avatars/k1.png", *fake.input.Key)
	assert.Equal(t, "image/png", *fake.input.ContentType)
	assert.Equal(t, "no-store", *fake.input.CacheControl)
	assert.Equal(t, "png-bytes", string(fake.body))
}
