package processor

import (
	"bytes"
	"context"
	"fmt"
	"image/color"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/storage/file"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
	times map[string]time.Time
}

func newMemStorage() *memStorage {
	return &memStorage{
		files: make(map[string][]byte),
		times: make(map[string]time.Time),
	}
}

func (m *memStorage) Save(_ context.Context, subdir, filename string, src io.Reader) (string, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := subdir + "/" + filename
	m.files[path] = data
	m.times[path] = time.Now()

	return path, nil
}

func (m *memStorage) Load(_ context.Context, path string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[path]
	if !ok {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Stat(_ context.Context, path string) (file.FileInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.files[path]
	if !ok {
		return file.FileInfo{}, fmt.Errorf("file not found: %s", path)
	}

	return file.FileInfo{Size: int64(len(data)), ModTime: m.times[path]}, nil
}

type stubCaptioner struct {
	caption string
	err     error
}

func (s *stubCaptioner) Caption(context.Context, io.Reader) (string, error) {
	return s.caption, s.err
}

func encodeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	img := imaging.New(width, height, color.NRGBA{R: 200, G: 100, B: 50, A: 255})

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, img, imaging.JPEG); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}

	return buf.Bytes()
}

func encodePNGWithAlpha(t *testing.T, width, height int) []byte {
	t.Helper()

	img := imaging.New(width, height, color.NRGBA{R: 10, G: 20, B: 30, A: 128})

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, img, imaging.PNG); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}

	return buf.Bytes()
}

func seed(t *testing.T, st *memStorage, name string, data []byte) string {
	t.Helper()

	path, err := st.Save(context.Background(), file.SubdirOriginals, name, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("failed to seed storage: %v", err)
	}

	return path
}

func TestThumbnails(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	path := seed(t, st, "img_aaaa1111.jpg", encodeJPEG(t, 800, 600))

	thumbs, err := p.Thumbnails(context.Background(), path, "img_aaaa1111")
	if err != nil {
		t.Fatalf("Thumbnails() error = %v", err)
	}

	limits := map[string]int{
		model.SizeSmall:  150,
		model.SizeMedium: 300,
	}

	for size, limit := range limits {
		thumbPath, ok := thumbs[size]
		if !ok {
			t.Fatalf("missing %s thumbnail", size)
		}

		r, err := st.Load(context.Background(), thumbPath)
		if err != nil {
			t.Fatalf("thumbnail %s not stored: %v", size, err)
		}

		img, err := imaging.Decode(r)
		r.Close()
		if err != nil {
			t.Fatalf("thumbnail %s is not a decodable image: %v", size, err)
		}

		b := img.Bounds()
		if b.Dx() > limit || b.Dy() > limit {
			t.Errorf("%s thumbnail is %dx%d, want within %dx%d", size, b.Dx(), b.Dy(), limit, limit)
		}

		// Aspect ratio of 800x600 must be preserved by the fit.
		if b.Dx() != limit {
			t.Errorf("%s thumbnail width = %d, want longest edge %d", size, b.Dx(), limit)
		}
	}
}

func TestThumbnails_FlattensAlpha(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	path := seed(t, st, "img_bbbb2222.png", encodePNGWithAlpha(t, 400, 400))

	thumbs, err := p.Thumbnails(context.Background(), path, "img_bbbb2222")
	if err != nil {
		t.Fatalf("Thumbnails() error = %v", err)
	}

	r, err := st.Load(context.Background(), thumbs[model.SizeSmall])
	if err != nil {
		t.Fatalf("small thumbnail not stored: %v", err)
	}
	defer r.Close()

	if _, err := imaging.Decode(r); err != nil {
		t.Fatalf("flattened thumbnail is not a decodable JPEG: %v", err)
	}
}

func TestThumbnails_MissingSource(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	if _, err := p.Thumbnails(context.Background(), "originals/nope.jpg", "img_cccc3333"); err == nil {
		t.Fatal("Thumbnails() on a missing source should fail")
	}
}

func TestMetadata(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	data := encodeJPEG(t, 800, 600)
	path := seed(t, st, "img_dddd4444.jpg", data)

	meta, err := p.Metadata(context.Background(), path)
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	if meta.Width != 800 || meta.Height != 600 {
		t.Errorf("dimensions = %dx%d, want 800x600", meta.Width, meta.Height)
	}
	if meta.Format != "jpeg" {
		t.Errorf("format = %q, want %q", meta.Format, "jpeg")
	}
	if meta.SizeBytes != int64(len(data)) {
		t.Errorf("size_bytes = %d, want %d", meta.SizeBytes, len(data))
	}
	if _, err := time.Parse(time.RFC3339, meta.Datetime); err != nil {
		t.Errorf("datetime %q is not RFC3339: %v", meta.Datetime, err)
	}
}

func TestExif_NoSegment(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	path := seed(t, st, "img_eeee5555.jpg", encodeJPEG(t, 100, 100))

	tags := p.Exif(context.Background(), path)
	if tags == nil {
		t.Fatal("Exif() returned nil, want empty map")
	}
	if len(tags) != 0 {
		t.Errorf("Exif() on an image without EXIF returned %d tags, want 0", len(tags))
	}
}

func TestExif_MalformedData(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{})

	path := seed(t, st, "img_ffff6666.jpg", []byte("definitely not an image"))

	tags := p.Exif(context.Background(), path)
	if len(tags) != 0 {
		t.Errorf("Exif() on malformed data returned %d tags, want 0", len(tags))
	}
}

func TestCaption(t *testing.T) {
	st := newMemStorage()
	path := seed(t, st, "img_aabb7777.jpg", encodeJPEG(t, 100, 100))

	t.Run("success", func(t *testing.T) {
		p := New(st, &stubCaptioner{caption: "a plain orange square"}, PreviewOptions{})

		caption, err := p.Caption(context.Background(), path)
		if err != nil {
			t.Fatalf("Caption() error = %v", err)
		}
		if caption != "a plain orange square" {
			t.Errorf("caption = %q, want %q", caption, "a plain orange square")
		}
	})

	t.Run("model failure propagates", func(t *testing.T) {
		p := New(st, &stubCaptioner{err: fmt.Errorf("model not loaded")}, PreviewOptions{})

		if _, err := p.Caption(context.Background(), path); err == nil {
			t.Fatal("Caption() should propagate model errors")
		}
	})
}

func TestPreview_Disabled(t *testing.T) {
	st := newMemStorage()
	p := New(st, &stubCaptioner{}, PreviewOptions{Enabled: false})

	path, err := p.Preview(context.Background(), "originals/any.jpg", "img_ccdd8888", "caption")
	if err != nil {
		t.Fatalf("Preview() error = %v", err)
	}
	if path != "" {
		t.Errorf("disabled preview returned path %q, want empty", path)
	}
}
