package processor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/rwcarlsen/goexif/tiff"
	"github.com/wb-go/wbf/zlog"

	_ "image/jpeg"
	_ "image/png"

	"github.com/aliskhannn/image-pipeline/internal/model"
	"github.com/aliskhannn/image-pipeline/internal/storage/file"
)

// Fixed thumbnail targets: the image is fitted inside the bounding square,
// preserving aspect ratio.
var thumbnailSizes = map[string]int{
	model.SizeSmall:  150,
	model.SizeMedium: 300,
}

const jpegQuality = 85

// fileStorage defines the interface for file storage.
// It allows saving and loading files from a backend (e.g., local FS, S3, MinIO).
type fileStorage interface {
	Save(ctx context.Context, subdir, filename string, src io.Reader) (string, error)
	Load(ctx context.Context, path string) (io.ReadCloser, error)
	Stat(ctx context.Context, path string) (file.FileInfo, error)
}

// captioner generates a text caption for the image behind the reader.
type captioner interface {
	Caption(ctx context.Context, image io.Reader) (string, error)
}

// PreviewOptions configures the optional captioned preview rendering.
type PreviewOptions struct {
	Enabled  bool
	FontPath string
}

// Processor implements the pipeline stage functions: thumbnail generation,
// metadata extraction, EXIF parsing, captioning and preview rendering.
// Each stage is a synchronous transformation with no awareness of the job
// state machine; re-running a stage reproduces the same files and values.
type Processor struct {
	fileStorage fileStorage
	captioner   captioner
	preview     PreviewOptions
}

// New creates a Processor. The captioner handle is injected here and held
// for the processor's lifetime.
func New(fs fileStorage, c captioner, preview PreviewOptions) *Processor {
	return &Processor{fileStorage: fs, captioner: c, preview: preview}
}

// Thumbnails generates the small and medium thumbnails for the source
// image and returns a size→path mapping. Images with an alpha channel or
// a palette are flattened onto white before JPEG encoding.
func (p *Processor) Thumbnails(ctx context.Context, path, id string) (map[string]string, error) {
	src, err := p.decode(ctx, path)
	if err != nil {
		return nil, err
	}

	src = flatten(src)

	paths := make(map[string]string, len(thumbnailSizes))
	for sizeName, dim := range thumbnailSizes {
		thumb := imaging.Fit(src, dim, dim, imaging.Lanczos)

		buf := bytes.NewBuffer(nil)
		if err := imaging.Encode(buf, thumb, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
			return nil, fmt.Errorf("failed to encode %s thumbnail: %w", sizeName, err)
		}

		name := fmt.Sprintf("%s_%s.jpg", id, sizeName)
		dst, err := p.fileStorage.Save(ctx, file.SubdirThumbnails, name, buf)
		if err != nil {
			return nil, fmt.Errorf("failed to save %s thumbnail: %w", sizeName, err)
		}

		zlog.Logger.Info().
			Str("image_id", id).
			Str("size", sizeName).
			Int("width", thumb.Bounds().Dx()).
			Int("height", thumb.Bounds().Dy()).
			Msg("generated thumbnail")

		paths[sizeName] = dst
	}

	return paths, nil
}

// Metadata extracts structural metadata: dimensions, detected format, byte
// size and a timestamp derived from the file's last-modified time.
func (p *Processor) Metadata(ctx context.Context, path string) (model.Metadata, error) {
	info, err := p.fileStorage.Stat(ctx, path)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("failed to stat image: %w", err)
	}

	r, err := p.fileStorage.Load(ctx, path)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("failed to load image: %w", err)
	}
	defer r.Close()

	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return model.Metadata{}, fmt.Errorf("failed to decode image config: %w", err)
	}

	return model.Metadata{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    strings.ToLower(format),
		SizeBytes: info.Size,
		Datetime:  info.ModTime.UTC().Format(time.RFC3339),
	}, nil
}

// Exif extracts EXIF tags from the image. Absence of an EXIF segment is not
// an error; malformed EXIF is logged and degrades to an empty tag set.
// EXIF extraction never fails the overall job.
func (p *Processor) Exif(ctx context.Context, path string) map[string]any {
	tags := map[string]any{}

	r, err := p.fileStorage.Load(ctx, path)
	if err != nil {
		zlog.Logger.Warn().Err(err).Str("path", path).Msg("failed to load image for exif")
		return tags
	}
	defer r.Close()

	x, err := exif.Decode(r)
	if err != nil {
		zlog.Logger.Info().Str("path", path).Msg("no exif data found")
		return tags
	}

	gps := map[string]any{}

	walker := walkFunc(func(name exif.FieldName, tag *tiff.Tag) error {
		value := convertTag(tag)

		// GPS sub-tags are grouped into a nested set.
		if strings.HasPrefix(string(name), "GPS") {
			gps[string(name)] = fmt.Sprint(value)
			return nil
		}

		tags[string(name)] = value
		return nil
	})

	if err := x.Walk(walker); err != nil {
		zlog.Logger.Warn().Err(err).Str("path", path).Msg("failed to walk exif tags")
		return map[string]any{}
	}

	if len(gps) > 0 {
		tags["GPSInfo"] = gps
	}

	zlog.Logger.Info().Int("tags", len(tags)).Str("path", path).Msg("extracted exif tags")

	return tags
}

// Caption generates a text caption for the image via the injected model
// handle. This is the only non-deterministic, externally-dependent stage.
func (p *Processor) Caption(ctx context.Context, path string) (string, error) {
	r, err := p.fileStorage.Load(ctx, path)
	if err != nil {
		return "", fmt.Errorf("failed to load image for captioning: %w", err)
	}
	defer r.Close()

	caption, err := p.captioner.Caption(ctx, r)
	if err != nil {
		return "", fmt.Errorf("failed to generate caption: %w", err)
	}

	zlog.Logger.Info().Str("path", path).Str("caption", caption).Msg("generated caption")

	return caption, nil
}

// Preview renders the generated caption onto the bottom-right corner of the
// image and stores the result. Returns an empty path when disabled.
func (p *Processor) Preview(ctx context.Context, path, id, caption string) (string, error) {
	if !p.preview.Enabled || caption == "" {
		return "", nil
	}

	src, err := p.decode(ctx, path)
	if err != nil {
		return "", err
	}

	dc := gg.NewContextForImage(flatten(src))
	dc.SetColor(color.White)

	fontSize := float64(dc.Width()) * 0.05 // 5% of the image width
	if err := dc.LoadFontFace(p.preview.FontPath, fontSize); err != nil {
		return "", fmt.Errorf("failed to load font: %w", err)
	}

	tw, th := dc.MeasureString(caption)

	margin := 10.0
	x := float64(dc.Width()) - tw - margin
	y := float64(dc.Height()) - th - margin

	dc.DrawStringAnchored(caption, x, y, 1, 1)
	dc.Fill()

	buf := bytes.NewBuffer(nil)
	if err := imaging.Encode(buf, dc.Image(), imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return "", fmt.Errorf("failed to encode preview: %w", err)
	}

	name := fmt.Sprintf("%s_preview.jpg", id)
	dst, err := p.fileStorage.Save(ctx, file.SubdirPreviews, name, buf)
	if err != nil {
		return "", fmt.Errorf("failed to save preview: %w", err)
	}

	return dst, nil
}

func (p *Processor) decode(ctx context.Context, path string) (image.Image, error) {
	r, err := p.fileStorage.Load(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load original image: %w", err)
	}
	defer r.Close()

	img, err := imaging.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	return img, nil
}

// flatten composites images that may carry transparency onto a white
// background so they survive JPEG encoding.
func flatten(img image.Image) image.Image {
	switch img.(type) {
	case *image.YCbCr, *image.Gray, *image.CMYK:
		return img
	}

	bounds := img.Bounds()
	bg := imaging.New(bounds.Dx(), bounds.Dy(), color.White)

	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// convertTag converts a raw TIFF tag value into a JSON-friendly one:
// rationals become floats, byte values become best-effort text.
func convertTag(tag *tiff.Tag) any {
	switch tag.Format() {
	case tiff.StringVal:
		s, err := tag.StringVal()
		if err != nil {
			return sanitize(tag.String())
		}
		return sanitize(s)
	case tiff.IntVal:
		v, err := tag.Int64(0)
		if err != nil {
			return sanitize(tag.String())
		}
		return v
	case tiff.FloatVal:
		v, err := tag.Float(0)
		if err != nil {
			return sanitize(tag.String())
		}
		return v
	case tiff.RatVal:
		num, den, err := tag.Rat2(0)
		if err != nil || den == 0 {
			return sanitize(tag.String())
		}
		return float64(num) / float64(den)
	default:
		return sanitize(tag.String())
	}
}

// sanitize replaces undecodable bytes so the value serializes cleanly.
func sanitize(s string) string {
	return strings.ToValidUTF8(strings.Trim(s, `"`), "�")
}

// walkFunc adapts a function to the exif.Walker interface.
type walkFunc func(name exif.FieldName, tag *tiff.Tag) error

func (f walkFunc) Walk(name exif.FieldName, tag *tiff.Tag) error {
	return f(name, tag)
}
