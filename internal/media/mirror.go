// Package media copies product images into storage the migration controls so the catalog
// does not hotlink the source site.
package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"catalog-migrator/internal/config"
	"catalog-migrator/internal/models"
	"catalog-migrator/internal/telemetry"
)

// Uploader stores an encoded image under key and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Options tunes a Mirror. Zero values fall back to defaults.
type Options struct {
	MaxWidth      int
	MaxBytes      int64
	Timeout       time.Duration
	PublicBaseURL string
	UserAgent     string
	Parallelism   int
}

// Mirror downloads, downscales and re-uploads product images.
type Mirror struct {
	opts       Options
	httpClient *http.Client
	uploader   Uploader
	logger     *zap.Logger
}

// New builds a Mirror over uploader. transport may be nil.
func New(opts Options, uploader Uploader, transport http.RoundTripper, logger *zap.Logger) *Mirror {
	if opts.MaxWidth <= 0 {
		opts.MaxWidth = 1600
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 20 << 20
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 4
	}
	opts.PublicBaseURL = strings.TrimRight(opts.PublicBaseURL, "/")
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout, Transport: transport},
		uploader:   uploader,
		logger:     logger,
	}
}

// FromConfig picks S3 when a bucket is configured and the local directory otherwise.
func FromConfig(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Mirror, error) {
	var uploader Uploader = &LocalUploader{BaseDir: cfg.MirrorOutputDir}
	if cfg.MirrorS3Bucket != "" {
		s3u, err := NewS3Uploader(ctx, cfg)
		if err != nil {
			return nil, err
		}
		uploader = s3u
	}
	return New(Options{
		MaxWidth:      cfg.MirrorMaxWidth,
		MaxBytes:      cfg.MirrorMaxBytes,
		Timeout:       cfg.FetchTimeout,
		PublicBaseURL: cfg.MirrorPublicBaseURL,
		UserAgent:     cfg.UserAgent,
	}, uploader, nil, logger), nil
}

// MirrorProduct replaces every image the mirror could copy with its mirrored URL. Images
// that fail keep their source URL. It returns how many were mirrored and how many failed.
func (m *Mirror) MirrorProduct(ctx context.Context, p *models.NormalizedProduct) (int, int) {
	if len(p.Images) == 0 {
		return 0, 0
	}
	out := make([]string, len(p.Images))
	var (
		mu     sync.Mutex
		ok     int
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Parallelism)
	for i, src := range p.Images {
		i, src := i, src
		g.Go(func() error {
			mirrored, err := m.MirrorImage(gctx, src)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				out[i] = src
				telemetry.ImagesMirrored.WithLabelValues("failed").Inc()
				m.logger.Warn("image mirror failed", zap.String("image", src), zap.String("item", p.ItemKey()), zap.Error(err))
				return nil
			}
			ok++
			out[i] = mirrored
			telemetry.ImagesMirrored.WithLabelValues("mirrored").Inc()
			return nil
		})
	}
	_ = g.Wait()
	p.Images = out
	return ok, failed
}

// MirrorImage copies one image and returns its public URL.
func (m *Mirror) MirrorImage(ctx context.Context, src string) (string, error) {
	data, contentType, err := m.download(ctx, src)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > m.opts.MaxWidth {
		img = imaging.Resize(img, m.opts.MaxWidth, 0, imaging.Lanczos)
	}

	outputFormat := chooseFormat(format, contentType)
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, outputFormat, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}

	key := objectKey(src, outputFormat)
	location, err := m.uploader.Upload(ctx, key, buf.Bytes(), mimeForFormat(outputFormat))
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return m.publicURL(key, location)
}

func (m *Mirror) publicURL(key, location string) (string, error) {
	if m.opts.PublicBaseURL != "" {
		return m.opts.PublicBaseURL + "/" + key, nil
	}
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return location, nil
	}
	return "", fmt.Errorf("stored at %s but no public base url is configured", location)
}

func (m *Mirror) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	if m.opts.UserAgent != "" {
		req.Header.Set("User-Agent", m.opts.UserAgent)
	}
	req.Header.Set("Accept", "image/avif,image/webp,image/png,image/jpeg,*/*;q=0.8")
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download image: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, m.opts.MaxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, "", fmt.Errorf("read image: %w", err)
	}
	if int64(len(body)) > m.opts.MaxBytes {
		return nil, "", fmt.Errorf("image too large (>%d bytes)", m.opts.MaxBytes)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// objectKey is stable per source URL so re-imports overwrite instead of piling up copies.
func objectKey(src string, format imaging.Format) string {
	sum := sha256.Sum256([]byte(src))
	return fmt.Sprintf("products/%s.%s", hex.EncodeToString(sum[:])[:24], formatExtension(format))
}

func formatExtension(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "png"
	case imaging.GIF:
		return "gif"
	default:
		return "jpg"
	}
}

func chooseFormat(decodeFormat, contentType string) imaging.Format {
	switch strings.ToLower(decodeFormat) {
	case "png":
		return imaging.PNG
	case "gif":
		return imaging.GIF
	}
	if strings.Contains(strings.ToLower(contentType), "png") {
		return imaging.PNG
	}
	return imaging.JPEG
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
