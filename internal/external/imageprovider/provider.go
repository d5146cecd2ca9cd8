// Package imageprovider fetches media bytes for the Analysis Worker,
// preferring a pre-optimised rendition and enforcing the size/resolution/
// format constraints the Vision Model Runtime requires.
package imageprovider

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"golang.org/x/image/webp"

	"github.com/STSynthetic/GF-25-v3/internal/platform/gcpclient"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

const (
	maxBytes   = 10 << 20 // 10 MB
	minSide    = 224
)

var supportedFormats = map[string]bool{
	"jpeg": true,
	"png":  true,
	"webp": true,
}

// MediaRef is the subset of the Job Registry's media descriptor the
// provider needs: the two candidate object locations for one image.
type MediaRef struct {
	ExternalMediaID string
	OptimisedPath   string
	GreyscalePath   string
}

// Provider fetches and validates one image's bytes.
type Provider interface {
	Fetch(ctx context.Context, ref MediaRef) (data []byte, mimeType string, err error)
}

type provider struct {
	httpClient *http.Client
	gcs        *storage.Client
	log        *logger.Logger
}

// NewProvider builds a Provider lazily backed by GCS (for gs:// paths)
// and plain HTTP (for http(s):// paths). The GCS client is created on
// first use so a deployment with only HTTP media never needs credentials.
func NewProvider(log *logger.Logger) Provider {
	return &provider{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With("component", "ImageProvider"),
	}
}

func (p *provider) Fetch(ctx context.Context, ref MediaRef) (data []byte, mimeType string, err error) {
	for _, path := range []string{ref.OptimisedPath, ref.GreyscalePath} {
		if strings.TrimSpace(path) == "" {
			continue
		}
		data, err = p.fetchPath(ctx, path)
		if err != nil {
			p.log.Warn("image fetch failed, trying fallback", "media_id", ref.ExternalMediaID, "path", path, "error", err)
			continue
		}
		mimeType, vErr := p.validate(data)
		if vErr != nil {
			err = vErr
			p.log.Warn("image validation failed, trying fallback", "media_id", ref.ExternalMediaID, "path", path, "error", vErr)
			continue
		}
		return data, mimeType, nil
	}
	if err == nil {
		err = fmt.Errorf("imageprovider: no usable path for media %s", ref.ExternalMediaID)
	}
	return nil, "", fmt.Errorf("imageprovider: fetch media %s: %w", ref.ExternalMediaID, err)
}

func (p *provider) fetchPath(ctx context.Context, path string) ([]byte, error) {
	switch {
	case strings.HasPrefix(path, "gs://"):
		return p.fetchGCS(ctx, path)
	case strings.HasPrefix(path, "http://"), strings.HasPrefix(path, "https://"):
		return p.fetchHTTP(ctx, path)
	default:
		return nil, fmt.Errorf("unsupported media path scheme: %s", path)
	}
}

func (p *provider) fetchGCS(ctx context.Context, gsURL string) ([]byte, error) {
	if p.gcs == nil {
		c, err := storage.NewClient(ctx, gcpclient.OptionsFromEnv()...)
		if err != nil {
			return nil, fmt.Errorf("gcs client init: %w", err)
		}
		p.gcs = c
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(gsURL, "gs://"), "/")
	if !ok {
		return nil, fmt.Errorf("malformed gs:// path: %s", gsURL)
	}
	r, err := p.gcs.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs open: %w", err)
	}
	defer r.Close()
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("gcs read: %w", err)
	}
	return data, nil
}

func (p *provider) fetchHTTP(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("http status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// validate enforces the 10 MB / 224x224 minimum / supported-format
// constraints and returns the detected MIME type.
func (p *provider) validate(data []byte) (string, error) {
	if len(data) > maxBytes {
		return "", fmt.Errorf("image exceeds %d byte limit", maxBytes)
	}
	cfg, format, err := decodeConfig(data)
	if err != nil {
		return "", fmt.Errorf("unrecognized image format: %w", err)
	}
	if !supportedFormats[format] {
		return "", fmt.Errorf("unsupported image format %q", format)
	}
	if cfg.Width < minSide || cfg.Height < minSide {
		return "", fmt.Errorf("image resolution %dx%d below %dx%d minimum", cfg.Width, cfg.Height, minSide, minSide)
	}
	return "image/" + format, nil
}

func decodeConfig(data []byte) (image.Config, string, error) {
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		return cfg, format, nil
	}
	cfg, err := webp.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return image.Config{}, "", err
	}
	return cfg, "webp", nil
}
