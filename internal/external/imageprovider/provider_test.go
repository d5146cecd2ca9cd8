package imageprovider

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 255), G: uint8(y % 255), B: 100, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestFetch_PrefersOptimisedOverGreyscale(t *testing.T) {
	valid := encodeJPEG(t, 300, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/optimised.jpg":
			_, _ = w.Write(valid)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewProvider(testLog(t))
	data, mime, err := p.Fetch(context.Background(), MediaRef{
		ExternalMediaID: "m1",
		OptimisedPath:   srv.URL + "/optimised.jpg",
		GreyscalePath:   srv.URL + "/greyscale.jpg",
	})
	require.NoError(t, err)
	require.Equal(t, valid, data)
	require.Equal(t, "image/jpeg", mime)
}

func TestFetch_FallsBackToGreyscaleWhenOptimisedMissing(t *testing.T) {
	valid := encodeJPEG(t, 300, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/greyscale.jpg" {
			_, _ = w.Write(valid)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewProvider(testLog(t))
	_, mime, err := p.Fetch(context.Background(), MediaRef{
		ExternalMediaID: "m1",
		OptimisedPath:   srv.URL + "/missing.jpg",
		GreyscalePath:   srv.URL + "/greyscale.jpg",
	})
	require.NoError(t, err)
	require.Equal(t, "image/jpeg", mime)
}

func TestFetch_RejectsBelowMinimumResolution(t *testing.T) {
	tooSmall := encodeJPEG(t, 50, 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tooSmall)
	}))
	defer srv.Close()

	p := NewProvider(testLog(t))
	_, _, err := p.Fetch(context.Background(), MediaRef{
		ExternalMediaID: "m1",
		OptimisedPath:   srv.URL + "/small.jpg",
	})
	require.Error(t, err)
}
