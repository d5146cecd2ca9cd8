package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/STSynthetic/GF-25-v3/internal/domain"
	"github.com/STSynthetic/GF-25-v3/internal/platform/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	require.NoError(t, err)
	return log
}

func TestNextJob_404ReturnsNilNil(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, testLog(t))
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestNextJob_200DecodesJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("X-API-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"client":{"id":"c1"},"project":{"id":"p1"},"media":[{"id":"m1"}],"analyses":[{"id":"a1"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second, testLog(t))
	job, err := c.NextJob(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, "p1", job.Project.ID)
}

func TestSubmitAnalysisResult_400IsValidationError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, testLog(t))
	err := c.SubmitAnalysisResult(context.Background(), "p1", "m1", "a1", AnalysisResultSubmission{Status: "completed"})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestUpdateProjectStatus_RetriesOn500ThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "key", time.Second, testLog(t))
	err := c.UpdateProjectStatus(context.Background(), "p1", "processing")
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
}
