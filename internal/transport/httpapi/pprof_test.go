package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPprof(t *testing.T) {
	t.Parallel()
	api := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := withPprof(api, "s3cret")

	get := func(path, token string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, get("/debug/pprof/", ""))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/", "s3cret"))
	assert.Equal(t, http.StatusOK, get("/debug/pprof/goroutine?debug=1", "s3cret"))
	assert.Equal(t, http.StatusTeapot, get("/api/cron/jobs", ""))
}
