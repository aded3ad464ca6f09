package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func probe(h http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	return rec
}

func TestReadiness(t *testing.T) {
	var dbErr error
	h := New(map[string]Check{"db": func(context.Context) error { return dbErr }})

	assert.Equal(t, http.StatusOK, probe(h.Healthz).Code)
	assert.Equal(t, http.StatusServiceUnavailable, probe(h.Readyz).Code)

	h.SetReady()
	assert.Equal(t, http.StatusOK, probe(h.Readyz).Code)

	dbErr = errors.New("closed")
	rec := probe(h.Readyz)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "db: closed", rec.Body.String())

	dbErr = nil
	h.SetNotReady()
	assert.Equal(t, http.StatusServiceUnavailable, probe(h.Readyz).Code)
}
