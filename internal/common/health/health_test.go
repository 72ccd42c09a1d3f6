package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStartupCompleteChecker(t *testing.T) {
	checker := NewStartupCompleteChecker()
	assert.Error(t, checker.Check())
	checker.MarkComplete()
	assert.NoError(t, checker.Check())
}

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	multi := NewMultiChecker(healthy)
	assert.NoError(t, multi.Check())

	multi.Add(CheckerFunc(func() error { return errors.New("listener closed") }))
	multi.Add(CheckerFunc(func() error { return errors.New("no coordinator") }))
	err := multi.Check()
	assert.ErrorContains(t, err, "listener closed")
	assert.ErrorContains(t, err, "no coordinator")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	checker := NewStartupCompleteChecker()
	mux := http.NewServeMux()
	SetupHttpMux(mux, checker)

	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "startup is not complete", recorder.Body.String())

	checker.MarkComplete()
	recorder = httptest.NewRecorder()
	mux.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusNoContent, recorder.Code)
}
