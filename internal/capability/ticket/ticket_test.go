package ticket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/orbit/internal/capability"
	"github.com/fyrsmithlabs/orbit/internal/config"
)

func newTracker(t *testing.T, handler http.Handler) *capability.Registry {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	tr, err := New(context.Background(), Config{
		Token:   config.Secret("test-token"),
		Owner:   "acme",
		Repo:    "widgets",
		BaseURL: srv.URL,
		Retry:   &RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	reg, err := capability.NewRegistry(tr.Capabilities()...)
	require.NoError(t, err)
	return reg
}

func invoke(t *testing.T, reg *capability.Registry, name string, args map[string]any) (string, error) {
	t.Helper()
	c, err := reg.Resolve(name)
	require.NoError(t, err)
	return c.Invoke(context.Background(), args)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{Owner: "a", Repo: "b"})
	assert.ErrorContains(t, err, "token")

	_, err = New(context.Background(), Config{Token: "x"})
	assert.ErrorContains(t, err, "owner and repo")
}

func TestCreateTicket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Broken build", body["title"])
		assert.Equal(t, []any{"ci"}, body["labels"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"number": 42, "html_url": "https://example.test/acme/widgets/issues/42"}`))
	})
	reg := newTracker(t, mux)

	out, err := invoke(t, reg, ActionCreate, map[string]any{"title": "Broken build", "labels": []any{"ci"}})
	require.NoError(t, err)
	assert.Contains(t, out, "#42")
}

func TestGetTicketRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/7", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"number": 7, "state": "open", "title": "Flaky", "body": "details"}`))
	})
	reg := newTracker(t, mux)

	out, err := invoke(t, reg, ActionGet, map[string]any{"number": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out, "#7 [open] Flaky")
}

func TestGetTicketDoesNotRetryNotFound(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/issues/9", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message": "Not Found"}`))
	})
	reg := newTracker(t, mux)

	_, err := invoke(t, reg, ActionGet, map[string]any{"number": float64(9)})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCommentRequiresPositiveNumber(t *testing.T) {
	reg := newTracker(t, http.NewServeMux())
	_, err := invoke(t, reg, ActionComment, map[string]any{"number": float64(0), "body": "x"})
	assert.ErrorIs(t, err, capability.ErrInvalidArguments)
}
