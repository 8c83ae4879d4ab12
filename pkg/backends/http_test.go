package backends

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// stateService is a minimal in-memory implementation of the remote state API.
func stateService(t *testing.T) (*httptest.Server, *sync.Map) {
	t.Helper()
	var docs sync.Map

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/deployments/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 3 || parts[2] != "state" {
			http.NotFound(w, r)
			return
		}
		id := parts[1]
		switch r.Method {
		case http.MethodPost:
			body, err := io.ReadAll(r.Body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			docs.Store(id, body)
			w.WriteHeader(http.StatusNoContent)
		case http.MethodGet:
			val, ok := docs.Load(id)
			if !ok {
				http.NotFound(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.Write(val.([]byte))
		case http.MethodDelete:
			if _, ok := docs.Load(id); !ok {
				http.NotFound(w, r)
				return
			}
			docs.Delete(id)
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &docs
}

func TestHTTPBackend_PutGetRoundTrip(t *testing.T) {
	srv, _ := stateService(t)
	backend, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	ctx := context.Background()

	payload := []byte("{\n  \"deployments\": {}\n}\n")
	if err := backend.Put(ctx, "stack-a", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := backend.Get(ctx, "stack-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected byte-identical round trip, got %q", got)
	}
}

func TestHTTPBackend_GetMissing(t *testing.T) {
	srv, _ := stateService(t)
	backend, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}

	if _, err := backend.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got: %v", err)
	}
}

func TestHTTPBackend_DeleteIsIdempotent(t *testing.T) {
	srv, docs := stateService(t)
	backend, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	ctx := context.Background()

	if err := backend.Put(ctx, "stack-a", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Delete(ctx, "stack-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, ok := docs.Load("stack-a"); ok {
		t.Error("Expected document removed from service")
	}
	// Second delete hits a 404 and still succeeds.
	if err := backend.Delete(ctx, "stack-a"); err != nil {
		t.Errorf("Expected repeated delete to succeed, got: %v", err)
	}
}

func TestHTTPBackend_Ping(t *testing.T) {
	srv, _ := stateService(t)
	backend, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("Expected healthy ping, got: %v", err)
	}

	srv.Close()
	if err := backend.Ping(context.Background()); err == nil {
		t.Error("Expected ping failure after server shutdown")
	}
}

func TestHTTPBackend_BearerToken(t *testing.T) {
	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(HTTPConfig{BaseURL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	if err := backend.Put(context.Background(), "stack-a", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if seen != "Bearer secret" {
		t.Errorf("Expected bearer token header, got %q", seen)
	}
}

func TestNewHTTPBackend_RejectsBadURL(t *testing.T) {
	if _, err := NewHTTPBackend(HTTPConfig{BaseURL: "not-a-url"}); err == nil {
		t.Error("Expected error for URL without scheme")
	}
}
