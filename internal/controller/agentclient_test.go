package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	hangarerrors "github.com/wudi/hangar/internal/errors"
)

func TestAgentClientMapsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, time.Second, time.Second)
	err := client.Stop(context.Background(), "missing")
	if !errors.Is(err, hangarerrors.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestAgentClientMapsTimeoutTo504(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, 20*time.Millisecond, 20*time.Millisecond)
	err := client.RemoveRoute(context.Background(), "slow")
	var he *hangarerrors.HangarError
	if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
		t.Fatalf("err = %v, want a 504", err)
	}
}

func TestAgentClientMapsConnectionRefusedTo502(t *testing.T) {
	// A listener that is immediately closed gives a refused port.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewAgentClient(url, time.Second, time.Second)
	err := client.RemoveRoute(context.Background(), "x")
	var he *hangarerrors.HangarError
	if !errors.As(err, &he) || he.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want a 502", err)
	}
}

func TestAgentClientBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewAgentClient(url, 100*time.Millisecond, 100*time.Millisecond)
	for i := 0; i < 5; i++ {
		client.RemoveRoute(context.Background(), "x")
	}
	err := client.RemoveRoute(context.Background(), "x")
	var he *hangarerrors.HangarError
	if !errors.As(err, &he) || he.Code != http.StatusBadGateway {
		t.Fatalf("err = %v, want fast-failed 502 from the open breaker", err)
	}
}

func TestAgentClientMapsAgentErrorsTo500(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewAgentClient(srv.URL, time.Second, time.Second)
	err := client.Stop(context.Background(), "x")
	var he *hangarerrors.HangarError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("err = %v, want a 500", err)
	}
}
