package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func tagMiddleware(tag string, order *[]string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, tag)
			next.ServeHTTP(w, r)
		})
	}
}

func TestChainOrder(t *testing.T) {
	var order []string

	chain := NewChain(
		tagMiddleware("first", &order),
		tagMiddleware("second", &order),
		tagMiddleware("third", &order),
	)

	handler := chain.ThenFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})

	req := httptest.NewRequest("GET", "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	want := []string{"first", "second", "third", "handler"}
	if len(order) != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestChainAppend(t *testing.T) {
	var order []string

	base := NewChain(tagMiddleware("a", &order))
	extended := base.Append(tagMiddleware("b", &order))

	if base.Len() != 1 {
		t.Errorf("Append must not mutate the base chain, len=%d", base.Len())
	}
	if extended.Len() != 2 {
		t.Errorf("expected extended chain len 2, got %d", extended.Len())
	}

	handler := extended.ThenFunc(func(w http.ResponseWriter, r *http.Request) {})
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Errorf("unexpected call order: %v", order)
	}
}

func TestChainThenNil(t *testing.T) {
	chain := NewChain()
	if h := chain.Then(nil); h == nil {
		t.Fatal("Then(nil) returned nil handler")
	}
}
