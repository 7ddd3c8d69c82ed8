package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestBaseErrorsWriteJSON(t *testing.T) {
	tests := []struct {
		err  *HangarError
		code int
	}{
		{ErrBadRequest, http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{ErrForbidden, http.StatusForbidden},
		{ErrNotFound, http.StatusNotFound},
		{ErrConflict, http.StatusConflict},
		{ErrNoCapacity, http.StatusServiceUnavailable},
		{ErrAgentUnreachable, http.StatusBadGateway},
		{ErrAgentTimeout, http.StatusGatewayTimeout},
		{ErrInternalServer, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Message, func(t *testing.T) {
			rr := httptest.NewRecorder()
			tt.err.WriteJSON(rr)

			if rr.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, rr.Code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected application/json, got %q", ct)
			}

			var decoded HangarError
			if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
				t.Fatalf("response is not valid JSON: %v", err)
			}
			if decoded.Code != tt.code {
				t.Errorf("body code %d != %d", decoded.Code, tt.code)
			}
		})
	}
}

func TestWithDetailsDoesNotMutateBase(t *testing.T) {
	detailed := ErrNotFound.WithDetails("app not found")
	if detailed == ErrNotFound {
		t.Fatal("WithDetails must return a copy")
	}
	if ErrNotFound.Details != "" {
		t.Errorf("base error mutated: %q", ErrNotFound.Details)
	}
	if detailed.Details != "app not found" {
		t.Errorf("expected details set, got %q", detailed.Details)
	}

	rr := httptest.NewRecorder()
	detailed.WriteJSON(rr)
	var decoded HangarError
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded.Details != "app not found" {
		t.Errorf("details lost in serialization: %q", decoded.Details)
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := fmt.Errorf("exec: docker not found")
	wrapped := Wrap(inner, http.StatusInternalServerError, "build failed")

	if wrapped.Unwrap() != inner {
		t.Error("Unwrap did not return underlying error")
	}
	want := "build failed: exec: docker not found"
	if wrapped.Error() != want {
		t.Errorf("expected %q, got %q", want, wrapped.Error())
	}
}

func TestIsHangarError(t *testing.T) {
	if _, ok := IsHangarError(fmt.Errorf("plain")); ok {
		t.Error("plain error detected as HangarError")
	}
	if he, ok := IsHangarError(ErrConflict); !ok || he != ErrConflict {
		t.Error("HangarError not detected")
	}
}
