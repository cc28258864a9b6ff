package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("turn on: %w", NotFound("activity not found"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected wrapped not found to match ErrNotFound")
	}
	if errors.Is(err, ErrConnection) {
		t.Fatalf("not found must not match ErrConnection")
	}
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Connection("hub connect failed", cause)
	if got, want := err.Error(), "hub connect failed: dial tcp: refused"; got != want {
		t.Fatalf("unexpected message: got %q want %q", got, want)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through Unwrap")
	}
}

func TestWriteError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"malformed", MalformedRequest("command is required"), http.StatusBadRequest, "malformed_request"},
		{"not found", NotFound("unknown entity").WithField("entity_id", "harmony.x"), http.StatusNotFound, "not_found"},
		{"plain", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		rr := httptest.NewRecorder()
		WriteError(rr, tc.err)
		if rr.Code != tc.code {
			t.Fatalf("%s: unexpected status: got %d want %d", tc.name, rr.Code, tc.code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s: invalid json: %v", tc.name, err)
		}
		if body["kind"] != tc.kind {
			t.Fatalf("%s: unexpected kind: got %v want %s", tc.name, body["kind"], tc.kind)
		}
	}
}
