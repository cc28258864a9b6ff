package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/xmpp/xmpptest"
)

func newLoginServer(t *testing.T, status int, body string) (*httptest.Server, *[]map[string]string) {
	t.Helper()
	var seen []map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		seen = append(seen, req)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestLogin(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		want    string
		wantErr bool
	}{
		{"ok", http.StatusOK, `{"GetUserAuthTokenResult":{"AccountId":7,"UserAuthToken":"identity-1"}}`, "identity-1", false},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad credentials"}`, "", true},
		{"empty token", http.StatusOK, `{"GetUserAuthTokenResult":{"UserAuthToken":""}}`, "", true},
		{"garbage", http.StatusOK, `not json`, "", true},
		{"missing result", http.StatusOK, `{}`, "", true},
	}
	for _, tc := range cases {
		srv, seen := newLoginServer(t, tc.status, tc.body)
		c := New(WithAuthURL(srv.URL), WithHTTPClient(srv.Client()))
		got, err := c.Login(context.Background(), "me@example.com", "secret")
		if tc.wantErr {
			if !errors.Is(err, apperrors.ErrAuth) {
				t.Fatalf("%s: expected auth error, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
		if len(*seen) != 1 || (*seen)[0]["email"] != "me@example.com" || (*seen)[0]["password"] != "secret" {
			t.Fatalf("%s: unexpected request payload %v", tc.name, *seen)
		}
	}
}

func TestLoginUnreachable(t *testing.T) {
	c := New(WithAuthURL("http://127.0.0.1:1/unreachable"))
	if _, err := c.Login(context.Background(), "a", "b"); !errors.Is(err, apperrors.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func pairHandler(identity, status string) xmpptest.Handler {
	return func(user, mime, body string) (string, string) {
		if mime != pairMime || !strings.HasPrefix(body, "token=identity-1") {
			return "400", ""
		}
		return "200", "serverIdentity=hub:hubId=106:identity=" + identity + ":status=" + status + ":protocolVersion={XMPP=\"1.0\"}"
	}
}

func TestSwapAuthToken(t *testing.T) {
	hub := xmpptest.NewServer(t, pairHandler("session-9", "succeeded"))
	c := New()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.SwapAuthToken(ctx, hub.Addr(), "identity-1")
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got != "session-9" {
		t.Fatalf("got %q want session-9", got)
	}
	if users := hub.Users(); len(users) != 1 || users[0] != guestUser {
		t.Fatalf("swap must authenticate as guest, got %v", users)
	}
}

func TestSwapAuthTokenRefused(t *testing.T) {
	hub := xmpptest.NewServer(t, pairHandler("", "failed"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := New().SwapAuthToken(ctx, hub.Addr(), "identity-1"); !errors.Is(err, apperrors.ErrAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestObtainSessionToken(t *testing.T) {
	login, _ := newLoginServer(t, http.StatusOK, `{"GetUserAuthTokenResult":{"UserAuthToken":"identity-1"}}`)
	hub := xmpptest.NewServer(t, pairHandler("session-9", "succeeded"))
	c := New(WithAuthURL(login.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := c.ObtainSessionToken(ctx, Credentials{Email: "me@example.com", Password: "secret", HubAddr: hub.Addr()})
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	if got != "session-9" {
		t.Fatalf("got %q want session-9", got)
	}
}

func TestHubHostPort(t *testing.T) {
	cases := map[string]string{
		"192.168.1.20":      "192.168.1.20:5222",
		"192.168.1.20:6000": "192.168.1.20:6000",
		"hub.local":         "hub.local:5222",
		"":                  "",
	}
	for in, want := range cases {
		if got := (Credentials{HubAddr: in}).HubHostPort(); got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}
