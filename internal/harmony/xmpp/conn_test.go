package xmpp_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/xmpp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/xmpp/xmpptest"
)

func dial(t *testing.T, srv *xmpptest.Server, opts ...xmpp.Option) *xmpp.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := xmpp.Dial(ctx, srv.Addr(), "guest@x.com", "guest", opts...)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDialBindsResource(t *testing.T) {
	srv := xmpptest.NewServer(t, nil)
	c := dial(t, srv)
	if got, want := c.JID(), "guest@x.com/gatorade"; got != want {
		t.Fatalf("unexpected jid: got %q want %q", got, want)
	}
	if users := srv.Users(); len(users) != 1 || users[0] != "guest@x.com" {
		t.Fatalf("unexpected authenticated users: %v", users)
	}
}

func TestDialCustomResource(t *testing.T) {
	srv := xmpptest.NewServer(t, nil)
	c := dial(t, srv, xmpp.WithResource("homenavi"))
	if got, want := c.JID(), "guest@x.com/homenavi"; got != want {
		t.Fatalf("unexpected jid: got %q want %q", got, want)
	}
}

func TestDialRejectedCredentials(t *testing.T) {
	srv := xmpptest.NewServer(t, nil)
	srv.SetAuthorizer(func(user, password string) bool { return false })
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := xmpp.Dial(ctx, srv.Addr(), "someone", "wrong")
	if !errors.Is(err, xmpp.ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	srv := xmpptest.NewServer(t, func(user, mime, body string) (string, string) {
		return "200", "echo=" + body + ":mime=" + mime
	})
	srv.SetSendContinue(true)
	c := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	oa, err := c.Request(ctx, "test/echo", "a<b")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if oa.Mime != "test/echo" {
		t.Fatalf("unexpected mime: %q", oa.Mime)
	}
	kv := xmpp.ParseBody(oa.Body)
	if kv["echo"] != "a<b" {
		t.Fatalf("body not escaped/unescaped correctly: %q", oa.Body)
	}
	reqs := srv.Requests()
	if len(reqs) != 1 || reqs[0].Mime != "test/echo" || reqs[0].Body != "a<b" {
		t.Fatalf("server saw %+v", reqs)
	}
}

func TestRequestStatusError(t *testing.T) {
	srv := xmpptest.NewServer(t, func(user, mime, body string) (string, string) {
		return "506", ""
	})
	c := dial(t, srv)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Request(ctx, "test/fail", "")
	var se *xmpp.StatusError
	if !errors.As(err, &se) || se.Code != "506" {
		t.Fatalf("expected status error 506, got %v", err)
	}
}

func TestMessageHandlerReceivesPayload(t *testing.T) {
	srv := xmpptest.NewServer(t, nil)
	got := make(chan xmpp.Message, 1)
	dial(t, srv, xmpp.WithMessageHandler(func(m xmpp.Message) { got <- m }))

	srv.Push("<message from='hub' to='guest@x.com/gatorade' type='normal'><event xmlns='connect.logitech.com' type='harmony.engine?startActivityFinished'>activityId=42:errorCode=200</event></message>")

	select {
	case m := <-got:
		if len(m.Payload) != 1 {
			t.Fatalf("expected one payload element, got %d", len(m.Payload))
		}
		p := m.Payload[0]
		if p.XMLName.Space != xmpp.NSLogitech || p.XMLName.Local != "event" {
			t.Fatalf("unexpected element name: %+v", p.XMLName)
		}
		if p.Type != "harmony.engine?startActivityFinished" {
			t.Fatalf("unexpected type: %q", p.Type)
		}
		if xmpp.ParseBody(p.Body)["activityId"] != "42" {
			t.Fatalf("unexpected body: %q", p.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("message was not dispatched")
	}
}

func TestDoneOnRemoteClose(t *testing.T) {
	srv := xmpptest.NewServer(t, nil)
	c := dial(t, srv)
	srv.DropConnections()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection did not observe remote close")
	}
	if c.Err() == nil {
		t.Fatalf("expected termination error")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Request(ctx, "test/after-close", ""); err == nil {
		t.Fatalf("expected request on closed connection to fail")
	}
}

func TestParseBody(t *testing.T) {
	kv := xmpp.ParseBody("identity=abc-123:status=succeeded:junk")
	if kv["identity"] != "abc-123" || kv["status"] != "succeeded" {
		t.Fatalf("unexpected parse: %v", kv)
	}
	if _, ok := kv["junk"]; ok {
		t.Fatalf("segment without '=' must be skipped")
	}
}
