// Package xmpptest runs an in-process fake Harmony hub for tests.
package xmpptest

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

// Handler answers an oa request. An empty code means "200".
type Handler func(user, mime, body string) (code, reply string)

type Request struct {
	User string
	Mime string
	Body string
}

type Server struct {
	ln      net.Listener
	handler Handler

	mu           sync.Mutex
	authorize    func(user, password string) bool
	sendContinue bool
	conns        []*conn
	users        []string
	requests     []Request
	closed       bool

	wg sync.WaitGroup
}

type conn struct {
	net.Conn
	mu sync.Mutex
}

func (c *conn) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.Conn, s)
}

func NewServer(t testing.TB, h Handler) *Server {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &Server{ln: ln, handler: h}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(s.Close)
	return s
}

func (s *Server) Addr() string { return s.ln.Addr().String() }

// SetAuthorizer decides which PLAIN credentials are accepted. All are accepted by default.
func (s *Server) SetAuthorizer(fn func(user, password string) bool) {
	s.mu.Lock()
	s.authorize = fn
	s.mu.Unlock()
}

// SetSendContinue makes the server emit an errorcode=100 reply before each real reply.
func (s *Server) SetSendContinue(v bool) {
	s.mu.Lock()
	s.sendContinue = v
	s.mu.Unlock()
}

func (s *Server) Users() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.users...)
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Push writes a raw stanza to every open client connection.
func (s *Server) Push(stanza string) {
	s.mu.Lock()
	conns := append([]*conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		c.write(stanza)
	}
}

// DropConnections closes every client connection, simulating a hub restart.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := &conn{Conn: nc}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(c)
		}()
	}
}

func (s *Server) serve(c *conn) {
	defer c.Close()
	dec := xml.NewDecoder(c)
	authed := false
	user := ""
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "stream":
			c.write("<stream:stream xmlns='jabber:client' xmlns:stream='http://etherx.jabber.org/streams' from='connect.logitech.com' id='fake' version='1.0'>")
			if authed {
				c.write("<stream:features><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'/><session xmlns='urn:ietf:params:xml:ns:xmpp-session'/></stream:features>")
			} else {
				c.write("<stream:features><mechanisms xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><mechanism>PLAIN</mechanism></mechanisms></stream:features>")
			}
		case "auth":
			var a struct {
				Value string `xml:",chardata"`
			}
			if err := dec.DecodeElement(&a, &se); err != nil {
				return
			}
			raw, _ := base64.StdEncoding.DecodeString(strings.TrimSpace(a.Value))
			parts := strings.Split(string(raw), "\x00")
			if len(parts) != 3 || !s.accepts(parts[1], parts[2]) {
				c.write("<failure xmlns='urn:ietf:params:xml:ns:xmpp-sasl'><not-authorized/></failure>")
				continue
			}
			user = parts[1]
			authed = true
			s.mu.Lock()
			s.users = append(s.users, user)
			s.mu.Unlock()
			c.write("<success xmlns='urn:ietf:params:xml:ns:xmpp-sasl'/>")
		case "iq":
			var iq struct {
				ID   string `xml:"id,attr"`
				Type string `xml:"type,attr"`
				Bind *struct {
					Resource string `xml:"resource"`
				} `xml:"bind"`
				Session *struct{} `xml:"session"`
				OA      *struct {
					Mime string `xml:"mime,attr"`
					Body string `xml:",chardata"`
				} `xml:"oa"`
			}
			if err := dec.DecodeElement(&iq, &se); err != nil {
				return
			}
			switch {
			case iq.Bind != nil:
				c.write(fmt.Sprintf("<iq type='result' id='%s'><bind xmlns='urn:ietf:params:xml:ns:xmpp-bind'><jid>%s/%s</jid></bind></iq>", iq.ID, escape(user), escape(iq.Bind.Resource)))
			case iq.Session != nil:
				c.write(fmt.Sprintf("<iq type='result' id='%s'/>", iq.ID))
			case iq.OA != nil:
				s.handleOA(c, user, iq.ID, iq.OA.Mime, iq.OA.Body)
			default:
				c.write(fmt.Sprintf("<iq type='error' id='%s'/>", iq.ID))
			}
		}
	}
}

func (s *Server) handleOA(c *conn, user, id, mime, body string) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{User: user, Mime: mime, Body: body})
	sendContinue := s.sendContinue
	s.mu.Unlock()
	code, reply := "200", ""
	if s.handler != nil {
		code, reply = s.handler(user, mime, body)
		if code == "" {
			code = "200"
		}
	}
	if sendContinue {
		c.write(fmt.Sprintf("<iq type='get' id='%s'><oa xmlns='connect.logitech.com' mime='%s' errorcode='100' errorstring='Continue'></oa></iq>", id, escape(mime)))
	}
	c.write(fmt.Sprintf("<iq type='get' id='%s'><oa xmlns='connect.logitech.com' mime='%s' errorcode='%s' errorstring='%s'>%s</oa></iq>",
		id, escape(mime), code, statusText(code), escape(reply)))
}

func (s *Server) accepts(user, password string) bool {
	s.mu.Lock()
	fn := s.authorize
	s.mu.Unlock()
	if fn == nil {
		return true
	}
	return fn(user, password)
}

func statusText(code string) string {
	if code == "200" {
		return "OK"
	}
	return "Error"
}

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
