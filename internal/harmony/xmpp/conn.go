// Package xmpp implements the subset of XMPP spoken by Logitech Harmony hubs:
// a plaintext client stream with SASL PLAIN, resource binding, and iq stanzas
// carrying connect.logitech.com "oa" payloads.
package xmpp

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	Domain          = "connect.logitech.com"
	NSLogitech      = "connect.logitech.com"
	DefaultResource = "gatorade"

	nsStream  = "http://etherx.jabber.org/streams"
	nsSASL    = "urn:ietf:params:xml:ns:xmpp-sasl"
	nsBind    = "urn:ietf:params:xml:ns:xmpp-bind"
	nsSession = "urn:ietf:params:xml:ns:xmpp-session"

	codeOK       = "200"
	codeContinue = "100"
)

var (
	ErrAuthFailed = errors.New("xmpp: authentication rejected")
	ErrClosed     = errors.New("xmpp: connection closed")
)

// OA is the connect.logitech.com request/response payload.
type OA struct {
	XMLName     xml.Name `xml:"connect.logitech.com oa"`
	Mime        string   `xml:"mime,attr"`
	ErrorCode   string   `xml:"errorcode,attr,omitempty"`
	ErrorString string   `xml:"errorstring,attr,omitempty"`
	Body        string   `xml:",chardata"`
}

// Element is a generic payload child of an inbound message stanza.
type Element struct {
	XMLName xml.Name
	Type    string `xml:"type,attr"`
	Body    string `xml:",chardata"`
}

type Message struct {
	From    string
	To      string
	Type    string
	Payload []Element
}

// StatusError is returned when the hub answers an oa request with a non-200 code.
type StatusError struct {
	Mime    string
	Code    string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("xmpp: %s replied %s %s", e.Mime, e.Code, e.Message)
}

type Option func(*options)

type options struct {
	resource  string
	onMessage func(Message)
}

func WithResource(resource string) Option {
	return func(o *options) { o.resource = resource }
}

// WithMessageHandler registers the callback for inbound message stanzas. It is
// invoked on the connection's reader goroutine.
func WithMessageHandler(fn func(Message)) Option {
	return func(o *options) { o.onMessage = fn }
}

type Conn struct {
	conn net.Conn
	r    *bufio.Reader
	dec  *xml.Decoder
	jid  string

	onMessage func(Message)

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *iqStanza

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type features struct {
	Mechanisms *struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"mechanisms"`
	Bind    *struct{} `xml:"bind"`
	Session *struct{} `xml:"session"`
}

func (f features) offers(mechanism string) bool {
	if f.Mechanisms == nil {
		return false
	}
	for _, m := range f.Mechanisms.Mechanism {
		if strings.EqualFold(strings.TrimSpace(m), mechanism) {
			return true
		}
	}
	return false
}

type iqStanza struct {
	XMLName xml.Name `xml:"iq"`
	ID      string   `xml:"id,attr"`
	Type    string   `xml:"type,attr"`
	OA      *OA      `xml:"connect.logitech.com oa"`
	Bind    *struct {
		JID string `xml:"jid"`
	} `xml:"bind"`
}

type messageStanza struct {
	From    string    `xml:"from,attr"`
	To      string    `xml:"to,attr"`
	Type    string    `xml:"type,attr"`
	Payload []Element `xml:",any"`
}

// Dial connects to addr and authenticates as user. The returned connection
// serves requests until Close is called or the transport fails.
func Dial(ctx context.Context, addr, user, password string, opts ...Option) (*Conn, error) {
	o := options{resource: DefaultResource}
	for _, opt := range opts {
		opt(&o)
	}
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("xmpp dial %s: %w", addr, err)
	}
	c := &Conn{
		conn:      nc,
		r:         bufio.NewReader(nc),
		onMessage: o.onMessage,
		pending:   map[string]chan *iqStanza{},
		done:      make(chan struct{}),
	}
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	err = c.handshake(Domain, user, password, o.resource)
	if !stop() {
		err = errors.Join(ctx.Err(), err)
	}
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// JID is the full address bound by the server.
func (c *Conn) JID() string { return c.jid }

func (c *Conn) handshake(domain, user, password, resource string) error {
	f, err := c.openStream(domain)
	if err != nil {
		return err
	}
	if !f.offers("PLAIN") {
		return errors.New("xmpp: server does not offer PLAIN authentication")
	}
	if err := c.authPlain(user, password); err != nil {
		return err
	}
	f, err = c.openStream(domain)
	if err != nil {
		return err
	}
	if f.Bind != nil {
		if err := c.bind(resource); err != nil {
			return err
		}
	}
	if f.Session != nil {
		if err := c.startSession(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) openStream(domain string) (features, error) {
	var f features
	header := fmt.Sprintf("<stream:stream to='%s' xmlns:stream='%s' xmlns='jabber:client' xml:lang='en' version='1.0'>",
		escape(domain), nsStream)
	if err := c.write(context.Background(), header); err != nil {
		return f, err
	}
	c.dec = xml.NewDecoder(c.r)
	c.dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) { return input, nil }
	for {
		se, err := c.nextStart()
		if err != nil {
			return f, fmt.Errorf("xmpp stream open: %w", err)
		}
		switch se.Name.Local {
		case "stream":
			continue
		case "features":
			if err := c.dec.DecodeElement(&f, &se); err != nil {
				return f, fmt.Errorf("xmpp features: %w", err)
			}
			return f, nil
		case "error":
			_ = c.dec.Skip()
			return f, errors.New("xmpp: stream error during negotiation")
		default:
			if err := c.dec.Skip(); err != nil {
				return f, err
			}
		}
	}
}

func (c *Conn) authPlain(user, password string) error {
	cred := base64.StdEncoding.EncodeToString([]byte("\x00" + user + "\x00" + password))
	if err := c.write(context.Background(), fmt.Sprintf("<auth xmlns='%s' mechanism='PLAIN'>%s</auth>", nsSASL, cred)); err != nil {
		return err
	}
	se, err := c.nextStart()
	if err != nil {
		return fmt.Errorf("xmpp auth: %w", err)
	}
	if err := c.dec.Skip(); err != nil {
		return fmt.Errorf("xmpp auth: %w", err)
	}
	switch se.Name.Local {
	case "success":
		return nil
	case "failure":
		return ErrAuthFailed
	default:
		return fmt.Errorf("xmpp auth: unexpected <%s>", se.Name.Local)
	}
}

func (c *Conn) bind(resource string) error {
	id := newID()
	req := fmt.Sprintf("<iq type='set' id='%s'><bind xmlns='%s'><resource>%s</resource></bind></iq>", id, nsBind, escape(resource))
	iq, err := c.roundTripSync(req)
	if err != nil {
		return fmt.Errorf("xmpp bind: %w", err)
	}
	if iq.Type != "result" {
		return fmt.Errorf("xmpp bind: server replied %q", iq.Type)
	}
	if iq.Bind != nil {
		c.jid = strings.TrimSpace(iq.Bind.JID)
	}
	return nil
}

func (c *Conn) startSession() error {
	id := newID()
	iq, err := c.roundTripSync(fmt.Sprintf("<iq type='set' id='%s'><session xmlns='%s'/></iq>", id, nsSession))
	if err != nil {
		return fmt.Errorf("xmpp session: %w", err)
	}
	if iq.Type != "result" {
		return fmt.Errorf("xmpp session: server replied %q", iq.Type)
	}
	return nil
}

// roundTripSync is only used during negotiation, before the reader goroutine runs.
func (c *Conn) roundTripSync(stanza string) (*iqStanza, error) {
	if err := c.write(context.Background(), stanza); err != nil {
		return nil, err
	}
	for {
		se, err := c.nextStart()
		if err != nil {
			return nil, err
		}
		if se.Name.Local != "iq" {
			if err := c.dec.Skip(); err != nil {
				return nil, err
			}
			continue
		}
		var iq iqStanza
		if err := c.dec.DecodeElement(&iq, &se); err != nil {
			return nil, err
		}
		return &iq, nil
	}
}

func (c *Conn) nextStart() (xml.StartElement, error) {
	for {
		tok, err := c.dec.Token()
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.EndElement:
			if t.Name.Local == "stream" {
				return xml.StartElement{}, ErrClosed
			}
		}
	}
}

func (c *Conn) readLoop() {
	var err error
	defer func() { c.shutdown(err) }()
	for {
		var se xml.StartElement
		se, err = c.nextStart()
		if err != nil {
			return
		}
		switch se.Name.Local {
		case "iq":
			var iq iqStanza
			if err = c.dec.DecodeElement(&iq, &se); err != nil {
				return
			}
			c.deliver(&iq)
		case "message":
			var m messageStanza
			if err = c.dec.DecodeElement(&m, &se); err != nil {
				return
			}
			if c.onMessage != nil {
				c.onMessage(Message{From: m.From, To: m.To, Type: m.Type, Payload: m.Payload})
			}
		default:
			if err = c.dec.Skip(); err != nil {
				return
			}
		}
	}
}

func (c *Conn) deliver(iq *iqStanza) {
	if iq.OA != nil && iq.OA.ErrorCode == codeContinue {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.mu.Unlock()
	if !ok {
		slog.Debug("xmpp unsolicited iq", "id", iq.ID, "type", iq.Type)
		return
	}
	ch <- iq
}

// Request sends an oa query and blocks until the hub replies, the context
// ends or the connection fails.
func (c *Conn) Request(ctx context.Context, mime, body string) (*OA, error) {
	id := newID()
	ch := make(chan *iqStanza, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.writeOA(ctx, id, mime, body); err != nil {
		return nil, err
	}
	select {
	case iq := <-ch:
		if iq.Type == "error" {
			return nil, &StatusError{Mime: mime, Code: "error", Message: "iq error"}
		}
		if iq.OA == nil {
			return nil, fmt.Errorf("xmpp: reply to %s carries no oa payload", mime)
		}
		if code := iq.OA.ErrorCode; code != "" && code != codeOK {
			return nil, &StatusError{Mime: mime, Code: code, Message: iq.OA.ErrorString}
		}
		return iq.OA, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Send writes an oa stanza without waiting for the reply.
func (c *Conn) Send(ctx context.Context, mime, body string) error {
	return c.writeOA(ctx, newID(), mime, body)
}

func (c *Conn) writeOA(ctx context.Context, id, mime, body string) error {
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	stanza := fmt.Sprintf("<iq type='get' id='%s'><oa xmlns='%s' mime='%s'>%s</oa></iq>", id, NSLogitech, escape(mime), escape(body))
	return c.write(ctx, stanza)
}

func (c *Conn) write(ctx context.Context, s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := io.WriteString(c.conn, s); err != nil {
		return fmt.Errorf("xmpp write: %w", err)
	}
	return nil
}

// Close tears down the transport without sending </stream:stream>.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err reports why the connection terminated. It is nil while the connection is open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			err = ErrClosed
		}
		c.err = err
		close(c.done)
		_ = c.conn.Close()
	})
}

// ParseBody splits a "key=value:key=value" oa body.
func ParseBody(body string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(strings.TrimSpace(body), ":") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func newID() string { return uuid.NewString() }

func escape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
