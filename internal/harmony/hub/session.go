package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/auth"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/xmpp"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/observability"
)

// PowerOffID is the reserved activity meaning "all devices off".
const PowerOffID = "-1"

const (
	mimeConfig          = "vnd.logitech.harmony/vnd.logitech.harmony.engine?config"
	mimeCurrentActivity = "vnd.logitech.harmony/vnd.logitech.harmony.engine?getCurrentActivity"
	mimeStartActivity   = "harmony.engine?startactivity"
	mimeHoldAction      = "vnd.logitech.harmony/vnd.logitech.harmony.engine?holdAction"

	eventStartActivityFinished = "harmony.engine?startActivityFinished"

	defaultRequestTimeout = 10 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type EventKind int

const (
	EventOther EventKind = iota
	EventActivityStarted
)

type Event struct {
	Kind       EventKind
	ActivityID string
	Raw        xmpp.Message
}

type EventHandler interface {
	HandleHubEvent(ev Event)
}

type TokenSource interface {
	ObtainSessionToken(ctx context.Context, creds auth.Credentials) (string, error)
}

// Conn is the transport surface a Session drives.
type Conn interface {
	Request(ctx context.Context, mime, body string) (*xmpp.OA, error)
	Send(ctx context.Context, mime, body string) error
	Close() error
	Done() <-chan struct{}
}

type DialFunc func(ctx context.Context, addr, token string, onMessage func(xmpp.Message)) (Conn, error)

// DialXMPP authenticates to the hub with a session token.
func DialXMPP(ctx context.Context, addr, token string, onMessage func(xmpp.Message)) (Conn, error) {
	c, err := xmpp.Dial(ctx, addr, token+"@"+xmpp.Domain, token, xmpp.WithMessageHandler(onMessage))
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Session struct {
	creds          auth.Credentials
	tokens         TokenSource
	dial           DialFunc
	requestTimeout time.Duration

	// connectMu serialises Connect; mu guards the fields below and is never
	// held across network I/O.
	connectMu sync.Mutex
	mu        sync.Mutex
	state     State
	token     string
	conn      Conn
	handler   EventHandler
}

type Option func(*Session)

func WithDialer(d DialFunc) Option {
	return func(s *Session) {
		if d != nil {
			s.dial = d
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.requestTimeout = d
		}
	}
}

func NewSession(creds auth.Credentials, tokens TokenSource, opts ...Option) *Session {
	s := &Session{
		creds:          creds,
		tokens:         tokens,
		dial:           DialXMPP,
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Session) SetEventHandler(h EventHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens the hub session. A failed attempt discards the held token,
// fetches a new one and retries exactly once. The session lock is not held
// while the token exchange or the dial runs, so requests issued meanwhile fail
// fast with a connection error.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	old := s.conn
	s.conn = nil
	s.setState(StateConnecting)
	token := s.token
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	addr := s.creds.HubHostPort()

	var err error
	if token == "" {
		if token, err = s.tokens.ObtainSessionToken(ctx, s.creds); err != nil {
			s.fail()
			return err
		}
	}
	conn, err := s.dial(ctx, addr, token, s.onMessage)
	if err != nil {
		slog.Warn("harmony hub connect failed, retrying with new token", "hub", addr, "error", err)
		if token, err = s.tokens.ObtainSessionToken(ctx, s.creds); err != nil {
			s.fail()
			return err
		}
		conn, err = s.dial(ctx, addr, token, s.onMessage)
		if err != nil {
			s.fail()
			return apperrors.Connection("harmony hub connect failed", err)
		}
	}

	s.mu.Lock()
	if s.state != StateConnecting {
		// Disconnect ran while dialing.
		s.token = token
		s.mu.Unlock()
		_ = conn.Close()
		return apperrors.Connection("harmony hub disconnected while connecting", nil)
	}
	s.token = token
	s.conn = conn
	s.setState(StateConnected)
	s.mu.Unlock()
	go s.watch(conn)
	slog.Info("harmony hub connected", "hub", addr)
	return nil
}

// fail drops the token after a failed connect attempt.
func (s *Session) fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	if s.state == StateConnecting {
		s.setState(StateDisconnected)
	}
}

func (s *Session) setState(st State) {
	s.state = st
	if st == StateConnected {
		observability.HubConnected.Set(1)
	} else {
		observability.HubConnected.Set(0)
	}
}

func (s *Session) watch(conn Conn) {
	<-conn.Done()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return
	}
	s.conn = nil
	s.setState(StateDisconnected)
	slog.Warn("harmony hub session lost", "hub", s.creds.HubHostPort())
}

// Lost returns a channel closed when the current connection terminates. It is
// already closed when there is no connection.
func (s *Session) Lost() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return s.conn.Done()
}

// Disconnect closes the transport without a protocol-level close.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.setState(StateDisconnected)
}

func (s *Session) current() (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		if s.state == StateConnecting {
			return nil, apperrors.Connection("harmony hub connecting", nil)
		}
		return nil, apperrors.Connection("harmony hub not connected", nil)
	}
	return s.conn, nil
}

func (s *Session) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

func (s *Session) do(ctx context.Context, op, mime, body string, fire bool) (oa *xmpp.OA, err error) {
	ctx, span := otel.Tracer("harmony-adapter/hub").Start(ctx, "hub."+op)
	span.SetAttributes(attribute.String("harmony.mime", mime))
	defer func() {
		observability.HubRequests.WithLabelValues(op, observability.ResultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	conn, err := s.current()
	if err != nil {
		return nil, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if fire {
		if err := conn.Send(ctx, mime, body); err != nil {
			return nil, apperrors.Connection("harmony "+op+" failed", err)
		}
		return nil, nil
	}
	oa, err = conn.Request(ctx, mime, body)
	if err != nil {
		var se *xmpp.StatusError
		if errors.As(err, &se) {
			return nil, fmt.Errorf("harmony %s: %w", op, err)
		}
		return nil, apperrors.Connection("harmony "+op+" failed", err)
	}
	return oa, nil
}

func (s *Session) GetConfig(ctx context.Context) (*Config, error) {
	oa, err := s.do(ctx, "get_config", mimeConfig, "", false)
	if err != nil {
		return nil, err
	}
	cfg, err := parseConfig(oa.Body)
	if err != nil {
		return nil, fmt.Errorf("harmony config decode: %w", err)
	}
	return cfg, nil
}

func (s *Session) GetCurrentActivity(ctx context.Context) (string, error) {
	oa, err := s.do(ctx, "get_current_activity", mimeCurrentActivity, "", false)
	if err != nil {
		return "", err
	}
	id, ok := xmpp.ParseBody(oa.Body)["result"]
	if !ok {
		return "", fmt.Errorf("harmony current activity: unparseable reply %q", oa.Body)
	}
	return id, nil
}

// StartActivity succeeds once the command is written; the hub confirms later
// with an activity-started event.
func (s *Session) StartActivity(ctx context.Context, activityID string) error {
	_, err := s.do(ctx, "start_activity", mimeStartActivity, "activityId="+activityID+":timestamp=0", true)
	return err
}

type holdAction struct {
	Command  string `json:"command"`
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

func holdActionBody(deviceID, command string) string {
	b, _ := json.Marshal(holdAction{Command: command, Type: "IRCommand", DeviceID: deviceID})
	return "action=" + strings.ReplaceAll(string(b), ":", "::") + ":status=press"
}

func (s *Session) SendCommand(ctx context.Context, deviceID, command string) error {
	_, err := s.do(ctx, "send_command", mimeHoldAction, holdActionBody(deviceID, command), true)
	return err
}

func (s *Session) onMessage(m xmpp.Message) {
	ev := Classify(m)
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if ev.Kind == EventOther {
		slog.Debug("harmony hub message ignored", "from", m.From, "elements", len(m.Payload))
	}
	if h == nil {
		return
	}
	go h.HandleHubEvent(ev)
}

// Classify maps an inbound message to one of the recognised event kinds.
func Classify(m xmpp.Message) Event {
	if len(m.Payload) != 1 {
		return Event{Kind: EventOther, Raw: m}
	}
	p := m.Payload[0]
	if p.XMLName.Space == xmpp.NSLogitech && p.XMLName.Local == "event" && p.Type == eventStartActivityFinished {
		return Event{Kind: EventActivityStarted, ActivityID: xmpp.ParseBody(p.Body)["activityId"], Raw: m}
	}
	return Event{Kind: EventOther, Raw: m}
}
