package mqtt

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type Client struct {
	cli paho.Client
}

// ClientAPI is the broker surface the adapter needs, so HDP publishing can be
// tested without a live broker.
type ClientAPI interface {
	Subscribe(topic string, cb Handler) error
	Unsubscribe(topic string) error
	Publish(topic string, payload []byte) error
	PublishWith(topic string, payload []byte, retain bool) error
}

type Message = paho.Message

type Handler = paho.MessageHandler

type Option func(*paho.ClientOptions)

// WithWill registers a retained last-will message, used for the adapter's
// offline status.
func WithWill(topic string, payload []byte) Option {
	return func(o *paho.ClientOptions) {
		o.SetBinaryWill(topic, payload, 0, true)
	}
}

func WithClientIDPrefix(prefix string) Option {
	return func(o *paho.ClientOptions) {
		o.SetClientID(prefix + "-" + uuid.NewString()[:8])
	}
}

func brokerServer(brokerURL string) (string, *url.URL, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return "", nil, fmt.Errorf("parse broker url: %w", err)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, u, nil
	case "ssl", "tls":
		return "ssl://" + u.Host, u, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, u, nil
	default:
		return "", nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

func New(brokerURL string, options ...Option) (*Client, error) {
	server, u, err := brokerServer(brokerURL)
	if err != nil {
		return nil, err
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(server)
	opts.SetClientID("harmony-adapter-" + uuid.NewString()[:8])
	opts.SetAutoReconnect(true)
	opts.OnConnect = func(c paho.Client) { slog.Info("mqtt connected", "broker", server) }
	opts.OnConnectionLost = func(c paho.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	for _, o := range options {
		o(opts)
	}
	cli := paho.NewClient(opts)
	if t := cli.Connect(); t.Wait() && t.Error() != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", server, t.Error())
	}
	return &Client{cli: cli}, nil
}

func (c *Client) Subscribe(topic string, cb Handler) error {
	t := c.cli.Subscribe(topic, 0, cb)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	return c.PublishWith(topic, payload, false)
}

func (c *Client) PublishWith(topic string, payload []byte, retain bool) error {
	t := c.cli.Publish(topic, 0, retain, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Unsubscribe(topic string) error {
	t := c.cli.Unsubscribe(topic)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	slog.Info("mqtt unsubscribed", "topic", topic)
	return nil
}

func (c *Client) Disconnect() {
	c.cli.Disconnect(250)
}
