package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PetoAdam/homenavi/harmony-adapter/internal/apperrors"
	"github.com/PetoAdam/homenavi/harmony-adapter/internal/harmony/xmpp"
)

const (
	DefaultAuthURL = "https://svcs.myharmony.com/CompositeSecurityServices/Security.svc/json/GetUserAuthToken"
	DefaultHubPort = "5222"

	guestUser     = "guest@x.com"
	guestPassword = "guest"
	pairMime      = "vnd.logitech.connect/vnd.logitech.pair"
	pairName      = "homenavi#iOS6.0.1#iPhone"
)

type Credentials struct {
	Email    string
	Password string
	HubAddr  string
}

// HubHostPort returns the hub address with the default XMPP port applied.
func (c Credentials) HubHostPort() string {
	addr := strings.TrimSpace(c.HubAddr)
	if addr == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, DefaultHubPort)
}

type Client struct {
	authURL    string
	httpClient *http.Client
}

type Option func(*Client)

func WithAuthURL(u string) Option {
	return func(c *Client) {
		if strings.TrimSpace(u) != "" {
			c.authURL = u
		}
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		authURL: DefaultAuthURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type loginResponse struct {
	Result *struct {
		UserAuthToken string `json:"UserAuthToken"`
	} `json:"GetUserAuthTokenResult"`
}

// Login exchanges account credentials for an identity token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	payload, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return "", apperrors.Auth("encode login request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, bytes.NewReader(payload))
	if err != nil {
		return "", apperrors.Auth("build login request", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", apperrors.Auth("harmony login request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", apperrors.Auth("harmony login rejected", fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", apperrors.Auth("harmony login response unreadable", err)
	}
	if lr.Result == nil || strings.TrimSpace(lr.Result.UserAuthToken) == "" {
		return "", apperrors.Auth("harmony login returned no token", nil)
	}
	return lr.Result.UserAuthToken, nil
}

// SwapAuthToken trades an identity token for a hub-scoped session token using
// a guest session on the hub.
func (c *Client) SwapAuthToken(ctx context.Context, hubAddr, identityToken string) (string, error) {
	conn, err := xmpp.Dial(ctx, hubAddr, guestUser, guestPassword)
	if err != nil {
		return "", apperrors.Auth("hub guest session failed", err)
	}
	defer conn.Close()

	oa, err := conn.Request(ctx, pairMime, "token="+identityToken+":name="+pairName)
	if err != nil {
		return "", apperrors.Auth("hub token swap failed", err)
	}
	kv := xmpp.ParseBody(oa.Body)
	if status := kv["status"]; status != "" && !strings.EqualFold(status, "succeeded") {
		return "", apperrors.Auth("hub token swap refused", fmt.Errorf("status %s", status))
	}
	identity := strings.TrimSpace(kv["identity"])
	if identity == "" {
		return "", apperrors.Auth("hub token swap returned no identity", nil)
	}
	return identity, nil
}

// ObtainSessionToken runs the full two-stage exchange. It does not retry.
func (c *Client) ObtainSessionToken(ctx context.Context, creds Credentials) (string, error) {
	slog.Info("harmony login", "hub", creds.HubHostPort())
	identity, err := c.Login(ctx, creds.Email, creds.Password)
	if err != nil {
		return "", err
	}
	token, err := c.SwapAuthToken(ctx, creds.HubHostPort(), identity)
	if err != nil {
		return "", err
	}
	slog.Info("harmony session token obtained", "hub", creds.HubHostPort())
	return token, nil
}
