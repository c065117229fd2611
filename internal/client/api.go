package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/relaychat/internal/identity"
	"github.com/Tyrowin/relaychat/internal/server"
)

// HTTPAPI talks to the relay's account and history endpoints. It keeps the
// identity cookie set by Login or Register.
type HTTPAPI struct {
	base   *url.URL
	client *http.Client
}

// NewHTTPAPI creates an HTTPAPI for the relay at baseURL, e.g. http://localhost:4000.
func NewHTTPAPI(baseURL string) (*HTTPAPI, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTPAPI{
		base:   base,
		client: &http.Client{Jar: jar, Timeout: 10 * time.Second},
	}, nil
}

// BaseURL returns the relay's HTTP base URL.
func (a *HTTPAPI) BaseURL() string {
	return a.base.String()
}

// WebSocketURL derives the relay's websocket endpoint from the base URL.
func (a *HTTPAPI) WebSocketURL() string {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Token returns the identity token held in the cookie jar, or "".
func (a *HTTPAPI) Token() string {
	for _, c := range a.client.Jar.Cookies(a.base) {
		if c.Name == identity.CookieName {
			return c.Value
		}
	}
	return ""
}

// Login signs in and returns the caller's user id.
func (a *HTTPAPI) Login(ctx context.Context, username, password string) (string, error) {
	return a.credentials(ctx, "/login", username, password)
}

// Register creates an account, signs in and returns the new user id.
func (a *HTTPAPI) Register(ctx context.Context, username, password string) (string, error) {
	return a.credentials(ctx, "/register", username, password)
}

func (a *HTTPAPI) credentials(ctx context.Context, path, username, password string) (string, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := a.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// People lists every known user.
func (a *HTTPAPI) People(ctx context.Context) ([]server.Person, error) {
	var people []server.Person
	if err := a.do(ctx, http.MethodGet, "/people", nil, &people); err != nil {
		return nil, err
	}
	return people, nil
}

// History returns the conversation with partner, oldest first.
func (a *HTTPAPI) History(ctx context.Context, partner string) ([]Message, error) {
	var wire []server.DeliveredMessage
	if err := a.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(partner), nil, &wire); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(wire))
	for _, m := range wire {
		out = append(out, messageFromWire(m))
	}
	return out, nil
}

func (a *HTTPAPI) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base.String()+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Origin", a.base.Scheme+"://"+a.base.Host)

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}
