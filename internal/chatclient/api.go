package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

const requestTimeout = 10 * time.Second

// APIError is a non 2xx response from the REST API.
type APIError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// apiClient talks to the REST API. The session cookie set by login is kept
// in the jar and reused for the websocket handshake.
type apiClient struct {
	base *url.URL
	http *http.Client
}

func newAPIClient(baseURL string) (*apiClient, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	return &apiClient{
		base: base,
		http: &http.Client{Jar: jar, Timeout: requestTimeout},
	}, nil
}

func (a *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base.JoinPath(path).String(), r)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

func (a *apiClient) login(ctx context.Context, email, password string) (types.User, error) {
	var u types.User
	err := a.do(ctx, http.MethodPost, "/api/v1/auth/login", map[string]string{
		"email":    email,
		"password": password,
	}, &u)
	return u, err
}

func (a *apiClient) counterparts(ctx context.Context) ([]types.User, error) {
	var users []types.User
	err := a.do(ctx, http.MethodGet, "/api/v1/message/users", nil, &users)
	return users, err
}

func (a *apiClient) history(ctx context.Context, peer string) ([]types.Message, error) {
	var msgs []types.Message
	err := a.do(ctx, http.MethodGet, "/api/v1/message/"+url.PathEscape(peer), nil, &msgs)
	return msgs, err
}

func (a *apiClient) createMessage(ctx context.Context, peer, text, image string) (types.Message, error) {
	var m types.Message
	err := a.do(ctx, http.MethodPost, "/api/v1/message/send/"+url.PathEscape(peer), map[string]string{
		"text":  text,
		"image": image,
	}, &m)
	return m, err
}

func (a *apiClient) deleteMessage(ctx context.Context, id string) error {
	return a.do(ctx, http.MethodDelete, "/api/v1/message/delete/"+url.PathEscape(id), nil, nil)
}

// wsURL is the websocket endpoint on the same host as the REST API.
func (a *apiClient) wsURL() string {
	u := *a.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath("/ws").String()
}
