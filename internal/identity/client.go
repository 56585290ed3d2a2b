// Package identity wraps the remote auth/profile API.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"portfolio/pkg/domain"
)

const genericErrorMessage = "An error occurred"

// Client calls the identity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs an identity service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Login exchanges credentials for a JWT and the account it belongs to.
func (c *Client) Login(ctx context.Context, creds domain.LoginCredentials) (domain.User, string, error) {
	var resp authResponse
	if err := c.doJSON(ctx, http.MethodPost, "/auth/local", "", creds, &resp); err != nil {
		return domain.User{}, "", err
	}
	return resp.User, resp.JWT, nil
}

// Register creates an account. It does not authenticate it.
func (c *Client) Register(ctx context.Context, creds domain.RegisterCredentials) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/local/register", "", creds, nil)
}

// Me returns the account the token belongs to.
func (c *Client) Me(ctx context.Context, token string) (domain.User, error) {
	var user domain.User
	if err := c.doJSON(ctx, http.MethodGet, "/users/me", token, nil, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// UpdateProfile changes the client-mutable fields of the given account.
func (c *Client) UpdateProfile(ctx context.Context, token string, userID int, upd domain.ProfileUpdate) (domain.User, error) {
	var user domain.User
	path := fmt.Sprintf("/users/%d", userID)
	if err := c.doJSON(ctx, http.MethodPut, path, token, upd, &user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// ChangePassword rotates the password of the authenticated account.
func (c *Client) ChangePassword(ctx context.Context, token string, chg domain.ChangePassword) error {
	return c.doJSON(ctx, http.MethodPost, "/auth/change-password", token, chg, nil)
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &domain.TransportError{Op: "identity " + method + " " + path, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &domain.RemoteError{
			Status:  resp.StatusCode,
			Message: decodeErrorMessage(resp.Body),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &domain.ProtocolError{Line: path, Err: err}
	}
	return nil
}

// decodeErrorMessage extracts the human-readable message from the
// service's error envelope, falling back to a generic one when the
// envelope is absent or malformed.
func decodeErrorMessage(r io.Reader) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(r).Decode(&envelope); err != nil {
		return genericErrorMessage
	}
	if msg := strings.TrimSpace(envelope.Error.Message); msg != "" {
		return msg
	}
	return genericErrorMessage
}

type authResponse struct {
	JWT  string      `json:"jwt"`
	User domain.User `json:"user"`
}
