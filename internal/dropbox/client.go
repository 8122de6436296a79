// Package dropbox implements the remote object store used for chat
// session sync on top of the Dropbox HTTP API.
package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	syncerr "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary. A later run
// may succeed where this one failed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	defaultAPIURL     = "https://api.dropboxapi.com"
	defaultContentURL = "https://content.dropboxapi.com"

	// DefaultRoot is the app folder all sync objects live under.
	DefaultRoot = "/Apps/chat-sync"

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 60 * time.Second

	// maxErrorBodyBytes caps error body reads.
	maxErrorBodyBytes = 1024 * 1024

	// maxDownloadBytes caps a downloaded object. Session documents and
	// the manifest are JSON and far below this.
	maxDownloadBytes = 64 * 1024 * 1024

	// maxRedirects matches the default net/http limit.
	maxRedirects = 10
)

// Client talks to the Dropbox HTTP API with a caller-supplied bearer
// token. It holds no credentials itself.
type Client struct {
	httpClient *http.Client
	apiURL     string
	contentURL string
	root       string
}

// Options overrides Client defaults. Zero values keep the defaults.
type Options struct {
	HTTPClient *http.Client
	APIURL     string
	ContentURL string
	Root       string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the bearer token never leaves
// Dropbox.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a Dropbox client.
func NewClient(opts Options) *Client {
	c := &Client{
		httpClient: opts.HTTPClient,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		contentURL: strings.TrimRight(opts.ContentURL, "/"),
		root:       strings.TrimRight(opts.Root, "/"),
	}

	if c.httpClient == nil {
		c.httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if c.apiURL == "" {
		c.apiURL = defaultAPIURL
	}

	if c.contentURL == "" {
		c.contentURL = defaultContentURL
	}

	if c.root == "" {
		c.root = DefaultRoot
	}

	return c
}

// RootPath returns the folder prefix all sync objects live under.
func (c *Client) RootPath() string {
	return c.root
}

// Check validates token against the API. A rejected token yields an
// error wrapping ErrAuthFailure.
func (c *Client) Check(ctx context.Context, token string) error {
	const endpoint = "/2/check/user"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, strings.NewReader(`{"query":"chat-sync"}`))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(endpoint, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	return nil
}

// Download fetches the object at path. A missing object yields an error
// wrapping ErrNotFound.
func (c *Client) Download(ctx context.Context, token, path string) ([]byte, error) {
	const endpoint = "/2/files/download"

	arg, err := apiArg(map[string]string{"path": path})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Dropbox-API-Arg", arg)

	resp, err := c.do(endpoint, req)
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes+1))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("%w: reading %s: %w", syncerr.ErrTransport, path, err)}
	}

	if len(data) > maxDownloadBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", syncerr.ErrTransport, path, maxDownloadBytes)
	}

	return data, nil
}

// Upload writes data to path, overwriting any existing object.
func (c *Client) Upload(ctx context.Context, token, path string, data []byte) error {
	const endpoint = "/2/files/upload"

	arg, err := apiArg(map[string]any{
		"path":       path,
		"mode":       "overwrite",
		"mute":       true,
		"autorename": false,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Dropbox-API-Arg", arg)

	resp, err := c.do(endpoint, req)
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyBytes))

	return nil
}

// do sends req and converts non-2xx responses into classified errors.
// On success the caller owns resp.Body.
func (c *Client) do(endpoint string, req *http.Request) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("%w: sending request to %s: %w", syncerr.ErrTransport, endpoint, err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	return nil, classifyError(endpoint, resp.StatusCode, body)
}

// classifyError maps a Dropbox error response onto the sync error
// taxonomy. Dropbox reports endpoint-specific failures as 409 with a
// machine-readable error_summary such as "path/not_found/..".
func classifyError(endpoint string, status int, body []byte) error {
	summary := gjson.GetBytes(body, "error_summary").String()

	detail := summary
	if detail == "" {
		detail = sanitizeResponseBody(body)
	}

	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s returned 401: %s", syncerr.ErrAuthFailure, endpoint, detail)
	case status == http.StatusConflict && strings.HasPrefix(summary, "path/not_found"):
		return fmt.Errorf("%w: %s", syncerr.ErrNotFound, summary)
	}

	err := fmt.Errorf("%w: %s returned status %d: %s", syncerr.ErrTransport, endpoint, status, detail)
	if isTransientStatus(status) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// apiArg encodes v for the Dropbox-API-Arg header. HTTP headers must be
// ASCII, so every non-ASCII rune is written as a \u escape (surrogate
// pairs outside the BMP).
func apiArg(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding Dropbox-API-Arg: %w", err)
	}

	var b strings.Builder

	for _, r := range string(raw) {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}

		if r1, r2 := utf16.EncodeRune(r); r1 != utf8.RuneError {
			fmt.Fprintf(&b, `\u%04x\u%04x`, r1, r2)
			continue
		}

		fmt.Fprintf(&b, `\u%04x`, r)
	}

	return b.String(), nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
