// Package submit uploads a finalized voice command to the agent backend and
// returns the session id it assigns.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/arvyn/pkg/sidecar/capture"
)

const (
	// FieldName is the multipart field the backend reads the audio from.
	FieldName = "audio_file"

	defaultCommandPath = "/command"
	defaultContentType = "audio/webm"
	maxErrorBodyBytes  = 2048
)

// ErrEmptyUnit is returned when there is no audio to upload.
var ErrEmptyUnit = errors.New("no audio to submit")

// TransportError represents a network-level failure while uploading.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURLUserInfo(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// StatusError is returned when the backend answers with a non-2xx status or
// a 2xx response without a session id.
type StatusError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return fmt.Sprintf("command rejected (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("command rejected (status %d)", e.StatusCode)
}

func redactURLUserInfo(raw string) string {
	if raw == "" {
		return raw
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed == nil || parsed.User == nil {
		return raw
	}
	parsed.User = url.User("redacted")
	return parsed.String()
}

// Client posts command audio to the backend.
type Client struct {
	BaseURL    string
	Path       string
	APIKey     string
	HTTPClient *http.Client
	// MaxUploadBytes rejects larger units before any bytes are sent. Zero
	// disables the check.
	MaxUploadBytes int64
}

// New returns a Client with a bounded request timeout.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSpace(baseURL),
		APIKey:     strings.TrimSpace(apiKey),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

type commandResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	Detail    string `json:"detail"`
}

func (c *Client) endpoint() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if base == "" {
		return "", errors.New("submit: base URL is required")
	}
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("submit: invalid base URL %q", c.BaseURL)
	}
	path := strings.TrimSpace(c.Path)
	if path == "" {
		path = defaultCommandPath
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path, nil
}

// Submit makes exactly one upload attempt for unit and returns the session
// id assigned by the backend.
func (c *Client) Submit(ctx context.Context, unit capture.Unit) (string, error) {
	if c == nil {
		return "", errors.New("submit: client is nil")
	}
	if unit.Empty() {
		return "", ErrEmptyUnit
	}
	if c.MaxUploadBytes > 0 && int64(len(unit.Data)) > c.MaxUploadBytes {
		return "", fmt.Errorf("submit: recording is %d bytes, limit is %d", len(unit.Data), c.MaxUploadBytes)
	}
	endpoint, err := c.endpoint()
	if err != nil {
		return "", err
	}

	body, contentType, err := encodeMultipart(unit)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &StatusError{StatusCode: resp.StatusCode, Message: errorMessage(raw), Body: string(raw)}
	}

	var decoded commandResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return "", &StatusError{StatusCode: resp.StatusCode, Message: "invalid response body"}
	}
	sessionID := strings.TrimSpace(decoded.SessionID)
	if sessionID == "" {
		return "", &StatusError{StatusCode: resp.StatusCode, Message: "missing session_id"}
	}
	return sessionID, nil
}

func encodeMultipart(unit capture.Unit) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	contentType := strings.TrimSpace(unit.ContentType)
	if contentType == "" {
		contentType = defaultContentType
	}
	filename := strings.TrimSpace(unit.Filename)
	if filename == "" {
		filename = "command.webm"
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FieldName, filename))
	header.Set("Content-Type", contentType)
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(unit.Data); err != nil {
		return nil, "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}

// errorMessage pulls a human-readable reason out of a JSON error body.
func errorMessage(raw []byte) string {
	var decoded commandResponse
	if err := json.Unmarshal(raw, &decoded); err == nil {
		if msg := strings.TrimSpace(decoded.Detail); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(decoded.Message); msg != "" {
			return msg
		}
	}
	return strings.TrimSpace(string(raw))
}
