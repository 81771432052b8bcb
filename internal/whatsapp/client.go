// Package whatsapp talks to the WhatsApp Business Cloud API.
//
// It builds and validates outbound message payloads, sends them to the Graph
// API and classifies failures into retry-aware diagnoses.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Constants for Cloud API client configuration
const (
	// DefaultGraphURL is the Graph API host.
	DefaultGraphURL = "https://graph.facebook.com"
	// DefaultAPIVersion is the Graph API version messages are posted to.
	DefaultAPIVersion = "v23.0"
	// DefaultHTTPTimeout bounds a single send request.
	DefaultHTTPTimeout = 30 * time.Second
	// maxErrorBodyBytes caps how much of an error response is read.
	maxErrorBodyBytes = 64 << 10
)

var (
	// ErrTransport wraps failures where no HTTP response was received.
	ErrTransport = errors.New("whatsapp transport error")
	// ErrNotConfigured is returned when the access token or phone number id is missing.
	ErrNotConfigured = errors.New("whatsapp client not configured")
)

// Sender sends a built message and returns the WhatsApp message id.
type Sender interface {
	Send(ctx context.Context, msg WireMessage) (string, error)
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	AccessToken   string
	PhoneNumberID string
	APIVersion    string
	GraphURL      string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithAccessToken sets the permanent system-user access token.
func WithAccessToken(token string) Option {
	return func(o *Opts) { o.AccessToken = token }
}

// WithPhoneNumberID sets the sending phone-number-id.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = id }
}

// WithAPIVersion overrides the Graph API version (default v23.0).
func WithAPIVersion(v string) Option {
	return func(o *Opts) { o.APIVersion = v }
}

// WithGraphURL overrides the Graph API host, used by tests.
func WithGraphURL(u string) Option {
	return func(o *Opts) { o.GraphURL = u }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client is a Cloud API client bound to one phone number.
type Client struct {
	httpClient  *http.Client
	messagesURL string
	token       string
}

// Compile-time check that Client implements Sender.
var _ Sender = (*Client)(nil)

// NewClient creates a Cloud API client, applying any provided options.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp NewClient options set",
		"access_token_set", cfg.AccessToken != "",
		"phone_number_id", cfg.PhoneNumberID,
		"api_version", cfg.APIVersion,
		"graph_url", cfg.GraphURL)

	if cfg.AccessToken == "" || cfg.PhoneNumberID == "" {
		return nil, fmt.Errorf("%w: access token and phone number id must be provided", ErrNotConfigured)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.GraphURL == "" {
		cfg.GraphURL = DefaultGraphURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	return &Client{
		httpClient:  cfg.HTTPClient,
		messagesURL: fmt.Sprintf("%s/%s/%s/messages", strings.TrimRight(cfg.GraphURL, "/"), cfg.APIVersion, cfg.PhoneNumberID),
		token:       cfg.AccessToken,
	}, nil
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphErrorResponse struct {
	Error struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		Code         int    `json:"code"`
		ErrorSubcode int    `json:"error_subcode"`
		FBTraceID    string `json:"fbtrace_id"`
	} `json:"error"`
}

// Send posts msg to the messages endpoint. Non-2xx responses are returned as *APIError.
func (c *Client) Send(ctx context.Context, msg WireMessage) (string, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messagesURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	slog.Debug("whatsapp.Client.Send: posting message", "to", msg.To, "type", msg.Type)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("whatsapp.Client.Send: transport failure", "to", msg.To, "error", err)
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := decodeAPIError(resp)
		slog.Error("whatsapp.Client.Send: API error",
			"to", msg.To,
			"status", apiErr.Diagnosis.HTTPStatus,
			"code", apiErr.Diagnosis.GraphCode,
			"subcode", apiErr.Diagnosis.GraphSubcode,
			"verdict", apiErr.Diagnosis.Verdict,
			"fbtrace_id", apiErr.FBTraceID,
			"hint", apiErr.Diagnosis.Hint)
		return "", apiErr
	}

	var sr sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("decode send response: %w", err)
	}
	if len(sr.Messages) == 0 {
		return "", fmt.Errorf("send response carried no message id")
	}
	slog.Info("whatsapp.Client.Send: message accepted", "to", msg.To, "message_id", sr.Messages[0].ID)
	return sr.Messages[0].ID, nil
}

func decodeAPIError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	var ge graphErrorResponse
	if err := json.Unmarshal(raw, &ge); err != nil || ge.Error.Code == 0 {
		return &APIError{
			Diagnosis: Classify(resp.StatusCode, 0, 0),
			Message:   strings.TrimSpace(string(raw)),
		}
	}
	return &APIError{
		Diagnosis: Classify(resp.StatusCode, ge.Error.Code, ge.Error.ErrorSubcode),
		Message:   ge.Error.Message,
		Type:      ge.Error.Type,
		FBTraceID: ge.Error.FBTraceID,
	}
}
