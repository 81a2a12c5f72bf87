package renderer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultMJMLEndpoint is the public MJML API.
const DefaultMJMLEndpoint = "https://api.mjml.io/v1"

// MJMLConfig configures the MJML API client.
type MJMLConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	ApplicationID string        `mapstructure:"application_id"`
	SecretKey     string        `mapstructure:"secret_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// MJMLError is a compile error reported by the MJML API.
type MJMLError struct {
	Message string
	Line    int
	Version string
}

func (e *MJMLError) Error() string {
	msg := fmt.Sprintf("mjml: line %d: %s", e.Line, e.Message)
	if e.Version != "" {
		msg += " (version " + e.Version + ")"
	}
	return msg
}

// MJMLClient compiles MJML markup to HTML through the MJML HTTP API.
type MJMLClient struct {
	endpoint string
	appID    string
	secret   string
	client   *http.Client
}

// NewMJMLClient creates an MJMLClient.
func NewMJMLClient(cfg MJMLConfig) *MJMLClient {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultMJMLEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &MJMLClient{
		endpoint: cfg.Endpoint,
		appID:    cfg.ApplicationID,
		secret:   cfg.SecretKey,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type mjmlRenderRequest struct {
	MJML string `json:"mjml"`
}

type mjmlRenderResponse struct {
	HTML        string `json:"html"`
	MJMLVersion string `json:"mjml_version"`
	Errors      []struct {
		FormattedMessage string `json:"formattedMessage"`
		Line             int    `json:"line"`
	} `json:"errors"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// ToHTML compiles mjml and returns the HTML.
func (c *MJMLClient) ToHTML(ctx context.Context, mjml string) (string, error) {
	body, err := json.Marshal(mjmlRenderRequest{MJML: mjml})
	if err != nil {
		return "", fmt.Errorf("mjml: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/render", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mjml: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.appID, c.secret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("mjml: send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("mjml: read response: %w", err)
	}

	var out mjmlRenderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("mjml: decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mjml: status %d: %s (request %s)", resp.StatusCode, out.Message, out.RequestID)
	}
	if len(out.Errors) > 0 {
		return "", &MJMLError{
			Message: out.Errors[0].FormattedMessage,
			Line:    out.Errors[0].Line,
			Version: out.MJMLVersion,
		}
	}
	return out.HTML, nil
}
