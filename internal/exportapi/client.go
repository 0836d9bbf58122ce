// Package exportapi is a minimal client for the DXP deployment API's
// database export endpoints: submit an export and read its status.
package exportapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BadgerOps/dxpops/internal/remote"
	"github.com/BadgerOps/dxpops/internal/safety"
)

// DefaultBaseURL is the public deployment API endpoint.
const DefaultBaseURL = "https://paasportal.episerver.net/api/v1.0"

const maxResponseBytes = 1 << 20

// State is the remote export status.
type State string

const (
	StateInProgress State = "InProgress"
	StateSucceeded  State = "Succeeded"
	StateFailed     State = "Failed"
)

// Terminal reports whether the remote job has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

func parseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "succeeded", "success", "completed":
		return StateSucceeded
	case "failed", "error", "cancelled", "canceled":
		return StateFailed
	default:
		return StateInProgress
	}
}

// Request asks for a database export.
type Request struct {
	Environment    string
	Database       string
	RetentionHours int
}

// Ref addresses a submitted export.
type Ref struct {
	Environment string `json:"environment"`
	Database    string `json:"database"`
	ID          string `json:"id"`
}

// Status is one reading of a remote export.
type Status struct {
	State       State
	DownloadURL string
	Percent     float64
	Message     string
}

// Config identifies the project and its API credentials.
type Config struct {
	BaseURL      string
	ProjectID    string
	ClientKey    string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to one project's export endpoints.
type Client struct {
	base   *url.URL
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New validates cfg and returns a client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project id is required")
	}
	if cfg.ClientKey == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("api key and secret are required for project %s", cfg.ProjectID)
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		base:   base,
		cfg:    cfg,
		http:   safety.NewHTTPClient(timeout),
		logger: logger.With("project_id", cfg.ProjectID),
		now:    time.Now,
	}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Errors  []string        `json:"errors"`
	Result  json.RawMessage `json:"result"`
}

type exportResult struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	DownloadLink    string  `json:"downloadLink"`
	PercentComplete float64 `json:"percentComplete"`
	Message         string  `json:"message"`
}

// Submit starts an export and returns its reference.
func (c *Client) Submit(ctx context.Context, req Request) (Ref, error) {
	if req.Environment == "" || req.Database == "" {
		return Ref{}, fmt.Errorf("environment and database are required")
	}
	hours := req.RetentionHours
	if hours <= 0 {
		hours = 24
	}
	body, err := json.Marshal(map[string]int{"retentionHours": hours})
	if err != nil {
		return Ref{}, err
	}

	var res exportResult
	path := c.exportsPath(req.Environment, req.Database)
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return Ref{}, err
	}
	if res.ID == "" {
		return Ref{}, &remote.TransportError{Op: "submit export", Err: fmt.Errorf("response carried no export id")}
	}
	c.logger.Info("export submitted", "environment", req.Environment, "database", req.Database, "remote_id", res.ID)
	return Ref{Environment: req.Environment, Database: req.Database, ID: res.ID}, nil
}

// Status reads the current state of an export.
func (c *Client) Status(ctx context.Context, ref Ref) (Status, error) {
	var res exportResult
	path := c.exportsPath(ref.Environment, ref.Database) + "/" + ref.ID
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return Status{}, err
	}
	return Status{
		State:       parseState(res.Status),
		DownloadURL: res.DownloadLink,
		Percent:     res.PercentComplete,
		Message:     res.Message,
	}, nil
}

func (c *Client) exportsPath(env, db string) string {
	return fmt.Sprintf("%s/projects/%s/environments/%s/databases/%s/exports",
		c.base.Path, c.cfg.ProjectID, env, db)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	u := *c.base
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.sign(method, u.EscapedPath(), body))

	op := method + " " + path
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &remote.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := safety.ReadAllWithLimit(resp.Body, maxResponseBytes)
	if err != nil {
		return &remote.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return remote.StatusError(op, resp.StatusCode, fmt.Errorf("%s", strings.TrimSpace(string(data))))
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &remote.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if !env.Success {
		return &remote.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("api error: %s", strings.Join(env.Errors, "; "))}
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return &remote.TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding result: %w", err)}
	}
	return nil
}

// sign builds the epi-hmac authorization header.
func (c *Client) sign(method, path string, body []byte) string {
	ts := strconv.FormatInt(c.now().Unix(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	bodyHash := md5.Sum(body)

	msg := c.cfg.ClientKey + method + path + ts + nonce + base64.StdEncoding.EncodeToString(bodyHash[:])
	secret, err := base64.StdEncoding.DecodeString(c.cfg.ClientSecret)
	if err != nil {
		secret = []byte(c.cfg.ClientSecret)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(msg))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("epi-hmac %s:%s:%s:%s", c.cfg.ClientKey, ts, nonce, sig)
}
