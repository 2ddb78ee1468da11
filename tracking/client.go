package tracking

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/tsawler/go-probe/training"
	"go.uber.org/zap"
)

// ErrNotStarted is returned by run-scoped calls made before Start.
var ErrNotStarted = errors.New("tracking run not started")

// Config contains configuration for the tracking client
type Config struct {
	BaseURL       string
	Project       string
	RunName       string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultConfig returns default configuration for the tracking client
func DefaultConfig() Config {
	return Config{
		BaseURL:       "http://localhost:8080",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client talks to an HTTP experiment tracker. One client tracks one run.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     Config
	runID      string
	logger     *zap.Logger
}

// NewClient creates a new tracking client. Nothing is sent until Start.
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
		logger: logger,
	}
}

// RunID returns the id of the started run, or "" before Start.
func (c *Client) RunID() string {
	return c.runID
}

// CheckHealth checks if the tracker is available
func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil)
}

// Start registers a new run with a fresh id.
func (c *Client) Start(ctx context.Context) error {
	id := uuid.New().String()
	body := map[string]interface{}{
		"id":      id,
		"project": c.config.Project,
		"name":    c.config.RunName,
	}
	if err := c.do(ctx, http.MethodPost, "/api/runs", body); err != nil {
		return errors.Wrap(err, "starting run")
	}
	c.runID = id
	c.logger.Info("tracking run started",
		zap.String("run_id", id),
		zap.String("project", c.config.Project),
		zap.String("name", c.config.RunName),
	)
	return nil
}

func (c *Client) LogHyperparams(ctx context.Context, params map[string]interface{}) error {
	return c.post(ctx, "config", map[string]interface{}{"config": params})
}

func (c *Client) LogMetrics(ctx context.Context, step int, metrics map[string]float64) error {
	return c.post(ctx, "metrics", map[string]interface{}{
		"step":    step,
		"metrics": metrics,
	})
}

// LogImage uploads a PNG under key, base64 encoded.
func (c *Client) LogImage(ctx context.Context, key string, png []byte) error {
	return c.post(ctx, "images", map[string]interface{}{
		"key":    key,
		"format": "png",
		"data":   base64.StdEncoding.EncodeToString(png),
	})
}

// LogPlot uploads the plot description so the tracker can render it
// interactively.
func (c *Client) LogPlot(ctx context.Context, plot training.PlotData) error {
	return c.post(ctx, "plots", plot)
}

// Finish closes the run as "finished", or as "failed" with the error text
// when runErr is non-nil.
func (c *Client) Finish(ctx context.Context, runErr error) error {
	body := map[string]string{"status": "finished"}
	if runErr != nil {
		body["status"] = "failed"
		body["error"] = runErr.Error()
	}
	if err := c.post(ctx, "finish", body); err != nil {
		return err
	}
	c.logger.Info("tracking run closed", zap.String("run_id", c.runID), zap.String("status", body["status"]))
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}) error {
	if c.runID == "" {
		return ErrNotStarted
	}
	path := fmt.Sprintf("/api/runs/%s/%s", c.runID, endpoint)
	return errors.Wrapf(c.do(ctx, http.MethodPost, path, body), "tracking %s", endpoint)
}

// do sends the request, retrying transport errors and 5xx/429 responses up
// to RetryAttempts times.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		lastErr = c.send(ctx, method, path, payload)
		if lastErr == nil {
			return nil
		}
		var status *StatusError
		if errors.As(lastErr, &status) && !status.temporary() {
			return lastErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug("tracking request failed",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}
	return errors.Wrapf(lastErr, "failed after %d attempts", c.config.RetryAttempts)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to create HTTP request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "go-probe")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "failed to send HTTP request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
