package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/ChuLiYu/mindist/pkg/types"
)

const tokenHeader = "x-access-token"

// HTTPClient speaks the manager's REST protocol.
type HTTPClient struct {
	baseURL string
	nodeID  string
	http    *http.Client
	log     *slog.Logger

	mu    sync.RWMutex
	token string
}

// NewHTTPClient creates a client for the manager at baseURL. A nil
// httpClient gets DefaultTimeout.
func NewHTTPClient(baseURL, nodeID string, httpClient *http.Client, logger *slog.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		nodeID:  nodeID,
		http:    httpClient,
		log:     logger.With("component", "coordinator"),
	}
}

// Token returns the current access token.
func (c *HTTPClient) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Register implements Client.
func (c *HTTPClient) Register(ctx context.Context) error {
	c.log.Info("Registering this processor...")

	var out struct {
		Token string `json:"token"`
		ID    string `json:"id"`
	}
	status, err := c.do(ctx, http.MethodPost, "/processors/register", map[string]string{"nodeId": c.nodeID}, &out)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return fmt.Errorf("register: status %d: %w", status, ErrRejected)
	}
	if out.Token == "" {
		return fmt.Errorf("register: no token returned: %w", ErrRejected)
	}

	c.mu.Lock()
	c.token = out.Token
	c.mu.Unlock()

	c.log.Info("Got token and ID from manager", "processor_id", out.ID)
	return nil
}

// FetchStructures implements Client.
func (c *HTTPClient) FetchStructures(ctx context.Context, count int, mode types.Mode) (Allocation, error) {
	var out struct {
		Filenames      []string `json:"filenames"`
		ProcessingMode string   `json:"processingMode"`
	}
	path := fmt.Sprintf("/structures/next/%d/%s", count, mode)
	status, err := c.do(ctx, http.MethodGet, path, nil, &out)
	if err != nil {
		return Allocation{}, err
	}
	switch {
	case status == http.StatusForbidden:
		return Allocation{}, ErrNotRegistered
	case status < 200 || status > 299:
		return Allocation{}, fmt.Errorf("fetch structures: status %d: %w", status, ErrTransient)
	}

	return Allocation{
		Filenames: out.Filenames,
		Mode:      acceptMode(types.Mode(out.ProcessingMode)),
	}, nil
}

// ReportResult implements Client.
func (c *HTTPClient) ReportResult(ctx context.Context, res Result) (Ack, error) {
	body := map[string]any{
		"filename":       res.Filename,
		"result":         resultValue(res),
		"processingTime": res.ProcessingTime.Milliseconds(),
	}

	var out struct {
		Success          bool `json:"success"`
		IsNewMinDistance bool `json:"isNewMinDistance"`
	}
	status, err := c.do(ctx, http.MethodPost, "/structures/result", body, &out)
	if err != nil {
		return Ack{}, err
	}
	if status == http.StatusForbidden {
		return Ack{}, ErrNotRegistered
	}
	if status != http.StatusCreated || !out.Success {
		return Ack{}, fmt.Errorf("report %s: status %d: %w", res.Filename, status, ErrRejected)
	}
	return Ack{Success: out.Success, IsNewMinDistance: out.IsNewMinDistance}, nil
}

// Heartbeat implements Client.
func (c *HTTPClient) Heartbeat(ctx context.Context, filenames []string) error {
	status, err := c.do(ctx, http.MethodPatch, "/structures/ping", map[string][]string{"filenames": filenames}, nil)
	if err != nil {
		return err
	}
	if status == http.StatusForbidden {
		return ErrNotRegistered
	}
	if status != http.StatusAccepted {
		return fmt.Errorf("ping: status %d: %w", status, ErrRejected)
	}
	return nil
}

// Deregister implements Client.
func (c *HTTPClient) Deregister(ctx context.Context) error {
	status, err := c.do(ctx, http.MethodDelete, "/processors/register", nil, nil)
	if err != nil {
		return err
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("deregister: status %d: %w", status, ErrRejected)
	}
	return nil
}

// do sends one request. Transport failures wrap ErrTransient; any HTTP
// status is returned to the caller to interpret. out is decoded only for
// 2xx answers.
func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set(tokenHeader, token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %v: %w", method, path, err, ErrTransient)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %v: %w", method, path, err, ErrTransient)
		}
	}
	return resp.StatusCode, nil
}
