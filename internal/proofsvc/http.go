// Package proofsvc provides pcd.ProofService implementations: an HTTP client
// for a remote proof backend, a deterministic in-process prover and a
// verify-result cache.
package proofsvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/10yihang/pcdsync/internal/pcd"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "proofsvc")

const (
	initPath   = "/zkpf/pcd/init"
	updatePath = "/zkpf/pcd/update"
	verifyPath = "/zkpf/pcd/verify"
)

// DefaultTimeout bounds a single proof service call. Proof generation is slow.
const DefaultTimeout = 120 * time.Second

type initRequest struct {
	InitialNotes []pcd.NoteIdentifier `json:"initial_notes"`
}

type stateEnvelope struct {
	PcdState *pcd.PcdState `json:"pcd_state"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HTTPClient talks to a proof backend over JSON/HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	header     http.Header
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		header:     make(http.Header),
	}
}

// SetHeader adds a header sent with every request.
func (c *HTTPClient) SetHeader(key, value string) {
	c.header.Set(key, value)
}

func (c *HTTPClient) Init(ctx context.Context, notes []pcd.NoteIdentifier) (*pcd.PcdState, error) {
	if notes == nil {
		notes = []pcd.NoteIdentifier{}
	}
	var resp stateEnvelope
	if err := c.post(ctx, initPath, &initRequest{InitialNotes: notes}, &resp); err != nil {
		return nil, err
	}
	if resp.PcdState == nil {
		return nil, fmt.Errorf("%s: response has no pcd_state", initPath)
	}
	return resp.PcdState, nil
}

func (c *HTTPClient) Update(ctx context.Context, req *pcd.UpdateRequest) (*pcd.UpdateResult, error) {
	var resp pcd.UpdateResult
	if err := c.post(ctx, updatePath, req, &resp); err != nil {
		return nil, err
	}
	if resp.State == nil {
		return nil, fmt.Errorf("%s: response has no pcd_state", updatePath)
	}
	return &resp, nil
}

func (c *HTTPClient) Verify(ctx context.Context, state *pcd.PcdState) (*pcd.VerifyResult, error) {
	var resp pcd.VerifyResult
	if err := c.post(ctx, verifyPath, &stateEnvelope{PcdState: state}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send POST to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, readErrorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	log.WithField("path", path).Debug("Proof service call succeeded")
	return nil
}

func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 64<<10))
	if err != nil {
		return err.Error()
	}
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil {
		if eb.Error != "" {
			return eb.Error
		}
		if eb.Message != "" {
			return eb.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "empty response body"
}
