package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nicktill/telemetryd/pkg/activity"
)

// CommandSender sends one command to the command service.
type CommandSender interface {
	SendCommand(ctx context.Context, command string) error
}

// ScriptRunner starts a script on the script runner and returns its reply.
type ScriptRunner interface {
	RunScript(ctx context.Context, name string, a activity.Activity) (string, error)
}

// maxReplyBytes caps how much of a response body is read.
const maxReplyBytes = 64 << 10

// NewHTTPClient returns the client both executors use. timeout bounds one
// whole request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// HTTPCommandSender posts JSON-RPC 2.0 requests to the command API.
type HTTPCommandSender struct {
	endpoint string
	scope    string
	client   *http.Client
	nextID   atomic.Int64
}

func NewHTTPCommandSender(endpoint, scope string, client *http.Client) *HTTPCommandSender {
	return &HTTPCommandSender{endpoint: endpoint, scope: scope, client: client}
}

type rpcRequest struct {
	JSONRPC       string            `json:"jsonrpc"`
	Method        string            `json:"method"`
	Params        []string          `json:"params"`
	KeywordParams map[string]string `json:"keyword_params"`
	ID            int64             `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *HTTPCommandSender) SendCommand(ctx context.Context, command string) error {
	if s.endpoint == "" {
		return errors.New("no command endpoint configured")
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC:       "2.0",
		Method:        "cmd_no_hazardous_check",
		Params:        []string{command},
		KeywordParams: map[string]string{"scope": s.scope},
		ID:            s.nextID.Add(1),
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal command request")
	}

	reply, err := post(ctx, s.client, s.endpoint, body)
	if err != nil {
		return errors.Wrapf(err, "command %q", command)
	}

	var resp rpcResponse
	if err := json.Unmarshal(reply, &resp); err != nil {
		return errors.Wrap(err, "failed to decode command response")
	}
	if resp.Error != nil {
		return errors.Newf("command %q rejected: %s (code %d)", command, resp.Error.Message, resp.Error.Code)
	}
	return nil
}

// HTTPScriptRunner starts scripts through the script runner API.
type HTTPScriptRunner struct {
	baseURL string
	scope   string
	client  *http.Client
}

func NewHTTPScriptRunner(baseURL, scope string, client *http.Client) *HTTPScriptRunner {
	return &HTTPScriptRunner{baseURL: strings.TrimRight(baseURL, "/"), scope: scope, client: client}
}

func (r *HTTPScriptRunner) RunScript(ctx context.Context, name string, a activity.Activity) (string, error) {
	if r.baseURL == "" {
		return "", errors.New("no script runner configured")
	}
	body, err := json.Marshal(map[string]any{
		"scope":    r.scope,
		"timeline": a.Timeline,
		"id":       a.Start,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal script request")
	}

	endpoint := r.baseURL + "/scripts/" + url.PathEscape(name) + "/run?scope=" + url.QueryEscape(r.scope)
	reply, err := post(ctx, r.client, endpoint, body)
	if err != nil {
		return "", errors.Wrapf(err, "script %s", name)
	}
	return string(reply), nil
}

// post sends body as JSON and returns the reply body. Any status outside
// 2xx is an error.
func post(ctx context.Context, client *http.Client, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	reply, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("request failed with status %d", resp.StatusCode)
	}
	return reply, nil
}
