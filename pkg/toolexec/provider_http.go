package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HTTPProvider calls a remote tool-provider service over HTTP. The wire
// contract is a single POST carrying the tool name and arguments, answered
// with {success, result, error}.
type HTTPProvider struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

type executeRequest struct {
	Tool      string                 `json:"tool"`
	Arguments map[string]interface{} `json:"arguments"`
}

type executeResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewHTTPProvider creates a provider for the service at baseURL.
func NewHTTPProvider(baseURL string, logger zerolog.Logger) *HTTPProvider {
	return &HTTPProvider{
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
	}
}

// Execute implements Provider. Timeouts and transport errors come back as
// failed results with the elapsed time filled in.
func (p *HTTPProvider) Execute(ctx context.Context, name string, args map[string]interface{}, timeout time.Duration) ExecutionResult {
	start := time.Now()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{Tool: name, Arguments: args})
	if err != nil {
		return failed(start, fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return failed(start, fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return failed(start, fmt.Sprintf("tool %s timed out after %s", name, timeout))
		}
		return failed(start, fmt.Sprintf("tool provider unreachable: %v", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return failed(start, fmt.Sprintf("tool provider returned status %d", resp.StatusCode))
	}

	var out executeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return failed(start, fmt.Sprintf("failed to decode response: %v", err))
	}

	result := ExecutionResult{
		Success:   out.Success,
		Error:     out.Error,
		ElapsedMs: time.Since(start).Milliseconds(),
	}
	if len(out.Result) > 0 {
		var decoded interface{}
		if err := json.Unmarshal(out.Result, &decoded); err == nil {
			result.Result = decoded
		} else {
			result.Result = string(out.Result)
		}
	}
	if !out.Success && out.Error == "" {
		result.Error = "tool provider reported failure"
	}

	return result
}
