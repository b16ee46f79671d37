package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowmatic-io/flowmatic/pkg/httpclient"
)

// JSON-RPC 2.0 client for external tool endpoints, speaking the
// tools/call convention.

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error member.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CallParams are the parameters of a tools/call request.
type CallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// RPCClient posts tools/call requests to external endpoints.
type RPCClient struct {
	httpClient *httpclient.Client
}

func NewRPCClient() *RPCClient {
	return &RPCClient{
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: 30 * time.Second,
			}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}
}

// Call invokes a named tool at the endpoint and returns the result member.
// A JSON-RPC error member becomes an ExecutionError.
func (c *RPCClient) Call(ctx context.Context, endpoint, name string, arguments map[string]interface{}) (interface{}, error) {
	request := Request{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tools/call",
		Params: CallParams{
			Name:      name,
			Arguments: arguments,
		},
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error %d: %s", httpResp.StatusCode, httpResp.Status)
	}

	responseBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	rpcResp, err := parseResponse(responseBody)
	if err != nil {
		return nil, err
	}

	if rpcResp.Error != nil {
		return nil, &ExecutionError{Name: name, Err: fmt.Errorf("JSON-RPC error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)}
	}

	return rpcResp.Result, nil
}

// parseResponse decodes a plain JSON body, falling back to SSE-framed
// payloads (data: lines) as some servers stream single responses.
func parseResponse(body []byte) (*Response, error) {
	var rpcResp Response
	if err := json.Unmarshal(body, &rpcResp); err == nil {
		return &rpcResp, nil
	}

	for _, line := range strings.Split(string(body), "\n") {
		if strings.HasPrefix(line, "data: ") {
			jsonData := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(jsonData), &rpcResp); err == nil {
				return &rpcResp, nil
			}
		}
	}

	return nil, fmt.Errorf("failed to parse response as JSON or SSE")
}
