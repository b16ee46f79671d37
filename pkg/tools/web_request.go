package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/flowmatic-io/flowmatic/pkg/httpclient"
)

// WebRequestInput is the typed input of the built-in web_request handler.
// Its JSON Schema is generated from this struct.
type WebRequestInput struct {
	URL    string `json:"url" jsonschema:"title=URL,description=The URL to request"`
	Method string `json:"method,omitempty" jsonschema:"description=HTTP method (default GET)"`
	Body   string `json:"body,omitempty" jsonschema:"description=Request body for POST/PUT"`
}

// WebRequestConfig bounds the built-in HTTP handler.
type WebRequestConfig struct {
	Timeout         time.Duration
	MaxRetries      int
	MaxResponseSize int64
	AllowedMethods  []string
	UserAgent       string
}

func (c *WebRequestConfig) setDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = 1 << 20 // 1 MiB
	}
	if len(c.AllowedMethods) == 0 {
		c.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD"}
	}
	if c.UserAgent == "" {
		c.UserAgent = "flowmatic-webtool/1.0"
	}
}

// WebRequestHandler is the built-in in-process HTTP tool.
type WebRequestHandler struct {
	config     *WebRequestConfig
	httpClient *httpclient.Client
}

func NewWebRequestHandler(cfg *WebRequestConfig) *WebRequestHandler {
	if cfg == nil {
		cfg = &WebRequestConfig{}
	}
	cfg.setDefaults()

	return &WebRequestHandler{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}
}

// Validate rejects calls without a parseable URL before dispatch.
func (h *WebRequestHandler) Validate(input map[string]interface{}) bool {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return false
	}
	parsed, err := url.Parse(urlStr)
	return err == nil && parsed.Host != ""
}

func (h *WebRequestHandler) Execute(ctx context.Context, input map[string]interface{}) (interface{}, error) {
	urlStr, _ := input["url"].(string)

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if !h.methodAllowed(method) {
		return nil, fmt.Errorf("method %s not allowed", method)
	}

	var body io.Reader
	if b, ok := input["body"].(string); ok && b != "" {
		body = strings.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	req.Header.Set("User-Agent", h.config.UserAgent)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(resp.Body, h.config.MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return map[string]interface{}{
		"status": resp.StatusCode,
		"body":   string(responseBody),
	}, nil
}

func (h *WebRequestHandler) methodAllowed(method string) bool {
	for _, m := range h.config.AllowedMethods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// InputSchemaFor generates the stored JSON Schema for a handler input
// struct.
func InputSchemaFor(v interface{}) map[string]interface{} {
	reflector := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	delete(m, "$schema")
	return m
}

// WebRequestInputSchema is the generated schema for the built-in handler,
// suitable for seeding the tool row.
func WebRequestInputSchema() map[string]interface{} {
	return InputSchemaFor(&WebRequestInput{})
}
