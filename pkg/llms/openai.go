package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/flowmatic-io/flowmatic/pkg/config"
	"github.com/flowmatic-io/flowmatic/pkg/httpclient"
)

// OpenAIProvider implements Provider for the OpenAI chat completions API.
// Tool calls are mapped onto the gateway's tool_use/tool_result blocks.
type OpenAIProvider struct {
	config *config.LLMProviderConfig
	client *httpclient.Client
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIToolDef struct {
	Type     string `json:"type"`
	Function struct {
		Name        string                 `json:"name"`
		Description string                 `json:"description"`
		Parameters  map[string]interface{} `json:"parameters"`
	} `json:"function"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []openAIToolDef `json:"tools,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewOpenAIProviderFromConfig creates an OpenAI provider from config.
func NewOpenAIProviderFromConfig(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for OpenAI")
	}
	if cfg.Host == "" {
		cfg.Host = "https://api.openai.com"
	}

	return &OpenAIProvider{
		config: cfg,
		client: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.Timeout) * time.Second,
			}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithBaseDelay(time.Duration(cfg.RetryDelay)*time.Second),
		),
	}, nil
}

func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

// Generate issues one chat completion call and returns the typed response.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	request := p.buildRequest(req)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.Host+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
			resp.Body.Close()
		}
		retryable := true
		if status != 0 {
			retryable = isRetryableStatus(status)
		}
		return nil, &ProviderError{Provider: "openai", Status: status, Message: err.Error(), Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "failed to read response", Retryable: true, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{
			Provider:  "openai",
			Status:    resp.StatusCode,
			Message:   string(respBody),
			Retryable: isRetryableStatus(resp.StatusCode),
		}
	}

	var apiResp openAIResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, &ProviderError{Provider: "openai", Message: "failed to decode response", Err: err}
	}
	if apiResp.Error != nil {
		return nil, &ProviderError{Provider: "openai", Message: apiResp.Error.Message}
	}
	if len(apiResp.Choices) == 0 {
		return nil, &ProviderError{Provider: "openai", Message: "response has no choices"}
	}

	return p.convertResponse(&apiResp)
}

// buildRequest flattens gateway messages into the chat completions shape:
// tool_result blocks become role=tool messages, tool_use blocks become
// assistant tool_calls.
func (p *OpenAIProvider) buildRequest(req Request) openAIRequest {
	var messages []openAIMessage

	if req.System != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.System})
	}

	for _, msg := range req.Messages {
		var text string
		var toolCalls []openAIToolCall
		var toolResults []openAIMessage

		for _, block := range msg.Blocks {
			switch block.Type {
			case BlockText:
				text += block.Text
			case BlockToolUse:
				args, _ := json.Marshal(block.Input)
				toolCalls = append(toolCalls, openAIToolCall{
					ID:   block.ID,
					Type: "function",
					Function: openAIFunction{
						Name:      block.Name,
						Arguments: string(args),
					},
				})
			case BlockToolResult:
				content := block.Content
				if block.IsError {
					content = "ERROR: " + content
				}
				toolResults = append(toolResults, openAIMessage{
					Role:       "tool",
					Content:    content,
					ToolCallID: block.ToolUseID,
				})
			}
		}

		if len(toolResults) > 0 {
			messages = append(messages, toolResults...)
			continue
		}
		messages = append(messages, openAIMessage{
			Role:      msg.Role,
			Content:   text,
			ToolCalls: toolCalls,
		})
	}

	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.config.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.config.MaxTokens
	}
	model := req.Model
	if model == "" {
		model = p.config.Model
	}

	request := openAIRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}

	for _, tool := range req.Tools {
		var def openAIToolDef
		def.Type = "function"
		def.Function.Name = tool.Name
		def.Function.Description = tool.Description
		def.Function.Parameters = tool.InputSchema
		request.Tools = append(request.Tools, def)
	}

	return request
}

func (p *OpenAIProvider) convertResponse(apiResp *openAIResponse) (*Response, error) {
	choice := apiResp.Choices[0]

	var blocks []ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, ContentBlock{Type: BlockText, Text: choice.Message.Content})
	}
	for i, call := range choice.Message.ToolCalls {
		var input map[string]interface{}
		if call.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &input); err != nil {
				return nil, &ProviderError{
					Provider: "openai",
					Message:  "malformed tool call arguments: " + call.Function.Arguments,
					Err:      err,
				}
			}
		}
		id := call.ID
		if id == "" {
			id = "call_" + strconv.Itoa(i)
		}
		blocks = append(blocks, ContentBlock{
			Type:  BlockToolUse,
			ID:    id,
			Name:  call.Function.Name,
			Input: input,
		})
	}

	var stop StopReason
	switch choice.FinishReason {
	case "stop":
		stop = StopEndTurn
	case "tool_calls":
		stop = StopToolUse
	case "length":
		stop = StopMaxTokens
	default:
		stop = StopOther
	}

	return &Response{
		Blocks:     blocks,
		StopReason: stop,
		Usage: Usage{
			InputTokens:  apiResp.Usage.PromptTokens,
			OutputTokens: apiResp.Usage.CompletionTokens,
		},
	}, nil
}
