// Copyright 2026 Flowmatic Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llms implements the LLM gateway: a stateless single-request call
// to a chat provider returning typed content blocks, a stop reason and
// token usage.
package llms

import (
	"context"
	"strings"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Stop reasons.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopOther     StopReason = "other"
)

// ContentBlock is one element of a message: assistant text, a tool-use
// request, or a tool result fed back to the model.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role   string         `json:"role"`
	Blocks []ContentBlock `json:"content"`
}

// UserText builds a plain user message.
func UserText(text string) Message {
	return Message{Role: RoleUser, Blocks: []ContentBlock{{Type: BlockText, Text: text}}}
}

// ToolResults builds the user message carrying one turn's ordered tool
// results.
func ToolResults(blocks []ContentBlock) Message {
	return Message{Role: RoleUser, Blocks: blocks}
}

// ToolDefinition describes one entry of the per-turn tool catalog.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Usage is the provider-reported token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Request is one gateway call.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolDefinition

	// Optional per-call overrides; zero values fall back to provider config.
	Model       string
	Temperature float64
	MaxTokens   int
}

// Response is the typed result of one gateway call.
type Response struct {
	Blocks     []ContentBlock
	StopReason StopReason
	Usage      Usage
}

// Text concatenates the response's text blocks.
func (r *Response) Text() string {
	var b strings.Builder
	for _, block := range r.Blocks {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks in emission order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, block := range r.Blocks {
		if block.Type == BlockToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

// Provider issues single requests to one configured model endpoint.
// Implementations are stateless and safe for concurrent use; retries beyond
// transport-level ones are the caller's responsibility.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)
	ModelName() string
	Close() error
}
