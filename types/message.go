// Package types provides the core data model shared across the Atlas
// Provider Layer. It has zero dependencies on other atlas packages so that
// validate, retry, circuitbreaker, streaming, and the provider adapters can
// all depend on it without a cycle.
package types

import "encoding/json"

// Role identifies who produced a message. It is a finite set; Valid
// reports membership rather than accepting arbitrary strings.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the recognized roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction, RoleTool:
		return true
	}
	return false
}

// RequiresName reports whether a message with this role must carry a Name
// identifying the function or tool that produced it.
func (r Role) RequiresName() bool {
	return r == RoleFunction || r == RoleTool
}

// ImageDetail controls how much effort a vision-capable backend spends
// analyzing an image_url content part.
type ImageDetail string

const (
	ImageDetailAuto ImageDetail = "auto"
	ImageDetailHigh ImageDetail = "high"
	ImageDetailLow  ImageDetail = "low"
)

// Valid reports whether d is empty (unspecified) or one of the recognized levels.
func (d ImageDetail) Valid() bool {
	switch d {
	case "", ImageDetailAuto, ImageDetailHigh, ImageDetailLow:
		return true
	}
	return false
}

// ContentType tags a Content variant.
type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeImageURL ContentType = "image_url"
)

// ImageURL is the payload of an image_url content part.
type ImageURL struct {
	URL    string      `json:"url"`
	Detail ImageDetail `json:"detail,omitempty"`
}

// Content is a single tagged content part. Exactly one of Text or ImageURL
// is populated, selected by Type. New tags extend the set; switch
// statements over Type must keep a default case.
type Content struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *ImageURL   `json:"image_url,omitempty"`
}

// NewTextContent builds a text content part.
func NewTextContent(text string) Content {
	return Content{Type: ContentTypeText, Text: text}
}

// NewImageContent builds an image_url content part.
func NewImageContent(url string, detail ImageDetail) Content {
	return Content{Type: ContentTypeImageURL, ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// ToolCall is a function/tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Message is the ModelMessage entity: a single turn in a conversation.
// Content carries a flat string; Parts carries a tagged sequence. The two
// are mutually exclusive — a message has one or the other, never both.
// Name is required when Role.RequiresName is true.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Parts      []Content  `json:"parts,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// newMessageUnchecked builds a Message without running it through the
// schema validator. Used by newAndValidate once its checks have passed,
// and by NewModelRequest to build the system message from SystemPrompt.
func newMessageUnchecked(role Role, content string, parts []Content, name string) Message {
	return Message{Role: role, Content: content, Parts: parts, Name: name}
}

// NewSystemMessage creates a validated system message.
func NewSystemMessage(content string) (Message, error) {
	return newAndValidate(RoleSystem, content, nil, "")
}

// NewUserMessage creates a validated user message.
func NewUserMessage(content string) (Message, error) {
	return newAndValidate(RoleUser, content, nil, "")
}

// NewUserMessageParts creates a validated user message from tagged content parts.
func NewUserMessageParts(parts []Content) (Message, error) {
	return newAndValidate(RoleUser, "", parts, "")
}

// NewAssistantMessage creates a validated assistant message.
func NewAssistantMessage(content string) (Message, error) {
	return newAndValidate(RoleAssistant, content, nil, "")
}

// NewFunctionMessage creates a validated function-result message. name
// identifies the function that produced content.
func NewFunctionMessage(name, content string) (Message, error) {
	return newAndValidate(RoleFunction, content, nil, name)
}

// NewToolMessage creates a validated tool-result message. name identifies
// the tool that produced content; toolCallID links it back to the
// originating ToolCall.
func NewToolMessage(toolCallID, name, content string) (Message, error) {
	msg, err := newAndValidate(RoleTool, content, nil, name)
	if err != nil {
		return Message{}, err
	}
	msg.ToolCallID = toolCallID
	return msg, nil
}

// WithToolCalls returns a copy of m carrying the given tool calls.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	m.ToolCalls = calls
	return m
}

// HasParts reports whether the message carries tagged content parts rather
// than a flat string.
func (m Message) HasParts() bool {
	return len(m.Parts) > 0
}

// ToDict produces the canonical wire projection: single-text content
// flattens to a bare string; multi-part content serializes as an array of
// tagged objects.
func (m Message) ToDict() map[string]any {
	out := map[string]any{"role": string(m.Role)}
	if m.HasParts() {
		out["content"] = m.Parts
	} else {
		out["content"] = m.Content
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if len(m.ToolCalls) > 0 {
		out["tool_calls"] = m.ToolCalls
	}
	if m.ToolCallID != "" {
		out["tool_call_id"] = m.ToolCallID
	}
	return out
}
