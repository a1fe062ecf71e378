package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientPrompt   MessageType = "client_prompt"
	TypeClientControl  MessageType = "client_control"
	TypeAssistantReply MessageType = "assistant_reply"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

// Control actions a client may send.
const (
	ActionPing    = "ping"
	ActionSummary = "summary"
	ActionStats   = "stats"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientPrompt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Prompt    string      `json:"prompt"`
	Model     string      `json:"model,omitempty"`
	MaxTokens int         `json:"max_tokens,omitempty"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id,omitempty"`
	Action    string      `json:"action"`
}

// ContextInfo mirrors how the server assembled the context for a reply.
type ContextInfo struct {
	Strategy           string `json:"strategy"`
	Coverage           int    `json:"coverage"`
	SummaryMode        string `json:"summary_mode,omitempty"`
	SummaryDegraded    bool   `json:"summary_degraded,omitempty"`
	CompressedTurns    int    `json:"compressed_turns"`
	EstimatedTokens    int    `json:"estimated_tokens"`
	EmergencyTruncated bool   `json:"emergency_truncated"`
}

type AssistantReply struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	RequestID string      `json:"request_id"`
	Text      string      `json:"text"`
	Model     string      `json:"model"`
	Context   ContextInfo `json:"context"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
	Data      any         `json:"data,omitempty"`
}

type ErrorEvent struct {
	Type         MessageType `json:"type"`
	SessionID    string      `json:"session_id"`
	Code         string      `json:"code"`
	Source       string      `json:"source"`
	Retryable    bool        `json:"retryable"`
	Detail       string      `json:"detail"`
	RetryAfterMs int64       `json:"retry_after_ms,omitempty"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientPrompt:
		var msg ClientPrompt
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if strings.TrimSpace(msg.Prompt) == "" || msg.MaxTokens < 0 {
			return nil, errors.New("invalid client_prompt")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		switch msg.Action {
		case ActionPing, ActionSummary, ActionStats:
		default:
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
