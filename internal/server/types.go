package server

import (
	"github.com/normanking/orquesta/internal/metrics"
	"github.com/normanking/orquesta/internal/store"
	"github.com/normanking/orquesta/internal/workflow"
)

// CreateConversationRequest creates a conversation. An empty title takes the
// default.
type CreateConversationRequest struct {
	Title string `json:"title"`
}

// RenameConversationRequest updates a conversation title.
type RenameConversationRequest struct {
	Title string `json:"title"`
}

// ConversationDetail is a conversation with its full message history.
type ConversationDetail struct {
	store.Conversation
	Messages []store.Message `json:"messages"`
}

// RegisterAttachmentRequest registers an uploaded file so later messages can
// reference it by id.
type RegisterAttachmentRequest struct {
	ConversationID int64  `json:"conversation_id,omitempty"`
	FileName       string `json:"file_name"`
	FilePath       string `json:"file_path"`
	MimeType       string `json:"mime_type,omitempty"`
	ExtractedText  string `json:"extracted_text,omitempty"`
}

// AddMessageRequest submits a user message for orchestration.
type AddMessageRequest struct {
	Role          string  `json:"role"`
	Content       string  `json:"content"`
	AttachmentIDs []int64 `json:"attachment_ids,omitempty"`

	// SessionID routes live events for this turn; optional.
	SessionID string `json:"session_id,omitempty"`
}

// OrchestrationSummary describes how the turn was routed.
type OrchestrationSummary struct {
	Model         string           `json:"model"`
	Shape         string           `json:"shape"`
	Reason        string           `json:"reason"`
	VerifierModel string           `json:"verifier_model,omitempty"`
	ResultsCount  int              `json:"results_count"`
	Metrics       workflow.Metrics `json:"metrics"`
}

// AddMessageResponse returns both persisted messages plus the routing
// summary.
type AddMessageResponse struct {
	OK               bool                 `json:"ok"`
	UserMessage      *store.Message       `json:"user_message"`
	AssistantMessage *store.Message       `json:"assistant_message"`
	Orchestration    OrchestrationSummary `json:"orchestration"`
}

// MetricsResponse is the metrics endpoint payload.
type MetricsResponse struct {
	Timestamp string                `json:"timestamp"`
	Session   *metrics.SessionStats `json:"session,omitempty"`
}
