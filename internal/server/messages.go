package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/normanking/orquesta/internal/chat"
	"github.com/normanking/orquesta/internal/planner"
	"github.com/normanking/orquesta/internal/store"
	"github.com/normanking/orquesta/internal/workflow"
)

const modelResponsePreviewChars = 2000

func (s *Server) handleAddMessage(w http.ResponseWriter, r *http.Request) {
	convID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req AddMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	ctx := r.Context()

	if _, err := s.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	// Every referenced attachment must already be registered; the upload
	// pipeline may still be extracting text, so the client retries on 409.
	attachments, missing, err := s.resolveAttachments(ctx, req.AttachmentIDs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if missing != 0 {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":         "attachment not ready yet, retry",
			"attachment_id": missing,
		})
		return
	}

	role := string(chat.NormalizeRole(req.Role))

	turn, err := s.buildTurn(ctx, convID, role, req.Content, attachments, req.SessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	userMsg, err := s.store.AddMessage(ctx, &store.Message{
		ConversationID: convID,
		Role:           role,
		Content:        req.Content,
		AttachmentIDs:  req.AttachmentIDs,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	res, plan, err := s.orch.RunTurn(ctx, turn)
	if err != nil {
		s.log.Error().Err(err).Int64("conversation", convID).Msg("turn failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":        err.Error(),
			"user_message": userMsg,
		})
		return
	}

	assistantMsg, err := s.persistAssistantMessage(ctx, convID, plan, res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	summary := OrchestrationSummary{
		Model:        plan.Model.ID,
		Shape:        string(plan.Workflow.Shape()),
		Reason:       plan.Reason,
		ResultsCount: len(res.Steps),
		Metrics:      res.Metrics,
	}
	if verifier, ok := plan.VerifierModel(); ok {
		summary.VerifierModel = verifier
	}

	writeJSON(w, http.StatusOK, AddMessageResponse{
		OK:               true,
		UserMessage:      userMsg,
		AssistantMessage: assistantMsg,
		Orchestration:    summary,
	})
}

// resolveAttachments loads the referenced attachments in order. The second
// return value is the first missing id, zero when all were found.
func (s *Server) resolveAttachments(ctx context.Context, ids []int64) ([]store.Attachment, int64, error) {
	out := make([]store.Attachment, 0, len(ids))
	for _, id := range ids {
		a, err := s.store.GetAttachment(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, id, nil
		}
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *a)
	}
	return out, 0, nil
}

// buildTurn assembles the orchestrator input: inlined text attachments as
// system messages, the trailing history window, and finally the new message
// carrying any image payloads.
func (s *Server) buildTurn(ctx context.Context, convID int64, role, content string, attachments []store.Attachment, sessionID string) (chat.Turn, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	turn := chat.Turn{SessionID: sessionID}

	if len(attachments) > s.chatCfg.MaxFilesPerTurn {
		attachments = attachments[:s.chatCfg.MaxFilesPerTurn]
	}

	var images []chat.ImagePayload
	for _, a := range attachments {
		if strings.HasPrefix(a.MimeType, "image/") {
			data, err := os.ReadFile(a.FilePath)
			if err != nil {
				s.log.Error().Err(err).Str("file", a.FileName).Msg("failed to read image attachment")
				continue
			}
			images = append(images, chat.ImagePayload{Data: data, MimeType: a.MimeType})
			continue
		}

		turn.Messages = append(turn.Messages, chat.Message{
			Role:    chat.RoleSystem,
			Content: fmt.Sprintf("Archivo adjunto: %s\n\n%s", a.FileName, s.attachmentSnippet(a)),
		})
	}

	history, err := s.store.RecentMessages(ctx, convID, s.chatCfg.HistoryWindow)
	if err != nil {
		return chat.Turn{}, fmt.Errorf("load history: %w", err)
	}
	for _, m := range history {
		turn.Messages = append(turn.Messages, chat.Message{
			Role:    chat.NormalizeRole(m.Role),
			Content: m.Content,
		})
	}

	turn.Messages = append(turn.Messages, chat.Message{
		Role:    chat.NormalizeRole(role),
		Content: content,
		Images:  images,
	})
	return turn, nil
}

// attachmentSnippet returns the inlinable text of an attachment, capped at
// the configured per-file limit.
func (s *Server) attachmentSnippet(a store.Attachment) string {
	text := a.ExtractedText
	if text == "" && a.FilePath != "" {
		data, err := os.ReadFile(a.FilePath)
		if err != nil {
			return fmt.Sprintf("[No se pudo leer: %s]", a.FileName)
		}
		text = string(data)
	}
	if text == "" {
		return fmt.Sprintf("[Adjunto sin contenido: %s]", a.FileName)
	}
	if len(text) > s.chatCfg.MaxCharsPerFile {
		return text[:s.chatCfg.MaxCharsPerFile] + "\n...[TRUNCADO POR LARGO]..."
	}
	return text
}

// persistAssistantMessage writes the assistant reply with the routing
// decision and metrics as metadata, and every step's response as
// model_responses. This is what lets a conversation replay show which models
// produced which parts.
func (s *Server) persistAssistantMessage(ctx context.Context, convID int64, plan *planner.Plan, res *workflow.ExecutionResult) (*store.Message, error) {
	metadata, err := json.Marshal(map[string]any{
		"chosen_model":  finalModelUsed(plan, res),
		"planned_model": plan.Model.ID,
		"reason":        plan.Reason,
		"shape":         string(plan.Workflow.Shape()),
		"requirements":  plan.Vector,
		"metrics":       res.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	previews := make([]map[string]any, 0, len(res.Steps))
	for _, st := range res.Steps {
		preview := st.Response
		if len(preview) > modelResponsePreviewChars {
			preview = preview[:modelResponsePreviewChars]
		}
		previews = append(previews, map[string]any{
			"step":            st.Step,
			"model":           st.Model,
			"attempts":        st.Attempts,
			"duration_ms":     st.Duration.Milliseconds(),
			"content_preview": preview,
		})
	}
	responses, err := json.Marshal(previews)
	if err != nil {
		return nil, fmt.Errorf("marshal model responses: %w", err)
	}

	return s.store.AddMessage(ctx, &store.Message{
		ConversationID: convID,
		Role:           string(chat.RoleAssistant),
		Content:        res.FinalOutput,
		Metadata:       metadata,
		ModelResponses: responses,
	})
}

// finalModelUsed reports the model that actually produced the primary step;
// the executor may have substituted it mid-turn.
func finalModelUsed(plan *planner.Plan, res *workflow.ExecutionResult) string {
	if len(res.Steps) > 0 {
		return res.Steps[0].Model
	}
	return plan.Model.ID
}
