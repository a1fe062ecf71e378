package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/storyweaver/internal/chat"
	"github.com/antoniostano/storyweaver/internal/policy"
	"github.com/antoniostano/storyweaver/internal/protocol"
)

// handleChatWS runs the chat pipeline over a websocket. Prompts on one
// connection are answered strictly in order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID, err := policy.NormalizeSessionID(r.URL.Query().Get("session_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_session_id", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := s.logger.With("conn_id", connID, "session_id", sessionID)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)
	runDone := make(chan struct{})

	go func() {
		defer close(runDone)
		defer close(outbound)
		s.runConnection(ctx, sessionID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-outbound:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn("websocket write failed", "err", err)
					cancel()
					return
				}
				if t, ok := messageTypeOf(msg); ok {
					s.metrics.ObserveWSMessage("outbound", string(t))
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Minute))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
				// Keep websocket writes single-threaded; drop if the queue is saturated.
				log.Warn("dropping error event, outbound queue full")
			}
			continue
		}

		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- parsed:
		}
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	log.Info("websocket disconnected")
}

// runConnection answers inbound frames one at a time until inbound closes.
func (s *Server) runConnection(ctx context.Context, sessionID string, inbound <-chan any, outbound chan<- any) {
	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	for msg := range inbound {
		if ctx.Err() != nil {
			continue
		}
		switch m := msg.(type) {
		case protocol.ClientPrompt:
			sid := sessionID
			if m.SessionID != "" {
				sid = m.SessionID
			}
			reply, err := s.chat.Chat(ctx, chat.Request{
				Prompt:    m.Prompt,
				Model:     m.Model,
				SessionID: sid,
				MaxTokens: m.MaxTokens,
			})
			if err != nil {
				e := classifyError(err)
				s.metrics.ObserveChat("ws", e.Code)
				if e.Status >= http.StatusInternalServerError {
					s.logger.Error("websocket chat failed", "session_id", sid, "err", err)
				}
				send(protocol.ErrorEvent{
					Type:         protocol.TypeErrorEvent,
					SessionID:    sid,
					Code:         e.Code,
					Source:       "chat",
					Retryable:    e.Retryable,
					Detail:       e.Message,
					RetryAfterMs: int64(e.RetryAfter * 1000),
				})
				continue
			}
			s.metrics.ObserveChat("ws", "ok")
			send(protocol.AssistantReply{
				Type:      protocol.TypeAssistantReply,
				SessionID: reply.SessionID,
				RequestID: reply.RequestID,
				Text:      reply.Text,
				Model:     reply.Model,
				Context: protocol.ContextInfo{
					Strategy:           string(reply.Context.Strategy),
					Coverage:           reply.Context.Coverage,
					SummaryMode:        string(reply.Context.SummaryMode),
					SummaryDegraded:    reply.Context.SummaryDegraded,
					CompressedTurns:    reply.Context.CompressedTurns,
					EstimatedTokens:    reply.Context.EstimatedTokens,
					EmergencyTruncated: reply.Context.EmergencyTruncated,
				},
			})
		case protocol.ClientControl:
			send(s.controlEvent(ctx, sessionID, m))
		}
	}
}

func (s *Server) controlEvent(ctx context.Context, sessionID string, m protocol.ClientControl) any {
	sid := sessionID
	if m.SessionID != "" {
		sid = m.SessionID
	}
	var (
		data any
		err  error
	)
	switch m.Action {
	case protocol.ActionPing:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sid, Code: "pong"}
	case protocol.ActionSummary:
		data, err = s.chat.Summary(ctx, sid)
	case protocol.ActionStats:
		data, err = s.chat.Stats(ctx, sid)
	}
	if err != nil {
		e := classifyError(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sid,
			Code:      e.Code,
			Source:    "control",
			Retryable: e.Retryable,
			Detail:    e.Message,
		}
	}
	return protocol.SystemEvent{Type: protocol.TypeSystemEvent, SessionID: sid, Code: m.Action, Data: data}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientPrompt:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
