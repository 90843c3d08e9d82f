package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"opsgate/pkg/confirm"
	"opsgate/pkg/respond"
	"opsgate/pkg/stream"
)

// getConfirmation lets the approval UI inspect a staged mutation before the
// human decides. Expired ids read exactly like ids that never existed.
func (s *Server) getConfirmation(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "confirmation_id"))
	pending, err := s.Confirmations.Get(r.Context(), id)
	if errors.Is(err, confirm.ErrNotFound) {
		s.writeError(w, respond.Err("CONFIRMATION_NOT_FOUND",
			"confirmation not found or expired",
			"Propose the action again to get a fresh confirmation."))
		return
	}
	if err != nil {
		log.Printf("get confirmation %s: %v", id, err)
		s.writeError(w, respond.Err(respond.CodeInternalError,
			"the confirmation could not be loaded",
			"Retry shortly."))
		return
	}
	respond.Write(w, respond.OK(pending))
}

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	entityType := strings.TrimSpace(chi.URLParam(r, "entity_type"))
	entityID := strings.TrimSpace(chi.URLParam(r, "entity_id"))
	records, err := s.Audit.ListByEntity(r.Context(), entityType, entityID)
	if err != nil {
		log.Printf("list audit %s/%s: %v", entityType, entityID, err)
		s.writeError(w, respond.Err(respond.CodeInternalError,
			"the audit trail could not be loaded",
			"Retry shortly."))
		return
	}
	respond.Write(w, respond.OK(map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"events":     records,
	}))
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
