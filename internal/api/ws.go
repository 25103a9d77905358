package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"coscene/internal/editor"
	"coscene/internal/events"
	"coscene/internal/models"
	"coscene/internal/store"
	"coscene/internal/worker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HTTP layer has no origin policy of its own; deployments put
	// one in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsInbound struct {
	Type        string `json:"type"`
	Instruction string `json:"instruction"`
}

type wsOutbound struct {
	Type    string       `json:"type"`
	Payload events.Event `json:"payload,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// sessionSocket keeps one session's live channel: edit requests in,
// progress events out. One edit runs at a time per connection; a second
// edit_request while one is active is refused.
func (h *Handler) sessionSocket(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	if _, err := h.store.GetSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("api: websocket upgrade for session %d: %v", sessionID, err)
		return
	}
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Writes fan in from the event forwarder and the read loop. The
	// channel is never closed; connCtx ends both sides.
	writes := make(chan wsOutbound, 32)
	go func() {
		for {
			select {
			case out := <-writes:
				if err := conn.WriteJSON(out); err != nil {
					connCancel()
					return
				}
			case <-connCtx.Done():
				return
			}
		}
	}()
	send := func(out wsOutbound) {
		select {
		case writes <- out:
		case <-connCtx.Done():
		}
	}

	editing := make(chan struct{}, 1)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in wsInbound
		if err := json.Unmarshal(raw, &in); err != nil {
			send(wsOutbound{Type: "error", Error: "invalid message"})
			continue
		}
		switch in.Type {
		case "ping":
			send(wsOutbound{Type: "pong"})
		case "edit_request":
			if in.Instruction == "" {
				send(wsOutbound{Type: "error", Error: "instruction is required"})
				continue
			}
			select {
			case editing <- struct{}{}:
			default:
				send(wsOutbound{Type: "error", Error: "an edit is already running"})
				continue
			}
			if err := h.startSocketEdit(connCtx, sessionID, in.Instruction, send, editing); err != nil {
				<-editing
				send(wsOutbound{Type: "error", Error: err.Error()})
			}
		default:
			send(wsOutbound{Type: "error", Error: "unknown message type"})
		}
	}
}

// startSocketEdit submits the edit and forwards its event stream onto
// the socket. The editing token is released when the stream drains. The
// edit itself outlives the connection: its context is detached from
// connCtx so a dropped socket never aborts a persisting loop.
func (h *Handler) startSocketEdit(connCtx context.Context, sessionID int64, instruction string, send func(wsOutbound), editing <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)

	userMessage, err := h.store.AddMessage(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   instruction,
	})
	if err != nil {
		cancel()
		return err
	}

	stream := events.NewStream(uuid.NewString())
	done := make(chan worker.Outcome, 1)
	if err := h.workers.Submit(worker.Job{
		Type: worker.Edit,
		Ctx:  ctx,
		Req: editor.Request{
			SessionID:   sessionID,
			Instruction: instruction,
			MessageID:   &userMessage.ID,
		},
		Stream: stream,
		Done:   done,
	}); err != nil {
		cancel()
		if errors.Is(err, worker.ErrDispatcherBusy) {
			return errors.New("server is busy, please retry")
		}
		return err
	}

	go func() {
		defer cancel()
		defer func() { <-editing }()
		for ev := range stream.Events() {
			select {
			case <-connCtx.Done():
				// Socket gone; keep draining so the runner never blocks.
			default:
				send(wsOutbound{Type: string(ev.Kind()), Payload: ev})
			}
		}
		select {
		case outcome := <-done:
			h.recordOutcome(sessionID, outcome)
		case <-time.After(30 * time.Second):
		}
	}()
	return nil
}
