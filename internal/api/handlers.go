package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"coscene/internal/editor"
	"coscene/internal/events"
	"coscene/internal/models"
	"coscene/internal/rendercache"
	"coscene/internal/scene"
	"coscene/internal/store"
	"coscene/internal/worker"
)

// editTimeout bounds one full edit loop including renders.
const editTimeout = 10 * time.Minute

// WorkerDispatcher is the slice of the dispatcher the handlers use.
type WorkerDispatcher interface {
	Submit(worker.Job) error
	CancelSession(sessionID int64)
}

// Handler wires HTTP routes to the artifact store and the edit workers.
type Handler struct {
	store   *store.Store
	workers WorkerDispatcher
	cache   *rendercache.Cache
}

// NewHandler constructs a Handler instance. cache may be nil.
func NewHandler(st *store.Store, workers WorkerDispatcher, cache *rendercache.Cache) *Handler {
	return &Handler{store: st, workers: workers, cache: cache}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:session_id", h.getSession)
	api.DELETE("/sessions/:session_id", h.deleteSession)
	api.PUT("/sessions/:session_id/status", h.updateSessionStatus)
	api.GET("/sessions/:session_id/messages", h.getSessionMessages)
	api.POST("/sessions/:session_id/edit", h.editScene)
	api.GET("/sessions/:session_id/scene", h.getScene)
	api.GET("/sessions/:session_id/versions", h.listVersions)
	api.GET("/sessions/:session_id/versions/:number", h.getVersion)
	api.POST("/sessions/:session_id/versions/:number/finalize", h.finalizeVersion)
	api.GET("/renders/:render_id", h.getRender)
	api.GET("/ws/sessions/:session_id", h.sessionSocket)
}

func (h *Handler) sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

type createSessionRequest struct {
	UserID       int64  `json:"user_id"`
	Metadata     string `json:"metadata"`
	InitialScene string `json:"initial_scene"`
}

func (h *Handler) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.UserID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}
	sceneText := req.InitialScene
	if sceneText == "" {
		sceneText = scene.EmptyScene()
	} else if err := scene.Validate(sceneText); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("initial scene rejected: %v", err)})
		return
	}

	session, err := h.store.CreateSession(c.Request.Context(), req.UserID, req.Metadata)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	version, err := h.store.CreateVersion(c.Request.Context(), session.ID, sceneText, nil, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"session": session,
		"version": version,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, err := strconv.ParseInt(c.Query("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id query parameter required"})
		return
	}
	sessions, err := h.store.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if sessions == nil {
		sessions = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	session, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	latest, err := h.store.LatestVersion(c.Request.Context(), sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	payload := gin.H{"session": session}
	if latest != nil {
		payload["current_version"] = latest.VersionNumber
	}
	c.JSON(http.StatusOK, payload)
}

func (h *Handler) deleteSession(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	if err := h.store.DeleteSession(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.CancelSession(sessionID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) updateSessionStatus(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := h.store.UpdateSessionStatus(c.Request.Context(), sessionID, req.Status); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
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
	messages, err := h.store.ListMessages(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) getScene(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	version, err := h.store.LatestVersion(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session has no scene"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version_number": version.VersionNumber,
		"scene_text":     version.SceneText,
		"checksum":       version.Checksum,
	})
}

func (h *Handler) listVersions(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	versions, err := h.store.History(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

func (h *Handler) getVersion(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version number"})
		return
	}
	version, err := h.store.GetVersionByNumber(c.Request.Context(), sessionID, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if angle := c.Query("angle"); angle != "" {
		render, err := h.store.GetRenderByVersionAndAngle(c.Request.Context(), version.ID, angle)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no live render for that angle"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"version": version,
			"renders": []*models.Render{render},
		})
		return
	}
	renders, err := h.store.ListRenders(c.Request.Context(), version.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"version": version,
		"renders": renders,
	})
}

// finalizeVersion pins a version's renders: verification frames become
// final and stop expiring.
func (h *Handler) finalizeVersion(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid version number"})
		return
	}
	version, err := h.store.GetVersionByNumber(c.Request.Context(), sessionID, number)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "version not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	promoted, err := h.store.PromoteRenders(c.Request.Context(), version.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"version_id": version.ID, "promoted": promoted})
}

func (h *Handler) getRender(c *gin.Context) {
	renderID, err := strconv.ParseInt(c.Param("render_id"), 10, 64)
	if err != nil || renderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid render id"})
		return
	}
	if frame, err := h.cache.GetFrame(c.Request.Context(), renderID); err == nil {
		c.Data(http.StatusOK, "image/png", frame)
		return
	}
	render, err := h.store.GetRender(c.Request.Context(), renderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "render not found or expired"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Cache trouble never blocks the read path.
	_ = h.cache.PutFrame(c.Request.Context(), renderID, render.ImageData)
	c.Data(http.StatusOK, "image/png", render.ImageData)
}

type editRequest struct {
	Instruction string `json:"instruction"`
}

// editScene accepts one edit instruction and streams the loop's
// progress back as SSE until a terminal event.
func (h *Handler) editScene(c *gin.Context) {
	sessionID, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Instruction == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "instruction is required"})
		return
	}
	session, err := h.store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if session.Status != models.SessionActive {
		c.JSON(http.StatusConflict, gin.H{"error": fmt.Sprintf("session is %s", session.Status)})
		return
	}

	userMessage, err := h.store.AddMessage(c.Request.Context(), models.Message{
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   req.Instruction,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	editCtx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()
	stream := events.NewStream(uuid.NewString())
	done := make(chan worker.Outcome, 1)
	if err := h.workers.Submit(worker.Job{
		Type: worker.Edit,
		Ctx:  editCtx,
		Req: editor.Request{
			SessionID:   sessionID,
			Instruction: req.Instruction,
			MessageID:   &userMessage.ID,
		},
		Stream: stream,
		Done:   done,
	}); err != nil {
		if errors.Is(err, worker.ErrDispatcherBusy) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "server is busy, please retry"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	clientGone := false
	if err := sendEvent("ack", gin.H{
		"request_id": stream.RequestID,
		"message_id": userMessage.ID,
	}); err != nil {
		clientGone = true
	}

	for ev := range stream.Events() {
		if clientGone {
			continue
		}
		if err := sendEvent(string(ev.Kind()), ev); err != nil {
			// Client gone; the worker keeps running and persists on its
			// own context. Keep draining so its publishes never block
			// on a full stream buffer.
			clientGone = true
		}
	}

	select {
	case outcome := <-done:
		h.recordOutcome(sessionID, outcome)
	case <-editCtx.Done():
	}
}

// recordOutcome appends the assistant's closing message once the loop
// settles. Uses a fresh context: the SSE client may be gone already.
func (h *Handler) recordOutcome(sessionID int64, outcome worker.Outcome) {
	if outcome.Result == nil || outcome.Result.Version == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	content := fmt.Sprintf("Updated scene to version %d.", outcome.Result.Version.VersionNumber)
	if outcome.Result.Warning != "" {
		content += " " + outcome.Result.Warning
	}
	meta, _ := json.Marshal(gin.H{"scene_version_id": outcome.Result.Version.ID})
	// Version and renders are already committed; a failure here only
	// costs the chat log its closing line.
	_, _ = h.store.AddMessage(ctx, models.Message{
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   content,
		Metadata:  string(meta),
	})
}
