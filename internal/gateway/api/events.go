package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agentplane/agentplane/internal/applog"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

// BusStats reports message bus counters.
// GET /api/v1/bus/stats
func (h *Handler) BusStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Bus.Stats())
}

// BusHistory returns recent bus messages, newest last.
// GET /api/v1/bus/history?topic=&limit=
func (h *Handler) BusHistory(c *gin.Context) {
	limit, err := queryLimit(c, 50)
	if err != nil {
		respondError(c, err)
		return
	}

	messages := h.svc.Bus.History(c.Query("topic"), limit)
	resp := v1.BusHistoryResponse{
		Messages: make([]v1.BusMessage, len(messages)),
		Total:    len(messages),
	}
	for i, msg := range messages {
		resp.Messages[i] = v1.BusMessage{
			Topic:         msg.Topic,
			Sender:        msg.Sender,
			CorrelationID: msg.CorrelationID,
			Payload:       msg.Payload,
			Timestamp:     msg.Timestamp,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents queries the persistent event journal, newest first.
// GET /api/v1/events?topic=&task_id=&limit=
func (h *Handler) ListEvents(c *gin.Context) {
	if h.svc.Journal == nil {
		respondError(c, apperr.State("event journal is disabled"))
		return
	}

	limit, err := queryLimit(c, 100)
	if err != nil {
		respondError(c, err)
		return
	}

	var entries []applog.Entry
	switch {
	case c.Query("task_id") != "":
		entries, err = h.svc.Journal.ByTask(c.Request.Context(), c.Query("task_id"), limit)
	case c.Query("topic") != "":
		entries, err = h.svc.Journal.ByTopic(c.Request.Context(), c.Query("topic"), limit)
	default:
		entries, err = h.svc.Journal.Recent(c.Request.Context(), limit)
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := v1.JournalResponse{
		Entries: make([]v1.JournalEntry, len(entries)),
		Total:   len(entries),
	}
	for i, entry := range entries {
		resp.Entries[i] = journalEntryToResponse(entry)
	}
	c.JSON(http.StatusOK, resp)
}

func journalEntryToResponse(entry applog.Entry) v1.JournalEntry {
	resp := v1.JournalEntry{
		Seq:           entry.Seq,
		Topic:         entry.Topic,
		Sender:        entry.Sender,
		CorrelationID: entry.CorrelationID,
		TaskID:        entry.TaskID,
		Timestamp:     entry.Timestamp,
	}
	var payload any
	if err := json.Unmarshal([]byte(entry.Payload), &payload); err == nil {
		resp.Payload = payload
	} else {
		resp.Payload = entry.Payload
	}
	return resp
}

func queryLimit(c *gin.Context, fallback int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperr.Validation("limit", "must be a positive integer")
	}
	return n, nil
}
