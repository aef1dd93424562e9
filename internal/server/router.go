package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/manhavi/shopsync/internal/connectivity"
	"github.com/manhavi/shopsync/internal/realtime"
	"github.com/manhavi/shopsync/internal/store"
)

var (
	errMissingQueue   = errors.New("queue dependency required")
	errMissingMonitor = errors.New("connectivity monitor dependency required")
	errMissingChannel = errors.New("realtime channel dependency required")
)

// Dependencies wires the status API to the sync core.
type Dependencies struct {
	Queue   *store.Queue
	Monitor *connectivity.Monitor
	Channel *realtime.Channel
	Logger  *zap.Logger
}

// NewHTTPHandler builds the read-only local status API. It exists so replay
// failures are observable: a rejected queue entry is parked, not silently
// retried, and this surface is where it shows up.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Queue == nil {
		return nil, errMissingQueue
	}
	if deps.Monitor == nil {
		return nil, errMissingMonitor
	}
	if deps.Channel == nil {
		return nil, errMissingChannel
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		queue:   deps.Queue,
		monitor: deps.Monitor,
		channel: deps.Channel,
		logger:  logger,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/queue", handler.handleQueue)
	router.GET("/queue/held", handler.handleHeldQueue)

	return router, nil
}

type httpHandler struct {
	queue   *store.Queue
	monitor *connectivity.Monitor
	channel *realtime.Channel
	logger  *zap.Logger
}

type statusPayload struct {
	Online       bool   `json:"online"`
	ChannelState string `json:"channel_state"`
	PendingCount int64  `json:"pending_count"`
	HeldCount    int64  `json:"held_count"`
}

type queueEntryPayload struct {
	ID                int64  `json:"id"`
	Kind              string `json:"kind"`
	EnqueuedAtSeconds int64  `json:"enqueued_at_s"`
	Attempts          int64  `json:"attempts"`
	LastError         string `json:"last_error,omitempty"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	pending, held, err := h.queue.Depth(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to read queue depth", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_unavailable"})
		return
	}

	c.JSON(http.StatusOK, statusPayload{
		Online:       h.monitor.IsOnline(),
		ChannelState: string(h.channel.State()),
		PendingCount: pending,
		HeldCount:    held,
	})
}

func (h *httpHandler) handleQueue(c *gin.Context) {
	entries, err := h.queue.PendingOldestFirst(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list pending entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": toEntryPayloads(entries)})
}

func (h *httpHandler) handleHeldQueue(c *gin.Context) {
	entries, err := h.queue.HeldEntries(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list held entries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": toEntryPayloads(entries)})
}

func toEntryPayloads(entries []store.QueueEntry) []queueEntryPayload {
	payloads := make([]queueEntryPayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, queueEntryPayload{
			ID:                entry.ID,
			Kind:              entry.Kind.String(),
			EnqueuedAtSeconds: entry.EnqueuedAtSeconds,
			Attempts:          entry.Attempts,
			LastError:         entry.LastError,
		})
	}
	return payloads
}
