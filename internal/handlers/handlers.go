package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"github.com/julienbonastre/haiti-shipping/internal/calculator"
	"github.com/julienbonastre/haiti-shipping/internal/database"
	"github.com/julienbonastre/haiti-shipping/internal/ratesync"
	"github.com/julienbonastre/haiti-shipping/internal/settings"
)

const actorContextKey = "actor"

// Options holds the dependencies of a Handler. Only Store is required.
type Options struct {
	Store *settings.Store
	// Records serves raw settings records to remote pollers
	Records  settings.Reader
	Editor   *settings.Editor
	Poller   *ratesync.Poller
	Sessions sessions.Store
	// Health checks the storage backend
	Health func(ctx context.Context) error
	Logger *zap.Logger
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store    *settings.Store
	records  settings.Reader
	editor   *settings.Editor
	poller   *ratesync.Poller
	sessions sessions.Store
	health   func(ctx context.Context) error
	logger   *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		store:    opts.Store,
		records:  opts.Records,
		editor:   opts.Editor,
		poller:   opts.Poller,
		sessions: opts.Sessions,
		health:   opts.Health,
		logger:   logger,
	}
}

// Router builds the gin engine with every API route
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestLogger)

	api := router.Group("/api")
	{
		api.GET("/health", h.HealthCheck)
		api.GET("/settings/rates", h.GetShippingRates)
		api.GET("/settings/special-items", h.GetSpecialItems)
		api.GET("/settings/records/:key", h.GetRecord)
		api.POST("/quote", h.Quote)
		api.GET("/events", h.Events)

		api.POST("/admin/session", h.OpenAdminSession)
		api.DELETE("/admin/session", h.CloseAdminSession)

		admin := api.Group("/admin", h.requireAdmin)
		admin.PUT("/rates", h.UpdateShippingRates)
		admin.POST("/special-items", h.AddSpecialItem)
		admin.PUT("/special-items", h.ReplaceSpecialItems)
		admin.PATCH("/special-items/:id", h.UpdateSpecialItem)
		admin.DELETE("/special-items/:id", h.DeleteSpecialItem)
		admin.POST("/initialize", h.InitializeSettings)
	}
	return router
}

// Error response helper
func errorResponse(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message})
}

// mutationError maps settings errors to HTTP statuses
func (h *Handler) mutationError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, calculator.ErrInvalid):
		errorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, settings.ErrNotFound):
		errorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, settings.ErrDuplicateID):
		errorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, settings.ErrReadOnly):
		errorResponse(c, http.StatusForbidden, err.Error())
	default:
		h.logger.Error("settings mutation failed", zap.String("path", c.FullPath()), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "failed to save settings")
	}
}

func (h *Handler) requestLogger(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.Debug("request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("elapsed", time.Since(start)))
}

// HealthCheck returns API health status
func (h *Handler) HealthCheck(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if h.poller != nil {
		snap, seeded := h.poller.Snapshot()
		resp["poller"] = gin.H{
			"running":   h.poller.Running(),
			"seeded":    seeded,
			"fetchedAt": snap.FetchedAt,
		}
	}
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			resp["status"] = "error"
			resp["error"] = "database connection failed"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

// GetShippingRates returns the effective rates
func (h *Handler) GetShippingRates(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.GetShippingRates(c.Request.Context()))
}

// GetSpecialItems returns the effective catalog
func (h *Handler) GetSpecialItems(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.GetSpecialItems(c.Request.Context()))
}

// GetRecord returns one raw settings record, as persisted
func (h *Handler) GetRecord(c *gin.Context) {
	if h.records == nil {
		errorResponse(c, http.StatusNotFound, "records are not served")
		return
	}
	record, err := h.records.GetSetting(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.logger.Error("failed to read settings record", zap.String("key", c.Param("key")), zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "failed to read settings record")
		return
	}
	if record == nil {
		errorResponse(c, http.StatusNotFound, "no such settings record")
		return
	}
	c.JSON(http.StatusOK, record)
}

// weightParam accepts a weight as a JSON number or a string such as "2,5"
type weightParam string

func (w *weightParam) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*w = weightParam(s)
		return nil
	}
	*w = weightParam(data)
	return nil
}

type quoteRequest struct {
	Weight      weightParam `json:"weight"`
	Destination string      `json:"destination"`
	Category    string      `json:"category"`
}

// Quote prices a shipment with the poller's snapshot, or with a direct
// store read before the first poll has completed
func (h *Handler) Quote(c *gin.Context) {
	var req quoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}

	rates, items := h.currentSettings(c.Request.Context())
	quote := calculator.QuoteShipment(calculator.Shipment{
		Weight:      string(req.Weight),
		Destination: req.Destination,
		Category:    req.Category,
	}, rates, items.Items)

	c.JSON(http.StatusOK, quote)
}

func (h *Handler) currentSettings(ctx context.Context) (calculator.ShippingRates, calculator.SpecialItemsConfig) {
	if h.poller != nil {
		if snap, seeded := h.poller.Snapshot(); seeded {
			return snap.Rates, snap.Items
		}
	}
	return h.store.GetShippingRates(ctx), h.store.GetSpecialItems(ctx)
}

// Events streams settings changes as server-sent events. The first event
// carries the current snapshot.
func (h *Handler) Events(c *gin.Context) {
	if h.poller == nil {
		errorResponse(c, http.StatusServiceUnavailable, "change detection is not running")
		return
	}

	changes, unsubscribe := h.poller.Subscribe()
	defer unsubscribe()

	snap, seeded := h.poller.Snapshot()
	c.Header("Cache-Control", "no-cache")
	c.SSEvent("snapshot", gin.H{"seeded": seeded, "snapshot": snap})
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case change, ok := <-changes:
			if !ok {
				return false
			}
			c.SSEvent("settings-changed", change.Current)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

type sessionRequest struct {
	ActorID string `json:"actorId"`
}

// OpenAdminSession binds an editor id to an admin session cookie. Who may
// call it is decided by whatever sits in front of the API.
func (h *Handler) OpenAdminSession(c *gin.Context) {
	if h.sessions == nil {
		errorResponse(c, http.StatusNotFound, "admin sessions are disabled")
		return
	}
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.ActorID) == "" {
		errorResponse(c, http.StatusBadRequest, "actorId is required")
		return
	}

	session, err := h.sessions.Get(c.Request, database.AdminSessionName)
	if err != nil {
		h.logger.Warn("discarding unreadable admin session", zap.Error(err))
	}
	database.SetActor(session, strings.TrimSpace(req.ActorID))
	if err := session.Save(c.Request, c.Writer); err != nil {
		h.logger.Error("failed to save admin session", zap.Error(err))
		errorResponse(c, http.StatusInternalServerError, "failed to save session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"actorId": database.Actor(session)})
}

// CloseAdminSession deletes the admin session
func (h *Handler) CloseAdminSession(c *gin.Context) {
	if h.sessions == nil {
		c.Status(http.StatusNoContent)
		return
	}
	session, err := h.sessions.Get(c.Request, database.AdminSessionName)
	if err == nil && !session.IsNew {
		session.Options.MaxAge = -1
		if err := session.Save(c.Request, c.Writer); err != nil {
			h.logger.Error("failed to delete admin session", zap.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) requireAdmin(c *gin.Context) {
	if h.sessions == nil {
		errorResponse(c, http.StatusForbidden, "admin sessions are disabled")
		return
	}
	session, err := h.sessions.Get(c.Request, database.AdminSessionName)
	if err != nil || database.Actor(session) == "" {
		errorResponse(c, http.StatusUnauthorized, "admin session required")
		return
	}
	c.Set(actorContextKey, database.Actor(session))
	c.Next()
}

func actor(c *gin.Context) string {
	return c.GetString(actorContextKey)
}

// UpdateShippingRates replaces the rates
func (h *Handler) UpdateShippingRates(c *gin.Context) {
	var rates calculator.ShippingRates
	if err := c.ShouldBindJSON(&rates); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.UpdateShippingRatesE(c.Request.Context(), rates, actor(c)); err != nil {
		h.mutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, rates)
}

// AddSpecialItem appends an item to the catalog
func (h *Handler) AddSpecialItem(c *gin.Context) {
	var item calculator.SpecialItem
	if err := c.ShouldBindJSON(&item); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	stored, err := h.store.AddSpecialItemE(c.Request.Context(), item, actor(c))
	if err != nil {
		h.mutationError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

// ReplaceSpecialItems replaces the whole catalog; the body order is the
// match priority
func (h *Handler) ReplaceSpecialItems(c *gin.Context) {
	var cfg calculator.SpecialItemsConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.store.ReplaceSpecialItemsE(c.Request.Context(), cfg, actor(c)); err != nil {
		h.mutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateSpecialItem applies a partial edit. Name and price edits are
// debounced and answered with 202; a category change is saved before the
// response.
func (h *Handler) UpdateSpecialItem(c *gin.Context) {
	id := c.Param("id")
	var patch settings.ItemPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Empty() {
		errorResponse(c, http.StatusBadRequest, "nothing to update")
		return
	}
	ctx := c.Request.Context()

	if h.editor == nil {
		item, err := h.store.UpdateSpecialItemE(ctx, id, patch, actor(c))
		if err != nil {
			h.mutationError(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
		return
	}

	items, err := h.store.FetchSpecialItems(ctx)
	if err != nil {
		h.mutationError(c, err)
		return
	}
	i := items.Index(id)
	if i < 0 {
		errorResponse(c, http.StatusNotFound, settings.ErrNotFound.Error())
		return
	}
	// reject now what would only fail when the debounced write runs
	if patch.Category != nil && !patch.Category.Valid() {
		errorResponse(c, http.StatusBadRequest, "unknown category")
		return
	}
	if patch.Price != nil {
		candidate := items.Items[i]
		candidate.Price = *patch.Price
		if err := candidate.Validate(); err != nil {
			h.mutationError(c, err)
			return
		}
	}

	written, ok := h.editor.Edit(ctx, id, patch, actor(c))
	switch {
	case !written:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "pending": true})
	case ok:
		c.JSON(http.StatusOK, gin.H{"id": id, "pending": false})
	default:
		errorResponse(c, http.StatusInternalServerError, "failed to save special item")
	}
}

// DeleteSpecialItem removes an item
func (h *Handler) DeleteSpecialItem(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	if h.editor != nil {
		// pending edits for the item are written first so they cannot land after the delete
		h.editor.Flush(ctx, id)
	}
	if err := h.store.DeleteSpecialItemE(ctx, id, actor(c)); err != nil {
		h.mutationError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// InitializeSettings seeds the default records that are missing
func (h *Handler) InitializeSettings(c *gin.Context) {
	if err := h.store.InitializeSettingsE(c.Request.Context()); err != nil {
		h.mutationError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"initialized": true})
}
