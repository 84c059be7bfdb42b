package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coldeye/internal/alert"
	"github.com/coldeye/internal/auth"
	"github.com/coldeye/internal/events"
	"github.com/coldeye/internal/ingest"
	"github.com/coldeye/internal/metrics"
	"github.com/coldeye/internal/models"
	"github.com/coldeye/internal/notify"
	"github.com/coldeye/internal/rules"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const maxBodyBytes = 4 << 20

// AlertActions acknowledges and resolves alerts, cancelling their escalation.
type AlertActions interface {
	Acknowledge(ctx context.Context, id uint, by string) (*models.Alert, error)
	Resolve(ctx context.Context, id uint, by string) (*models.Alert, error)
}

// ComputedSource exposes the latest evaluation cycle's alerts.
type ComputedSource interface {
	Computed() ([]models.ComputedAlert, models.AlertSummary, time.Time)
}

type Deps struct {
	DB       *gorm.DB
	Auth     *auth.Authenticator
	Alerts   *alert.Handler
	Actions  AlertActions
	Computed ComputedSource
	Rules    *rules.Store
	Ingest   *ingest.Service
	Notices  *notify.Store
	Bus      *events.Bus
	Logger   *zap.Logger
}

type Server struct {
	Deps
	router *gin.Engine
	http   *http.Server
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.With(zap.String("component", "api"))
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(d.Logger))

	server := &Server{Deps: d, router: router}
	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Gateways authenticate with an ingest key.
	devices := s.router.Group("/api/v1")
	devices.Use(auth.IngestKeyMiddleware(s.DB))
	devices.POST("/telemetry", s.ingestTelemetry)

	api := s.router.Group("/api/v1")
	api.Use(s.Auth.Middleware())

	units := api.Group("/units")
	{
		units.GET("", auth.RequireAction("view_units"), s.listUnits)
		units.GET("/:id", auth.RequireAction("view_units"), s.getUnit)
		units.GET("/:id/readings", auth.RequireAction("view_units"), s.listReadings)
		units.GET("/:id/rules", auth.RequireAction("view_units"), s.effectiveRules)
		units.GET("/:id/policy/:type", auth.RequireAction("view_units"), s.effectivePolicy)
		units.POST("/:id/manual-logs", auth.RequireAction("log_manual"), s.logManual)
	}

	alerts := api.Group("/alerts")
	{
		alerts.GET("", auth.RequireAction("view_alerts"), s.listAlerts)
		alerts.GET("/computed", auth.RequireAction("view_alerts"), s.computedAlerts)
		alerts.GET("/:id", auth.RequireAction("view_alerts"), s.getAlert)
		alerts.GET("/:id/deliveries", auth.RequireAction("view_alerts"), s.listDeliveries)
		alerts.PUT("/:id/acknowledge", auth.RequireAction("ack_alerts"), s.acknowledgeAlert)
		alerts.PUT("/:id/resolve", auth.RequireAction("ack_alerts"), s.resolveAlert)
	}

	api.GET("/notices", auth.RequireAction("view_alerts"), s.listNotices)
	api.PUT("/notices/:id/dismiss", auth.RequireAction("ack_alerts"), s.dismissNotice)
	api.GET("/contacts/:id/inbox", auth.RequireAction("view_alerts"), s.inbox)
	api.GET("/stream", auth.RequireAction("view_alerts"), s.stream)

	config := api.Group("/config")
	config.Use(auth.RequireAction("manage_config"))
	{
		config.PUT("/import", s.importConfig)
		config.GET("/export", s.exportConfig)
		config.PUT("/channels/enable", s.enableChannel)
	}

	admin := api.Group("/admin")
	admin.Use(auth.RequireRole(models.RoleAdmin))
	admin.POST("/ingest-keys", s.createIngestKey)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Logger.Info("API server listening", zap.Int("port", port))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/healthz" || c.FullPath() == "/metrics" {
			return
		}
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// writeError maps domain errors onto status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, alert.ErrAlertNotFound),
		errors.Is(err, ingest.ErrUnitNotFound),
		errors.Is(err, notify.ErrNoticeNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		status = http.StatusNotFound
	case errors.Is(err, alert.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, ingest.ErrInvalidReading):
		status = http.StatusBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid %s", name)})
		return 0, false
	}
	return uint(id), true
}

func (s *Server) health(c *gin.Context) {
	sqlDB, err := s.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ingestTelemetry(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	readings, err := ingest.DecodeReadings(body)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := s.Ingest.IngestReadings(c.Request.Context(), "http", readings)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) loadUnit(c *gin.Context) (*models.Unit, bool) {
	id, ok := idParam(c, "id")
	if !ok {
		return nil, false
	}
	var unit models.Unit
	if err := s.DB.WithContext(c.Request.Context()).First(&unit, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = fmt.Errorf("%w: %d", ingest.ErrUnitNotFound, id)
		}
		writeError(c, err)
		return nil, false
	}
	return &unit, true
}

func (s *Server) listUnits(c *gin.Context) {
	q := s.DB.WithContext(c.Request.Context()).Order("id")
	if site := c.Query("site_id"); site != "" {
		q = q.Where("site_id = ?", site)
	}
	if status := c.Query("status"); status != "" {
		q = q.Where("status = ?", status)
	}
	var units []models.Unit
	if err := q.Find(&units).Error; err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, units)
}

func (s *Server) getUnit(c *gin.Context) {
	if unit, ok := s.loadUnit(c); ok {
		c.JSON(http.StatusOK, unit)
	}
}

func (s *Server) listReadings(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var from, to time.Time
	if v := c.Query("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.Query("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	limit, _ := strconv.Atoi(c.Query("limit"))
	readings, err := s.Ingest.Readings(c.Request.Context(), id, from, to, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) logManual(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req ingest.ManualLogInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log, err := s.Ingest.LogManual(c.Request.Context(), id, req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, log)
}

func (s *Server) effectiveRules(c *gin.Context) {
	unit, ok := s.loadUnit(c)
	if !ok {
		return
	}
	snap, err := s.Rules.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap.ResolveRules(unit))
}

func (s *Server) effectivePolicy(c *gin.Context) {
	unit, ok := s.loadUnit(c)
	if !ok {
		return
	}
	snap, err := s.Rules.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	policy := snap.ResolvePolicy(unit, models.AlertType(c.Param("type")))
	c.JSON(http.StatusOK, gin.H{
		"policy":     policy,
		"recipients": snap.Recipients(unit, policy),
	})
}

func (s *Server) listAlerts(c *gin.Context) {
	f := alert.ListFilter{
		Status: models.AlertStatus(c.Query("status")),
		Active: c.Query("active") == "true",
	}
	if v := c.Query("unit_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid unit_id"})
			return
		}
		unitID := uint(id)
		f.UnitID = &unitID
	}
	if v := c.Query("limit"); v != "" {
		f.Limit, _ = strconv.Atoi(v)
	}
	alerts, err := s.Alerts.List(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

func (s *Server) computedAlerts(c *gin.Context) {
	alerts, summary, at := s.Computed.Computed()
	c.JSON(http.StatusOK, gin.H{
		"alerts":       alerts,
		"summary":      summary,
		"evaluated_at": at,
	})
}

func (s *Server) getAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.Alerts.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) listDeliveries(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	deliveries, err := s.Notices.Deliveries(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, deliveries)
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.Actions.Acknowledge(c.Request.Context(), id, auth.Subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) resolveAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.Actions.Resolve(c.Request.Context(), id, auth.Subject(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) listNotices(c *gin.Context) {
	notices, err := s.Notices.Notices(c.Request.Context(), c.Query("all") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, notices)
}

func (s *Server) dismissNotice(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.Notices.DismissNotice(c.Request.Context(), id, time.Now()); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) inbox(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	items, err := s.Notices.Inbox(c.Request.Context(), id, c.Query("unread") == "true")
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (s *Server) importConfig(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bundle, err := rules.ParseBundle(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Rules.ImportBundle(c.Request.Context(), bundle); err != nil {
		writeError(c, err)
		return
	}
	s.Logger.Info("configuration imported",
		zap.String("by", auth.Subject(c)),
		zap.Int("rules", len(bundle.Rules)),
		zap.Int("policies", len(bundle.Policies)),
		zap.Int("contacts", len(bundle.Contacts)))
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("imported %d rules, %d policies, %d contacts",
			len(bundle.Rules), len(bundle.Policies), len(bundle.Contacts)),
	})
}

func (s *Server) exportConfig(c *gin.Context) {
	bundle, err := s.Rules.ExportBundle(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if c.Query("format") == "yaml" {
		data, err := bundle.YAML()
		if err != nil {
			writeError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/yaml", data)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (s *Server) enableChannel(c *gin.Context) {
	var req struct {
		PolicyKey string         `json:"policy_key" binding:"required"`
		Channel   models.Channel `json:"channel" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Rules.EnableChannel(c.Request.Context(), req.PolicyKey, req.Channel); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createIngestKey(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	secret, key, err := auth.CreateIngestKey(c.Request.Context(), s.DB, req.Name)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": key.Name, "key": secret})
}
