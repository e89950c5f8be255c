package dispatcher

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"sentinel/internal/broker"
	"sentinel/internal/metrics"
	"sentinel/internal/middleware"
	"sentinel/pkg/models"
)

// Router assembles the dispatcher's HTTP surface.
func (d *Dispatcher) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS())
	r.Use(middleware.BodySizeLimit())
	r.Use(metrics.Middleware())

	limiter := middleware.NewRateLimiter()
	r.Use(limiter.Handler())

	r.POST("/execute", d.handleExecute)
	r.GET("/job/:id", d.handleJobStatus)
	r.GET("/load", d.handleLoad)
	r.GET("/health", d.handleHealth)
	r.GET("/languages", d.handleLanguages)
	r.GET("/metrics", metrics.Handler())

	return r
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"status":    models.StatusFailed,
		"message":   msg,
		"timestamp": time.Now().UTC(),
	})
}

// handleExecute validates a submission and enqueues it under a fresh
// UUIDv4, which is also the broker's job id so polls resolve directly.
func (d *Dispatcher) handleExecute(c *gin.Context) {
	var req models.ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	if req.Code == "" {
		badRequest(c, "Missing required field: code")
		return
	}
	if req.Language == "" {
		badRequest(c, "Missing required field: language")
		return
	}
	if !d.registry.IsSupported(req.Language) {
		badRequest(c, "Unsupported language: "+req.Language)
		return
	}
	queue, err := d.selectQueue(c.Request.Context(), req.Language)
	if err != nil {
		d.log.Error("queue selection failed", zap.String("language", req.Language), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  models.StatusFailed,
			"message": "Failed to queue job",
		})
		return
	}

	job := models.Job{
		ID:        uuid.New().String(),
		Language:  req.Language,
		Code:      req.Code,
		Input:     req.Input,
		TestCases: req.TestCases,
		CreatedAt: time.Now().UTC(),
	}

	if err := queue.Add(c.Request.Context(), job); err != nil {
		d.log.Error("enqueue failed", zap.String("job", job.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"status":  models.StatusFailed,
			"message": "Failed to queue job",
		})
		return
	}

	metrics.Get().JobsSubmitted.WithLabelValues(req.Language).Inc()
	d.log.Info("job queued",
		zap.String("job", job.ID),
		zap.String("language", req.Language),
		zap.String("queue", queue.Name()),
		zap.Int("testCases", len(req.TestCases)))

	c.JSON(http.StatusOK, models.ExecuteResponse{
		ID:        job.ID,
		Status:    models.StatusQueued,
		Timestamp: job.CreatedAt,
		Message:   "Job queued for execution",
	})
}

// handleJobStatus resolves a poll by scanning every queue for the id.
func (d *Dispatcher) handleJobStatus(c *gin.Context) {
	id := c.Param("id")

	for _, q := range d.allQueues() {
		rec, err := q.GetByID(c.Request.Context(), id)
		if errors.Is(err, broker.ErrJobNotFound) {
			continue
		}
		if err != nil {
			d.log.Error("job lookup failed", zap.String("job", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"status":  models.StatusFailed,
				"message": "Failed to look up job",
			})
			return
		}

		resp := models.JobStatusResponse{
			ID:        id,
			Status:    apiState(rec.State),
			Timestamp: time.Now().UTC(),
			Progress:  rec.Progress,
		}
		switch rec.State {
		case broker.StateCompleted:
			if rec.Result != nil {
				resp.Output = rec.Result.Output
				resp.Error = rec.Result.Error
				resp.ExecutionTime = rec.Result.ExecutionTime
				resp.TestCases = rec.Result.TestCases
			}
		case broker.StateFailed:
			resp.Error = rec.FailedReason
		}
		c.JSON(http.StatusOK, resp)
		return
	}

	c.JSON(http.StatusNotFound, gin.H{
		"id":        id,
		"status":    models.StatusFailed,
		"message":   "Job not found",
		"timestamp": time.Now().UTC(),
	})
}

// apiState maps broker-internal states onto the client-visible ones.
func apiState(state string) string {
	switch state {
	case broker.StateWaiting, broker.StateDelayed:
		return models.StatusQueued
	case broker.StateActive:
		return models.StatusActive
	case broker.StateCompleted:
		return models.StatusCompleted
	case broker.StateFailed:
		return models.StatusFailed
	default:
		return models.StatusQueued
	}
}

// handleLoad reports per-queue counters and totals.
func (d *Dispatcher) handleLoad(c *gin.Context) {
	resp := models.LoadResponse{Timestamp: time.Now().UTC()}
	m := metrics.Get()

	for _, q := range d.allQueues() {
		snap, err := q.Counts(c.Request.Context())
		if err != nil {
			d.log.Error("load probe failed", zap.String("queue", q.Name()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"status":  models.StatusFailed,
				"message": "Failed to read queue load",
			})
			return
		}

		m.QueueWaiting.WithLabelValues(q.Name()).Set(float64(snap.Waiting))
		m.QueueActive.WithLabelValues(q.Name()).Set(float64(snap.Active))

		resp.Containers = append(resp.Containers, models.ContainerLoad{
			ContainerID: q.Name(),
			Language:    d.languageOf(q),
			Waiting:     snap.Waiting,
			Active:      snap.Active,
			Completed:   snap.Completed,
			Failed:      snap.Failed,
			TotalJobs:   snap.TotalJobs(),
		})
		resp.TotalWaiting += snap.Waiting
		resp.TotalActive += snap.Active
	}

	c.JSON(http.StatusOK, resp)
}

// handleHealth pings the broker and probes each queue. All good is
// healthy, a broken queue degrades, an unreachable broker is unhealthy.
func (d *Dispatcher) handleHealth(c *gin.Context) {
	resp := models.HealthResponse{
		Timestamp: time.Now().UTC(),
		Queues:    make(map[string]string),
	}

	if err := d.client.Ping(c.Request.Context()); err != nil {
		resp.Status = "unhealthy"
		resp.Redis = "unreachable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Redis = "connected"
	resp.Status = "healthy"

	for _, q := range d.allQueues() {
		if _, err := q.Counts(c.Request.Context()); err != nil {
			resp.Queues[q.Name()] = "unhealthy"
			resp.Status = "degraded"
			continue
		}
		resp.Queues[q.Name()] = "healthy"
	}

	c.JSON(http.StatusOK, resp)
}

// handleLanguages serves the registry's public listing.
func (d *Dispatcher) handleLanguages(c *gin.Context) {
	var langs []models.LanguageInfo
	for _, desc := range d.registry.List() {
		langs = append(langs, models.LanguageInfo{
			Name:        desc.Name,
			DisplayName: desc.DisplayName,
		})
	}
	c.JSON(http.StatusOK, models.LanguagesResponse{
		Languages: langs,
		Count:     len(langs),
	})
}
