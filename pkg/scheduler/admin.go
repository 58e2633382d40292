package scheduler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dentalcrm/synccore/pkg/retryqueue"
)

// DeadLetterLister is the subset of the retry queue the admin server's
// dead-letter endpoint needs.
type DeadLetterLister interface {
	DeadLetters(ctx context.Context) ([]retryqueue.DeadLetter, error)
}

// AdminServer exposes the diagnostic HTTP surface: liveness, a dead-letter
// count, Prometheus metrics, and the dead-letter listing an operator uses
// to find records that need manual CRM-side correction.
type AdminServer struct {
	router *gin.Engine
	source SourceReader
	queue  DeadLetterLister
}

// NewAdminServer builds the admin HTTP surface.
func NewAdminServer(source SourceReader, queue DeadLetterLister) *AdminServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &AdminServer{router: router, source: source, queue: queue}

	router.GET("/health", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/dead-letters", s.handleDeadLetters)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

func (s *AdminServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	sourceUp := s.source.Ping(ctx)
	status := http.StatusOK
	if !sourceUp {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status": statusText(sourceUp),
		"source": gin.H{"reachable": sourceUp},
	})
}

func statusText(up bool) string {
	if up {
		return "healthy"
	}
	return "degraded"
}

func (s *AdminServer) handleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	deadLetters, err := s.queue.DeadLetters(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"dead_letter_count": len(deadLetters),
	})
}

func (s *AdminServer) handleDeadLetters(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	deadLetters, err := s.queue.DeadLetters(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dead_letters": deadLetters})
}

// Run starts the admin HTTP server on addr, blocking until it returns an
// error. It takes no context and is not stopped by context cancellation.
func (s *AdminServer) Run(addr string) error {
	return s.router.Run(addr)
}
