// Package status exposes a small JSON API for operators: collector status,
// rolled-up health, live book views and performance history.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"tickflow/internal/book"
	"tickflow/internal/coordinator"
	"tickflow/internal/metrics"
	"tickflow/logger"
	"tickflow/models"
)

type Server struct {
	coord   *coordinator.Coordinator
	monitor *metrics.Monitor
	srv     *http.Server
	log     *logger.Entry
}

func NewServer(address string, coord *coordinator.Coordinator, monitor *metrics.Monitor) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		coord:   coord,
		monitor: monitor,
		log:     logger.GetLogger().WithComponent("status_server"),
	}

	router.GET("/health", s.health)
	router.GET("/status", s.status)
	router.GET("/books/:exchange/:symbol", s.book)
	router.GET("/samples/:collector", s.samples)
	router.GET("/metrics", gin.WrapH(monitor.Handler()))

	s.srv = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Start() {
	go func() {
		s.log.WithFields(logger.Fields{"address": s.srv.Addr}).Info("status server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("status server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithError(err).Warn("status server shutdown failed")
	}
}

// health answers liveness probes: 200 unless some collector is unhealthy.
func (s *Server) health(c *gin.Context) {
	h := s.coord.Health()
	code := http.StatusOK
	if h == models.HealthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"health": h})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"health":     s.coord.Health(),
		"collectors": s.coord.Status(),
		"metrics":    s.coord.MetricsSummary(),
	})
}

func (s *Server) book(c *gin.Context) {
	exchange := c.Param("exchange")
	symbol := c.Param("symbol")

	col, ok := s.coord.Collector(exchange)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown exchange"})
		return
	}

	state, err := col.Book(symbol)
	if err != nil {
		if errors.Is(err, book.ErrNotReady) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "book not ready"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) samples(c *gin.Context) {
	samples := s.monitor.Samples(c.Param("collector"))
	c.JSON(http.StatusOK, gin.H{
		"collector": c.Param("collector"),
		"samples":   samples,
	})
}
