package control

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mmbot/internal/engine"
	"mmbot/internal/logger"
)

// Controller is the part of the scheduler the operator surface talks to.
type Controller interface {
	Send(cmd engine.Command) error
	State() engine.RunState
	Report(ctx context.Context) []engine.SymbolReport
	ReportText(ctx context.Context) string
}

type Server struct {
	addr string
	ctl  Controller
	log  *logger.Logger
}

func New(addr string, ctl Controller, log *logger.Logger) *Server {
	return &Server{addr: addr, ctl: ctl, log: log}
}

func (s *Server) logEntry() *logrus.Entry {
	return s.log.WithComponent("control")
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.RecoveryWithWriter(s.log.Writer()))

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/status", s.handleStatus)
	r.GET("/api/status", s.handleStatusJSON)
	r.POST("/stop", s.command(engine.CommandStop))
	r.POST("/restart", s.command(engine.CommandRestart))
	return r
}

func (s *Server) handleStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	c.String(http.StatusOK, s.ctl.ReportText(ctx))
}

func (s *Server) handleStatusJSON(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{
		"state":   s.ctl.State(),
		"symbols": s.ctl.Report(ctx),
	})
}

func (s *Server) command(cmd engine.Command) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := s.ctl.Send(cmd)
		switch {
		case err == nil:
			s.logEntry().WithField("command", cmd).Info("Команда принята.")
			c.JSON(http.StatusAccepted, gin.H{"command": cmd})
		case errors.Is(err, engine.ErrBusy):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logEntry().WithField("addr", s.addr).Info("HTTP сервер управления запущен.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
