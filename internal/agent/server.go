package agent

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/hermes/internal/auth"
	"github.com/danmuck/hermes/internal/observability"
	"github.com/danmuck/hermes/internal/protocol/stream"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server is the agent HTTP surface.
type Server struct {
	ID       string
	Appeared time.Time

	exec      *Executor
	validator auth.Validator
	router    *gin.Engine
}

// NewServer wires routes for exec. A nil validator leaves /execute open.
func NewServer(id string, exec *Executor, validator auth.Validator, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger, id))
	r.Use(observability.RequestMetricsMiddleware(id))
	if len(corsOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: corsOrigins,
			AllowMethods: []string{"GET", "POST"},
			AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:        id,
		Appeared:  time.Now(),
		exec:      exec,
		validator: validator,
		router:    r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := s.router.Group("/", auth.RequireToken(s.validator))
	protected.GET("/commands", s.handleCommands)
	protected.POST("/execute", s.handleExecute)
}

func (s *Server) handleHealth(c *gin.Context) {
	host, _ := os.Hostname()
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"message": "Agent on " + host + " is up.",
		"agent":   s.ID,
		"uptime":  time.Since(s.Appeared).String(),
	})
}

func (s *Server) handleCommands(c *gin.Context) {
	scripts, err := s.exec.Scripts()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scripts": scripts})
}

func (s *Server) handleExecute(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.CommandName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'command_name' in request"})
		return
	}
	if req.Params == nil {
		req.Params = []string{}
	}
	if _, err := s.exec.Resolve(req.CommandName); err != nil {
		s.rejectResolve(c, req, err)
		return
	}
	if req.Stream {
		s.streamExecute(c, req)
		return
	}

	res, err := s.exec.Execute(c.Request.Context(), req)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{
			"error":     "Command timed out",
			"command":   res.Command,
			"stdout":    res.Stdout,
			"stderr":    res.Stderr,
			"exit_code": res.ExitCode,
		})
	case errors.Is(err, ErrPathTraversal), errors.Is(err, ErrNotFound):
		s.rejectResolve(c, req, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "An error occurred: " + err.Error(),
			"command": res.Command,
			"stdout":  res.Stdout,
			"stderr":  res.Stderr,
		})
	}
}

func (s *Server) rejectResolve(c *gin.Context, req Request, err error) {
	if errors.Is(err, ErrPathTraversal) {
		log.Error().Str("command", req.CommandName).Msg("rejected command outside script directory")
		c.JSON(http.StatusForbidden, gin.H{"error": "Command not allowed or path traversal attempt"})
		return
	}
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Command '" + req.CommandName + "' not found or is not a file."})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// streamExecute writes one wire line per frame and the exit code trailer.
func (s *Server) streamExecute(c *gin.Context, req Request) {
	w := c.Writer
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Trailer", stream.TrailerExitCode)
	w.WriteHeader(http.StatusOK)
	w.Flush()

	code, err := s.exec.Stream(c.Request.Context(), req, func(f stream.Frame) error {
		if _, err := w.WriteString(stream.FormatLine(f) + "\n"); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	if err != nil {
		log.Debug().Err(err).Str("command", req.CommandName).Msg("stream ended with error")
	}
	w.Header().Set(stream.TrailerExitCode, strconv.Itoa(code))
}
