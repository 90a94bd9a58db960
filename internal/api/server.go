package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/config"
	"github.com/shiv6146/blayzen-console/internal/console"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Server represents the REST API server
type Server struct {
	config     *config.Config
	handler    *Handler
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, svc *console.Service, logger zerolog.Logger) *Server {
	gin.SetMode(cfg.GinMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		handler: NewHandler(svc),
		router:  router,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.router.GET("/health", s.handler.HealthCheck)

	// Swagger documentation
	s.router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API v1 routes
	v1 := s.router.Group("/api/v1")

	if s.config.APIAuthEnabled {
		v1.Use(s.authMiddleware())
	}

	// Session
	session := v1.Group("/session")
	{
		session.POST("", s.handler.Login)
		session.GET("", s.handler.GetSession)
		session.DELETE("", s.handler.Logout)
	}

	// Active call
	activeCall := v1.Group("/call")
	{
		activeCall.POST("", s.handler.PlaceCall)
		activeCall.GET("", s.handler.GetCall)
		activeCall.DELETE("", s.handler.HangupCall)
		activeCall.POST("/accept", s.handler.AcceptCall)
		activeCall.POST("/hold", s.handler.Hold)
		activeCall.POST("/unhold", s.handler.Unhold)
		activeCall.POST("/mute", s.handler.Mute)
		activeCall.POST("/unmute", s.handler.Unmute)
		activeCall.POST("/transfer", s.handler.Transfer)
	}

	// Call history
	v1.GET("/calls", s.handler.ListCallHistory)

	// Monitoring
	monitors := v1.Group("/monitors")
	{
		monitors.POST("", s.handler.StartMonitor)
		monitors.GET("", s.handler.ListMonitors)
		monitors.GET("/active", s.handler.GetActiveMonitor)
		monitors.DELETE("/active", s.handler.StopMonitor)
	}

	// Presence
	v1.GET("/presence", s.handler.GetPresence)
	v1.PUT("/presence", s.handler.SetPresence)

	// Dashboard
	v1.GET("/dashboard", s.handler.GetDashboard)
	v1.GET("/notifications", s.handler.ListNotifications)
}

// authMiddleware validates Basic Auth credentials against the configured
// operator account
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="blayzen-console"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "Authentication required",
			})
			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.config.OperatorUser)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.config.OperatorPassword)) == 1
		if !userOK || !passOK {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: "Invalid credentials",
			})
			return
		}

		c.Set("operator", user)
		c.Next()
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", addr).Msg("REST API server starting")
	s.logger.Info().Str("url", fmt.Sprintf("http://%s/swagger/index.html", addr)).Msg("Swagger UI available")

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Router returns the underlying gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}
