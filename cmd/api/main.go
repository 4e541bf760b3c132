package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	_ "github.com/bizmatters/agent-builder/cad-orchestrator/docs" // swagger docs
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/app"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/auth"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/config"
	"github.com/bizmatters/agent-builder/cad-orchestrator/internal/gateway"
)

// @title CAD Orchestrator API
// @version 1.0
// @description Turns object names into parametric CAD programs through a chain of LLM agents.
// @description
// @description A Disassembler splits the object into parts, a Code Writer produces one program per part
// @description and an Assembler merges them into a single program with a slider schema. Sessions re-run
// @description that program with new slider values and serve the resulting mesh as Wavefront OBJ.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the session token.

func main() {
	cfg, err := config.Load(os.Getenv("CAD_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.LogLevel, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	for _, w := range cfg.Warnings {
		logger.Warn("configuration warning", zap.String("warning", w))
	}
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}

	// Initialize OpenTelemetry
	tp, err := initTracer()
	if err != nil {
		logger.Fatal("failed to initialize tracer", zap.Error(err))
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	jwtManager, err := auth.NewJWTManager(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("failed to initialize JWT manager", zap.Error(err))
	}

	handlerOpts := []gateway.Option{gateway.WithSessionObserver(a.Metrics)}
	if a.Runs != nil {
		handlerOpts = append(handlerOpts, gateway.WithRunCatalog(a.Runs))
	}
	gatewayHandler := gateway.NewHandler(a.Orchestrator, a.Sessions, jwtManager, logger.Named("gateway"), handlerOpts...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(structuredLoggingMiddleware(logger.Named("http")))

	// Health checks stay at the root
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := a.Ready(ctx); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	api := router.Group("/api")
	gatewayHandler.RegisterRoutes(api)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // a full synthesis makes several sequential LLM calls
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting CAD orchestrator API server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(ctx); err != nil {
		logger.Warn("failed to flush traces", zap.Error(err))
	}

	logger.Info("server exited")
}

// initTracer initializes OpenTelemetry tracing
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)

	return tp, nil
}

// structuredLoggingMiddleware logs one structured entry per request
func structuredLoggingMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("latency_ms", time.Since(start).Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}

		// Add session ID if authenticated
		if sessionID, ok := c.Get(auth.SessionIDKey); ok {
			fields = append(fields, zap.Any("session_id", sessionID))
		}

		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		logger.Info("request", fields...)
	}
}
