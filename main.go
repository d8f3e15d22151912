package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"pricelab-backend/config"
	"pricelab-backend/models"
	"pricelab-backend/routes"
	"pricelab-backend/scheduler"
	"pricelab-backend/services"
	"pricelab-backend/store"
	"pricelab-backend/workers"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// dbInitialized tracks whether database has been successfully initialized
// This global variable is used for thread-safe access across goroutines to allow
// the /ready health endpoint to dynamically check database status
var dbInitialized bool
var dbInitMutex sync.RWMutex

func main() {
	log.Println("==============================================")
	log.Println("  PriceLab Backend API - Starting...")
	log.Println("==============================================")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Printf("Warning: Config load issue: %v", err)
	}

	// Set Gin mode based on environment
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Create Gin router
	router := gin.New()

	// Add middlewares
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestLogger())

	// Setup health check endpoints FIRST so Cloud Run can detect the service is up
	// Database will be initialized in background
	setupHealthEndpoints(router)

	// Create HTTP server with timeouts optimized for Cloud Run
	// Bind to 0.0.0.0 explicitly for container networking
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Start server IMMEDIATELY so Cloud Run knows we're listening
	go func() {
		log.Printf("Server listening on 0.0.0.0:%s", cfg.Port)
		log.Println("==============================================")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Initialize database, stores and scheduler in background
	var (
		jobScheduler *scheduler.Scheduler
		housekeeper  *scheduler.Housekeeper
		socket       *services.TaskSocketService
	)
	go func() {
		// Initialize database connection (admin auth lives here regardless
		// of which task store backing is selected)
		db, err := config.InitDB(cfg)
		if err != nil {
			log.Printf("ERROR: Database connection failed: %v", err)
			log.Println("Service will continue in limited mode (health check only)")
			return
		}

		// Run database migrations
		log.Println("Running database migrations...")
		if err := models.MigrateAdminModels(db); err != nil {
			log.Printf("ERROR: Admin migration failed: %v", err)
		}

		// Seed default admin user
		if err := models.SeedDefaultAdminUser(db); err != nil {
			log.Printf("Warning: Could not seed admin user: %v", err)
		}

		// Select task store backing
		taskStore, err := buildTaskStore(cfg, db)
		if err != nil {
			log.Printf("ERROR: Task store init failed: %v", err)
			return
		}
		log.Printf("Task store: %s", cfg.TaskStore)

		// Live update fan-out for the dashboard
		notifier := services.NewTaskNotifier()
		socket = services.NewTaskSocketService(notifier)

		// Market data for backtest runs
		market, err := services.NewMarketDataService(cfg.MarketDBPath)
		if err != nil {
			log.Printf("Warning: Market data unavailable, backtests disabled: %v", err)
		}

		// Register workers
		workerRegistry := scheduler.NewWorkerRegistry()
		workerRegistry.Register(workers.TaskTypeTrainModel, workers.NewTrainingWorker())
		if market != nil {
			workerRegistry.Register(workers.TaskTypeBacktest, workers.NewBacktestWorker(market))
		}

		// Mark database as ready
		dbInitMutex.Lock()
		dbInitialized = true
		dbInitMutex.Unlock()

		// Start background scheduler
		jobScheduler = scheduler.New(taskStore, notifier, workerRegistry, scheduler.Config{
			PollInterval:      cfg.PollInterval,
			ErrorBackoff:      cfg.ErrorBackoff,
			MaxConcurrentRuns: cfg.MaxConcurrentRuns,
		})
		jobScheduler.Start()

		// Periodic cleanup jobs
		housekeeper = scheduler.NewHousekeeper(taskStore, jobScheduler,
			time.Duration(cfg.TaskRetentionDays)*24*time.Hour)
		housekeeper.Start()

		// Setup all API routes
		routes.SetupRoutes(router, db, jobScheduler, taskStore, socket, cfg.JWTSecret)

		log.Println("Application fully initialized with database")
	}()

	// Graceful shutdown
	gracefulShutdown(server, func() {
		if housekeeper != nil {
			housekeeper.Stop()
		}
		if jobScheduler != nil {
			jobScheduler.Stop()
			jobScheduler.WaitForRunners()
		}
		if socket != nil {
			socket.Shutdown()
		}
	})
}

// buildTaskStore selects the task store backing from configuration
func buildTaskStore(cfg *config.Config, db *gorm.DB) (store.TaskStore, error) {
	switch cfg.TaskStore {
	case "gorm", "":
		return store.NewGormStore(db)
	case "file":
		return store.NewFileStore(cfg.TasksDir)
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return store.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unknown task store backing: %s", cfg.TaskStore)
	}
}

// setupHealthEndpoints sets up health check endpoints for Cloud Run
func setupHealthEndpoints(router *gin.Engine) {
	// Root endpoint
	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"message": "PriceLab Backend API",
			"version": "1.0.0",
		})
	})

	// Liveness probe - always returns OK if server is running
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	// Readiness probe - checks if service is ready to receive traffic
	router.GET("/ready", func(c *gin.Context) {
		dbInitMutex.RLock()
		isReady := dbInitialized
		dbInitMutex.RUnlock()

		if !isReady {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "not_ready",
				"message": "Database not connected",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "ready",
		})
	})

	// Startup probe - can be used for initial health check
	router.GET("/startup", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "started",
		})
	})
}

// corsMiddleware returns a CORS middleware handler
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Requested-With")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestLogger returns a request logging middleware
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip logging for health checks to reduce noise
		path := c.Request.URL.Path
		if path == "/health" || path == "/ready" || path == "/startup" {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		// Only log errors or slow requests in production
		if c.Writer.Status() >= 400 || duration > 1*time.Second {
			log.Printf("%s %s %d %v", c.Request.Method, path, c.Writer.Status(), duration)
		}
	}
}

// gracefulShutdown handles graceful shutdown of the server
func gracefulShutdown(server *http.Server, stopBackground func()) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	sig := <-quit
	log.Printf("Received signal %v, shutting down gracefully...", sig)

	// Stop scheduler and background jobs first
	stopBackground()

	// Create context with timeout for shutdown
	// Cloud Run gives 10 seconds for graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server shutdown completed")
}
