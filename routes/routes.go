package routes

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"pricelab-backend/controllers"
	"pricelab-backend/middleware"
	"pricelab-backend/scheduler"
	"pricelab-backend/services"
	"pricelab-backend/store"
)

// SetupRoutes sets up all API routes
func SetupRoutes(
	router *gin.Engine,
	db *gorm.DB,
	sched *scheduler.Scheduler,
	taskStore store.TaskStore,
	socket *services.TaskSocketService,
	jwtSecret string,
) {
	// Initialize controllers
	taskController := controllers.NewTaskController(sched, taskStore)
	authController := controllers.NewAuthController(db, jwtSecret)

	// Live task updates for the dashboard
	router.GET("/ws/tasks", func(c *gin.Context) {
		socket.HandleWebSocket(c.Writer, c.Request)
	})

	// API v1 group
	api := router.Group("/api/v1")
	{
		api.POST("/auth/login", authController.Login)

		// Read-only task routes
		tasks := api.Group("/tasks")
		{
			tasks.GET("", taskController.GetTasks)
			tasks.GET("/calendar", taskController.GetCalendarEvents)
			tasks.GET("/:id", taskController.GetTask)
			tasks.GET("/:id/status", taskController.GetTaskStatus)
		}

		// Mutating task routes require a valid token
		authed := api.Group("/tasks")
		authed.Use(middleware.JWTAuthMiddleware(jwtSecret))
		{
			authed.POST("", taskController.CreateTask)
			authed.POST("/:id/run", taskController.RunTask)
			authed.POST("/:id/cancel", taskController.CancelTask)
			authed.POST("/:id/request-cancel", taskController.RequestCancelTask)
			authed.DELETE("/:id", taskController.DeleteTask)
		}
	}
}
