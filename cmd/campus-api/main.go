package main

import (
	"fmt"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/campusiq/campus-api/api/swagger"
	"github.com/campusiq/campus-api/internal/handler"
	"github.com/campusiq/campus-api/internal/middleware"
	"github.com/campusiq/campus-api/internal/models"
	"github.com/campusiq/campus-api/internal/repository"
	"github.com/campusiq/campus-api/internal/service"
	"github.com/campusiq/campus-api/pkg/cache"
	"github.com/campusiq/campus-api/pkg/config"
	"github.com/campusiq/campus-api/pkg/database"
	"github.com/campusiq/campus-api/pkg/logger"
	corsmiddleware "github.com/campusiq/campus-api/pkg/middleware/cors"
	reqidmiddleware "github.com/campusiq/campus-api/pkg/middleware/requestid"
)

// @title Campus API
// @version 1.0.0
// @description University course management and enrollment service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Warnw("redis unavailable, caching disabled", "error", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	courseRepo := repository.NewCourseRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             cfg.JWT.Issuer,
		SingleSession:      cfg.JWT.SingleSession,
	})
	userSvc := service.NewUserService(userRepo, enrollmentRepo, courseRepo, cacheRepo, validate, logr, cfg.Stats.CacheTTL)
	courseSvc := service.NewCourseService(courseRepo, userRepo, enrollmentRepo, cacheRepo, validate, logr, cfg.Courses.CacheEnabled, cfg.Courses.CacheTTL).
		WithMetrics(metricsSvc)
	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, courseRepo, userRepo, cacheRepo, validate, logr).
		WithMetrics(metricsSvc)

	authHandler := handler.NewAuthHandler(authSvc)
	userHandler := handler.NewUserHandler(userSvc)
	courseHandler := handler.NewCourseHandler(courseSvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc, db, redisClient)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	{
		auth.POST("/register", middleware.OptionalJWT(authSvc), authHandler.Register)
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)

		session := auth.Group("", middleware.JWT(authSvc))
		session.POST("/logout", authHandler.Logout)
		session.GET("/me", authHandler.Me)
		session.PUT("/profile", authHandler.UpdateProfile)
		session.PUT("/change-password", authHandler.ChangePassword)
	}

	users := api.Group("/users", middleware.JWT(authSvc))
	{
		users.GET("", middleware.RequireRoles(models.RoleAdmin), userHandler.List)
		users.GET("/stats", middleware.RequireRoles(models.RoleAdmin), userHandler.Stats)
		users.GET("/:id", middleware.RBAC(string(models.RoleAdmin), middleware.SelfRole), userHandler.Get)
		users.PUT("/:id", middleware.RBAC(string(models.RoleAdmin), middleware.SelfRole), userHandler.Update)
		users.DELETE("/:id", middleware.RequireRoles(models.RoleAdmin), userHandler.Delete)
	}

	courses := api.Group("/courses")
	{
		courses.GET("", middleware.OptionalJWT(authSvc), courseHandler.List)
		courses.GET("/:id", courseHandler.Get)

		protected := courses.Group("", middleware.JWT(authSvc))
		protected.POST("", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), courseHandler.Create)
		protected.GET("/my", middleware.RequireRoles(models.RoleInstructor, models.RoleAdmin), courseHandler.MyCourses)
		protected.PUT("/:id", courseHandler.Update)
		protected.DELETE("/:id", courseHandler.Delete)
		protected.GET("/:id/enrollments", courseHandler.Roster)
		protected.GET("/:id/enrollments/export", courseHandler.ExportRoster)
	}

	enrollments := api.Group("/enrollments", middleware.JWT(authSvc))
	{
		enrollments.POST("", enrollmentHandler.Enroll)
		enrollments.GET("", middleware.RequireRoles(models.RoleAdmin), enrollmentHandler.List)
		enrollments.GET("/my", enrollmentHandler.ListMine)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.PUT("/:id", enrollmentHandler.Update)
		enrollments.DELETE("/:id", enrollmentHandler.Withdraw)
	}

	admin := api.Group("/admin", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleAdmin))
	{
		admin.GET("/metrics", metricsHandler.Snapshot)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
	if err := r.Run(addr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}
