package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/pg-repense/repense-api/api/swagger"
	"github.com/pg-repense/repense-api/internal/handler"
	"github.com/pg-repense/repense-api/internal/middleware"
	"github.com/pg-repense/repense-api/internal/models"
	"github.com/pg-repense/repense-api/internal/repository"
	"github.com/pg-repense/repense-api/internal/service"
	"github.com/pg-repense/repense-api/pkg/cache"
	"github.com/pg-repense/repense-api/pkg/config"
	"github.com/pg-repense/repense-api/pkg/database"
	"github.com/pg-repense/repense-api/pkg/jobs"
	"github.com/pg-repense/repense-api/pkg/logger"
	corsmiddleware "github.com/pg-repense/repense-api/pkg/middleware/cors"
	reqidmiddleware "github.com/pg-repense/repense-api/pkg/middleware/requestid"
)

// @title PG Repense API
// @version 1.0.0
// @description Course group enrollment and capacity management
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
		logr.Sugar().Warnw("redis unavailable, caching and rate limiting disabled", "error", err)
		redisClient = nil
	}

	validate := validator.New()
	metricsSvc := service.NewMetricsService()

	studentRepo := repository.NewStudentRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	userRepo := repository.NewUserRepository(db)

	var cacheRepo *repository.CacheRepository
	if redisClient != nil && cfg.Availability.CacheEnabled {
		cacheRepo = repository.NewCacheRepository(redisClient, logr)
	}

	var availabilityCache service.AvailabilityCache
	if cacheRepo != nil {
		availabilityCache = cacheRepo
	}
	availabilitySvc := service.NewAvailabilityService(groupRepo, studentRepo, availabilityCache, metricsSvc, cfg.Availability.CacheTTL, logr)

	var prioritySvc *service.PriorityService
	queueCfg := jobs.QueueConfig{Logger: logr}
	if cfg.Promotion.Enabled {
		queueCfg.Workers = cfg.Promotion.Workers
		queueCfg.BufferSize = cfg.Promotion.BufferSize
		queueCfg.MaxRetries = cfg.Promotion.MaxRetries
		queueCfg.RetryDelay = cfg.Promotion.RetryDelay
	}
	prioritySvc = service.NewPriorityService(studentRepo, queueCfg, metricsSvc, logr)

	enrollmentSvc := service.NewEnrollmentService(enrollmentRepo, studentRepo, groupRepo, availabilitySvc, prioritySvc, metricsSvc, validate, logr)
	prioritySvc.BindEnroller(enrollmentSvc)

	studentSvc := service.NewStudentService(studentRepo, validate, logr)
	groupSvc := service.NewGroupService(groupRepo, availabilitySvc, validate, logr)
	attendanceSvc := service.NewAttendanceService(attendanceRepo, groupRepo, validate, logr)
	reportSvc := service.NewReportService(enrollmentRepo, groupRepo, logr)
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "pg-repense-api",
	})

	authHandler := handler.NewAuthHandler(authSvc)
	studentHandler := handler.NewStudentHandler(studentSvc, availabilitySvc)
	groupHandler := handler.NewGroupHandler(groupSvc, reportSvc, prioritySvc)
	enrollmentHandler := handler.NewEnrollmentHandler(enrollmentSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	if cfg.RateLimit.Enabled {
		api.Use(middleware.RateLimit(redisClient, cfg.RateLimit.Limit, cfg.RateLimit.Window, logr))
	}

	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.Refresh)
		auth.POST("/logout", middleware.JWT(authSvc), authHandler.Logout)
		auth.PUT("/password", middleware.JWT(authSvc), authHandler.ChangePassword)
		auth.GET("/me", middleware.JWT(authSvc), authHandler.Me)
	}

	staff := middleware.RequireRoles(models.RoleAdmin, models.RoleTeacherAdmin)
	adminOnly := middleware.RequireRoles(models.RoleAdmin)

	students := api.Group("/students", middleware.JWT(authSvc), staff)
	{
		students.GET("", studentHandler.List)
		students.GET("/:id", studentHandler.Get)
		students.GET("/:id/available-groups", studentHandler.AvailableGroups)
		students.POST("", middleware.Audit(userRepo, models.AuditActionStudentWrite, "students"), studentHandler.Create)
		students.PUT("/:id", middleware.Audit(userRepo, models.AuditActionStudentWrite, "students"), studentHandler.Update)
		students.DELETE("/:id", adminOnly, middleware.Audit(userRepo, models.AuditActionStudentWrite, "students"), studentHandler.Delete)
	}

	groups := api.Group("/groups", middleware.JWT(authSvc), staff)
	{
		groups.GET("", groupHandler.List)
		groups.GET("/:id", groupHandler.Get)
		groups.GET("/:id/roster", groupHandler.Roster)
		groups.GET("/:id/sessions", attendanceHandler.ListSessions)
		groups.GET("/:id/attendance-summary", attendanceHandler.Summary)
		groups.POST("", adminOnly, middleware.Audit(userRepo, models.AuditActionGroupWrite, "groups"), groupHandler.Create)
		groups.PUT("/:id", adminOnly, middleware.Audit(userRepo, models.AuditActionGroupWrite, "groups"), groupHandler.Update)
		groups.DELETE("/:id", adminOnly, middleware.Audit(userRepo, models.AuditActionGroupWrite, "groups"), groupHandler.Delete)
		groups.POST("/:id/promote", middleware.Audit(userRepo, models.AuditActionPriorityPromote, "groups"), groupHandler.Promote)
		groups.POST("/:id/sessions", middleware.Audit(userRepo, models.AuditActionAttendanceWrite, "sessions"), attendanceHandler.CreateSession)
	}

	sessions := api.Group("/sessions", middleware.JWT(authSvc), staff)
	{
		sessions.PUT("/:id/attendance", middleware.Audit(userRepo, models.AuditActionAttendanceWrite, "sessions"), attendanceHandler.Mark)
	}

	enrollments := api.Group("/enrollments", middleware.JWT(authSvc), staff)
	{
		enrollments.GET("", enrollmentHandler.List)
		enrollments.GET("/validate", enrollmentHandler.Validate)
		enrollments.GET("/:id", enrollmentHandler.Get)
		enrollments.POST("", middleware.Audit(userRepo, models.AuditActionEnroll, "enrollments"), enrollmentHandler.Create)
		enrollments.PUT("/:id/transfer", middleware.Audit(userRepo, models.AuditActionTransfer, "enrollments"), enrollmentHandler.Transfer)
		enrollments.PUT("/:id/complete", middleware.Audit(userRepo, models.AuditActionComplete, "enrollments"), enrollmentHandler.Complete)
		enrollments.PUT("/:id/cancel", middleware.Audit(userRepo, models.AuditActionCancel, "enrollments"), enrollmentHandler.Cancel)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prioritySvc.Start(rootCtx)
	defer prioritySvc.Stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-rootCtx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}

	if cacheRepo != nil {
		if err := cacheRepo.Close(); err != nil {
			logr.Sugar().Warnw("failed to close redis", "error", err)
		}
	} else if redisClient != nil {
		_ = redisClient.Close()
	}

	logr.Info("shutdown complete", zap.String("addr", addr))
}
