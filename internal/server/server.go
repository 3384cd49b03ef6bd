// Package server contains HTTP and WebSocket handlers for the application's API endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "lineage/docs" // swagger docs
	"lineage/internal/cache"
	"lineage/internal/config"
	"lineage/internal/database"
	"lineage/internal/middleware"
	"lineage/internal/models"
	"lineage/internal/notifications"
	"lineage/internal/repository"
	"lineage/internal/service"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/monitor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/swagger"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const milestoneQueueSize = 256

// Per-action request budgets. Login and registration fail closed so a Redis
// outage does not open them to brute force.
var (
	searchQuota   = middleware.Quota{Name: "search", Max: 30, Window: time.Minute}
	reviewQuota   = middleware.Quota{Name: "create_review", Max: 5, Window: 10 * time.Minute}
	commentQuota  = middleware.Quota{Name: "create_comment", Max: 10, Window: time.Minute}
	registerQuota = middleware.Quota{Name: "register", Max: 3, Window: 10 * time.Minute, FailClosed: true}
	loginQuota    = middleware.Quota{Name: "login", Max: 10, Window: 5 * time.Minute, FailClosed: true}
)

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	db             *gorm.DB
	redis          *redis.Client
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc

	userRepo    repository.UserRepository
	postRepo    repository.PostRepository
	commentRepo repository.CommentRepository
	reviewRepo  repository.ReviewRepository

	notifier   *notifications.Notifier
	hub        *notifications.Hub
	dispatcher *notifications.MilestoneDispatcher

	postService    *service.PostService
	commentService *service.CommentService
	reviewService  *service.ReviewService
	userService    *service.UserService
	imageService   *service.ImageService
}

// NewServer connects the database and Redis from cfg and builds a server on them.
func NewServer(cfg *config.Config) (*Server, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	cache.InitRedis(cfg.RedisURL)
	return NewServerWithDeps(cfg, db, cache.GetClient())
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// redisClient may be nil; caching, rate limits, token revocation and realtime
// delivery are then disabled.
func NewServerWithDeps(cfg *config.Config, db *gorm.DB, redisClient *redis.Client) (*Server, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("server requires a config and a database")
	}

	s := &Server{
		config:         cfg,
		db:             db,
		redis:          redisClient,
		promMiddleware: middleware.InitMetrics("lineage-api"),
		userRepo:       repository.NewUserRepository(db),
		postRepo:       repository.NewPostRepository(db),
		commentRepo:    repository.NewCommentRepository(db),
		reviewRepo:     repository.NewReviewRepository(db),
		hub:            notifications.NewHub(),
	}

	var publisher notifications.Publisher
	if redisClient != nil {
		s.notifier = notifications.NewNotifier(redisClient)
		publisher = s.notifier
	}
	s.dispatcher = notifications.NewMilestoneDispatcher(
		notifications.NewMailer(cfg), publisher, cfg.MailFrom, milestoneQueueSize)
	s.dispatcher.Start()

	s.postService = service.NewPostService(s.postRepo, s.dispatcher)
	s.commentService = service.NewCommentService(s.commentRepo, s.postRepo)
	s.reviewService = service.NewReviewService(s.reviewRepo, s.postRepo)
	s.userService = service.NewUserService(s.userRepo, s.postService)
	s.imageService = service.NewImageService(cfg)

	return s, nil
}

// App builds the fiber application with middleware and routes installed.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName:   "Lineage API",
		BodyLimit: (s.config.ImageMaxUploadSizeMB + 1) * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				return models.RespondWithError(c, fe.Code, &models.AppError{Code: httpCode(fe.Code), Message: fe.Message})
			}
			middleware.Logger.ErrorContext(c.UserContext(), "unhandled error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.TracingMiddleware())
	app.Use(middleware.ContextMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(helmet.New())
	app.Use(middleware.StructuredLogger())

	// CORS runs before the limiter so throttled responses still carry CORS headers.
	origins := s.config.AllowedOrigins
	if origins == "" {
		origins = "http://localhost:5173,http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version",
		AllowCredentials: origins != "*",
		MaxAge:           86400,
	}))

	app.Use(limiter.New(limiter.Config{
		Max:        300,
		Expiration: time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Method() == fiber.MethodOptions || !s.config.IsProduction()
		},
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return models.RespondWithError(c, fiber.StatusTooManyRequests,
				&models.AppError{Code: "RATE_LIMITED", Message: "Too many requests, please try again later."})
		},
	}))
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health/live", s.LivenessCheck)
	app.Get("/health/ready", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}
	app.Get("/metrics/dashboard", monitor.New(monitor.Config{Title: "Lineage Metrics"}))
	app.Get("/swagger/*", swagger.HandlerDefault)
	app.Static("/media", s.imageService.UploadDir())

	// Posts
	app.Get("/", s.ListPosts)
	app.Get("/search", middleware.RateLimit(s.redis, searchQuota), s.SearchPosts)
	app.Post("/create", s.AuthRequired(), s.CreatePost)

	// Specific /post/:id/:action routes before the generic /post/:id
	post := app.Group("/post")
	post.Post("/:id/update", s.AuthRequired(), s.UpdatePost)
	post.Post("/:id/delete", s.AuthRequired(), s.DeletePost)
	post.Post("/:id/toggle-active", s.AuthRequired(), s.ToggleActive)
	post.Post("/:id/review", s.AuthRequired(), middleware.RateLimit(s.redis, reviewQuota), s.CreateReview)
	post.Get("/:id/comments", s.ListComments)
	post.Post("/:id/comments", middleware.RateLimit(s.redis, commentQuota), s.CreateComment)
	post.Get("/:id", s.GetPost)

	app.Get("/review/:slug", s.GetReview)

	// Users; /profile must be registered before /:username
	users := app.Group("/users")
	users.Post("/register", middleware.RateLimit(s.redis, registerQuota), s.Register)
	users.Post("/login", middleware.RateLimit(s.redis, loginQuota), s.Login)
	users.Post("/logout", s.AuthRequired(), s.Logout)
	users.Get("/profile", s.AuthRequired(), s.GetProfile)
	users.Post("/profile/update", s.AuthRequired(), s.UpdateProfile)
	users.Post("/password/update", s.AuthRequired(), s.ChangePassword)
	users.Get("/", s.ListUsers)
	users.Get("/:username", s.GetUserDetail)

	admin := app.Group("/admin", s.AuthRequired(), s.AdminRequired())
	admin.Put("/users/:id/capabilities/:capability", s.GrantCapability)
	admin.Delete("/users/:id/capabilities/:capability", s.RevokeCapability)

	app.Get("/ws", s.AuthRequired(), s.WebsocketHandler())
}

// LivenessCheck handles liveness probe requests
func (s *Server) LivenessCheck(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "up",
		"time":   time.Now(),
	})
}

// ReadinessCheck reports whether the database and Redis answer a ping.
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	dbStatus := "healthy"
	if sqlDB, err := s.db.DB(); err != nil {
		dbStatus = "unhealthy"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "unhealthy"
	}

	redisStatus := "healthy"
	if s.redis == nil {
		redisStatus = "unavailable"
	} else if err := s.redis.Ping(ctx).Err(); err != nil {
		redisStatus = "unhealthy"
	}

	status := fiber.StatusOK
	overall := "healthy"
	if dbStatus != "healthy" || redisStatus != "healthy" {
		status = fiber.StatusServiceUnavailable
		overall = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overall,
		"checks": fiber.Map{
			"database": dbStatus,
			"redis":    redisStatus,
		},
		"time": time.Now(),
	})
}

// Start wires realtime delivery and listens on the configured port. It blocks
// until the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.shutdownCtx = ctx
	s.shutdownFn = cancel

	app := s.App()

	if s.notifier != nil {
		go func() {
			if err := s.hub.StartWiring(s.shutdownCtx, s.notifier); err != nil {
				middleware.Logger.Error("failed to start hub wiring",
					slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
			}
		}()
	}

	middleware.Logger.Info("server starting", slog.String("port", s.config.Port))
	return app.Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.shutdownFn != nil {
		s.shutdownFn()
	}

	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			middleware.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	// pending milestone mail is flushed before the stores go away
	if err := s.dispatcher.Stop(ctx); err != nil {
		middleware.Logger.Error("error stopping milestone dispatcher", slog.String("error", err.Error()))
	}
	if err := s.hub.Shutdown(ctx); err != nil {
		middleware.Logger.Error("error shutting down hub",
			slog.String("hub", s.hub.Name()), slog.String("error", err.Error()))
	}

	if sqlDB, err := s.db.DB(); err == nil {
		if cerr := sqlDB.Close(); cerr != nil {
			middleware.Logger.Error("error closing sql DB", slog.String("error", cerr.Error()))
		}
	}
	if s.redis != nil {
		if rerr := s.redis.Close(); rerr != nil {
			middleware.Logger.Error("error closing redis", slog.String("error", rerr.Error()))
		}
	}

	middleware.Logger.Info("server shutdown complete")
	return nil
}
