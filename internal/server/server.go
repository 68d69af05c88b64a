package server

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"gorm.io/gorm"

	"squiggy-backend/internal/auth"
	"squiggy-backend/internal/config"
	"squiggy-backend/internal/handler"
	"squiggy-backend/internal/presence"
	"squiggy-backend/internal/registry"
	"squiggy-backend/internal/room"
	"squiggy-backend/internal/whiteboard"
)

// Server wires the Fiber app together
type Server struct {
	app               *fiber.App
	cfg               *config.Config
	db                *gorm.DB
	jwtManager        *auth.JWTManager
	authHandler       *handler.AuthHandler
	whiteboardHandler *handler.WhiteboardHandler
	wsHandler         *handler.WhiteboardWSHandler
}

// New builds a Server with all handlers wired
func New(cfg *config.Config, db *gorm.DB) *Server {
	app := fiber.New(fiber.Config{
		AppName:       "Squiggy Whiteboard API",
		ServerHeader:  "Fiber",
		StrictRouting: true,
		CaseSensitive: true,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		IdleTimeout:   cfg.Server.IdleTimeout,
		Prefork:       false, // incompatible with WebSocket connections
		BodyLimit:     2 * 1024 * 1024,
	})

	jwtManager := auth.NewJWTManager(
		cfg.Auth.JWTSecret,
		cfg.Auth.AccessTokenExpiry,
		cfg.Auth.RefreshTokenExpiry,
	)
	googleAuth := auth.NewGoogleAuthenticator(cfg.Auth.GoogleClientID)

	// presence mirror is optional; the realtime core runs without Redis
	var presenceManager *presence.Manager
	if cfg.Redis.Enabled {
		ttl := time.Duration(cfg.Whiteboard.SessionMaxIdleMinutes) * time.Minute
		var err error
		presenceManager, err = presence.NewManager(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, ttl)
		if err != nil {
			log.Printf("Presence init failed: %v (presence mirror disabled)", err)
		} else {
			log.Printf("Presence mirror connected to %s", cfg.Redis.Addr)
		}
	} else {
		log.Println("Presence mirror not configured (REDIS_ENABLED=false)")
	}

	reg := registry.New(db)
	router := room.NewRouter()
	engine := whiteboard.NewEngine(db)

	return &Server{
		app:               app,
		cfg:               cfg,
		db:                db,
		jwtManager:        jwtManager,
		authHandler:       handler.NewAuthHandler(db, jwtManager, googleAuth, cfg.Auth.SecureCookie),
		whiteboardHandler: handler.NewWhiteboardHandler(db, engine, reg),
		wsHandler:         handler.NewWhiteboardWSHandler(reg, router, engine, presenceManager, cfg),
	}
}

// SetupMiddleware installs the shared middleware pipeline
func (s *Server) SetupMiddleware() {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(logger.New(logger.Config{
		Format:     "${time} | ${status} | ${latency} | ${ip} | ${method} ${path}\n",
		TimeFormat: "2006-01-02 15:04:05",
		TimeZone:   "UTC",
	}))

	s.app.Use(cors.New(cors.Config{
		AllowOrigins:     s.cfg.CORS.AllowOrigins,
		AllowHeaders:     s.cfg.CORS.AllowHeaders,
		AllowMethods:     "GET, POST, PUT, DELETE, OPTIONS",
		AllowCredentials: true,
	}))
}

// SetupRoutes installs all routes
func (s *Server) SetupRoutes() {
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	// brute-force protection on the sign-in endpoints
	authLimiter := limiter.New(limiter.Config{
		Max:        10,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "too many requests, please try again later",
			})
		},
	})

	authGroup := s.app.Group("/auth")
	authGroup.Post("/google", authLimiter, s.authHandler.GoogleLogin)
	authGroup.Post("/refresh", authLimiter, s.authHandler.RefreshToken)
	authGroup.Post("/logout", auth.AuthMiddleware(s.jwtManager), s.authHandler.Logout)
	authGroup.Get("/me", auth.AuthMiddleware(s.jwtManager), s.authHandler.GetMe)

	whiteboardGroup := s.app.Group("/api/whiteboards", auth.AuthMiddleware(s.jwtManager))
	whiteboardGroup.Get("/:id/elements", s.whiteboardHandler.GetElements)
	whiteboardGroup.Get("/:id/sessions", s.whiteboardHandler.GetSessions)

	// WebSocket upgrade guard
	s.app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	// Realtime whiteboard endpoint. Authentication happens before the
	// upgrade; an unauthenticated caller never reaches the socket handler.
	s.app.Get("/ws/whiteboard", func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}

		accessToken := c.Cookies("access_token")
		if accessToken == "" {
			// browsers cannot set headers on WebSocket, allow a query token
			accessToken = c.Query("token")
		}
		if accessToken == "" {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		claims, err := s.jwtManager.ValidateAccessToken(accessToken)
		if err != nil {
			return c.SendStatus(fiber.StatusUnauthorized)
		}

		c.Locals("userID", claims.UserID)
		c.Locals("nickname", claims.Nickname)

		return c.Next()
	}, websocket.New(s.wsHandler.HandleWebSocket, websocket.Config{
		ReadBufferSize:  s.cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: s.cfg.WebSocket.WriteBufferSize,
	}))
}

// Start runs the server until SIGINT/SIGTERM
func (s *Server) Start() error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := s.app.ShutdownWithTimeout(30 * time.Second); err != nil {
			log.Fatalf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("Squiggy Whiteboard API starting on %s", s.cfg.Server.Port)
	log.Printf("WebSocket endpoint: ws://localhost%s/ws/whiteboard", s.cfg.Server.Port)

	return s.app.Listen(s.cfg.Server.Port)
}

// Shutdown stops the server
func (s *Server) Shutdown() error {
	return s.app.ShutdownWithTimeout(30 * time.Second)
}
