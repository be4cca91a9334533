package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gestordoc/backend/internal/config"
	"github.com/gestordoc/backend/internal/database"
	"github.com/gestordoc/backend/internal/handlers"
	"github.com/gestordoc/backend/internal/middleware"
	"github.com/gestordoc/backend/internal/models"
	"github.com/gestordoc/backend/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"golang.org/x/crypto/bcrypt"
)

const (
	documentChunkSize   = 5 * 1024 * 1024
	documentMaxFileSize = 10 * 1024 * 1024 * 1024
	avatarChunkSize     = 2 * 1024 * 1024
	avatarMaxFileSize   = 100 * 1024 * 1024
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Persist JWT secret so sessions survive restarts
	cfg.JWTSecret = database.EnsureJWTSecret(cfg)

	// Seed admin user if not exists
	seedAdminUser()

	// Make sure this server's own sucursal is registered
	seedLocalSucursal(cfg)

	// Upload stores: documents plus the smaller per-user avatar store
	documentStore := services.NewUploadStore(
		filepath.Join(cfg.UploadsDir, "sessions"),
		filepath.Join(cfg.UploadsDir, "files"),
		documentChunkSize, documentMaxFileSize,
	)
	avatarStore := services.NewUserUploadStore(
		filepath.Join(cfg.UploadsDir, "users"),
		avatarChunkSize, avatarMaxFileSize,
	)

	// Background services
	errorLogSvc := services.NewErrorLogService(cfg.SucursalName)
	backupSvc := services.NewBackupService(cfg, errorLogSvc)

	reaperSvc := services.NewSessionReaperService(cfg.SessionTTLHours, documentStore, avatarStore)
	reaperSvc.Start()

	syncSvc := services.NewSucursalSyncService(cfg.SucursalName, cfg.SyncIntervalHours, backupSvc, errorLogSvc)
	syncSvc.Start()

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "GestorDoc API v1.0",
		ServerHeader: "GestorDoc",
		BodyLimit:    50 * 1024 * 1024, // 50MB
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"success": false,
				"message": err.Error(),
			})
		},
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger())
	app.Use(middleware.CORS())

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "healthy",
			"service":  "gestordoc-api",
			"sucursal": cfg.SucursalName,
		})
	})

	// Initialize handlers
	authHandler := handlers.NewAuthHandler(cfg)
	twoFAHandler := handlers.NewTwoFAHandler(cfg.SucursalName)
	uploadHandler := handlers.NewUploadHandler(documentStore, avatarStore, errorLogSvc)
	fileHandler := handlers.NewFileHandler()
	backupHandler := handlers.NewBackupHandler(backupSvc)
	sucursalHandler := handlers.NewSucursalHandler(cfg.SucursalName, errorLogSvc)

	// API routes
	api := app.Group("/api")

	// Apply rate limiting to API routes (100 requests per minute by default)
	api.Use(middleware.RateLimiter(100, 1*time.Minute))

	// Public routes
	api.Post("/auth/login", authHandler.Login)

	// Peer routes (unauthenticated, branches do not share credentials)
	api.Post("/backups/receive", backupHandler.Receive)
	api.Post("/sucursals/notify-new", sucursalHandler.NotifyNew)
	api.Get("/sucursals/current/info", sucursalHandler.CurrentInfo)
	api.Get("/sucursals", sucursalHandler.List)
	api.Post("/error-logs/receive", sucursalHandler.ReceiveErrorLogs)

	// Protected routes
	protected := api.Group("", middleware.AuthRequired(cfg))

	// Auth routes
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/auth/me", authHandler.Me)
	protected.Put("/auth/password", authHandler.ChangePassword)

	// 2FA routes
	protected.Get("/auth/2fa/status", twoFAHandler.Status)
	protected.Post("/auth/2fa/setup", twoFAHandler.Setup)
	protected.Post("/auth/2fa/verify", twoFAHandler.Verify)
	protected.Post("/auth/2fa/disable", twoFAHandler.Disable)

	// Upload routes
	uploads := protected.Group("/uploads", middleware.WriteAccess())
	uploads.Post("/sessions", uploadHandler.CreateSession)
	uploads.Post("/chunk", uploadHandler.UploadChunk)
	uploads.Post("/complete", uploadHandler.Complete)
	uploads.Get("/sessions/:id", uploadHandler.Progress)
	uploads.Delete("/sessions/:id", uploadHandler.Abandon)
	uploads.Post("/avatar/sessions", uploadHandler.CreateAvatarSession)
	uploads.Post("/avatar/chunk", uploadHandler.UploadAvatarChunk)
	uploads.Post("/avatar/complete", uploadHandler.CompleteAvatar)

	// File routes
	protected.Get("/files", fileHandler.List)
	protected.Get("/files/:filename/download", fileHandler.Download)
	protected.Delete("/files/:id", middleware.WriteAccess(), fileHandler.Delete)
	protected.Get("/folders", fileHandler.ListFolders)
	protected.Post("/folders", middleware.WriteAccess(), fileHandler.CreateFolder)

	// Backup routes (admin only)
	backups := protected.Group("/backups", middleware.AdminOnly())
	backups.Post("/create", backupHandler.Create)
	backups.Get("/status", backupHandler.Status)
	backups.Post("/sync", backupHandler.Sync)
	backups.Post("/cleanup", backupHandler.Cleanup)
	backups.Get("/", backupHandler.List)
	backups.Delete("/:filename", backupHandler.Delete)

	// Sucursal routes (admin only)
	sucursals := protected.Group("/sucursals", middleware.AdminOnly())
	sucursals.Get("/:id", sucursalHandler.Get)
	sucursals.Post("/", sucursalHandler.Create)
	sucursals.Put("/:id", sucursalHandler.Update)
	sucursals.Delete("/:id", sucursalHandler.Delete)
	sucursals.Post("/:id/connect", sucursalHandler.Connect)
	sucursals.Delete("/:id/disconnect/:targetId", sucursalHandler.Disconnect)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		syncSvc.Stop()
		reaperSvc.Stop()
		app.Shutdown()
	}()

	// Start server
	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Printf("Starting GestorDoc API server on %s (sucursal: %s)", addr, cfg.SucursalName)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func seedAdminUser() {
	var count int64
	database.DB.Model(&models.User{}).Where("user_type = ?", models.UserTypeAdmin).Count(&count)

	if count == 0 {
		log.Println("Creating default admin user...")

		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)

		admin := models.User{
			Username:            "admin",
			Password:            string(hashedPassword),
			Email:               "admin@gestordoc.local",
			FullName:            "System Administrator",
			UserType:            models.UserTypeAdmin,
			ForcePasswordChange: true,
			IsActive:            true,
		}

		if err := database.DB.Create(&admin).Error; err != nil {
			log.Printf("Failed to create admin user: %v", err)
		} else {
			log.Println("Admin user created successfully (username: admin, password: admin123)")
		}
	}
}

func seedLocalSucursal(cfg *config.Config) {
	var count int64
	database.DB.Model(&models.Sucursal{}).Where("name = ?", cfg.SucursalName).Count(&count)

	if count == 0 {
		sucursal := models.Sucursal{
			Name:      cfg.SucursalName,
			ServerURL: os.Getenv("SUCURSAL_SERVER_URL"),
		}
		if err := database.DB.Create(&sucursal).Error; err != nil {
			log.Printf("Failed to register local sucursal: %v", err)
		} else {
			log.Printf("Registered local sucursal %s", cfg.SucursalName)
		}
	}
}
