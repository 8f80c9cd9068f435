package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jrkphani/pipeline-pulse-sub001/handlers"
	"github.com/jrkphani/pipeline-pulse-sub001/models"
	"github.com/jrkphani/pipeline-pulse-sub001/services"
	"github.com/jrkphani/pipeline-pulse-sub001/utils"
	"github.com/jrkphani/pipeline-pulse-sub001/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	app := fiber.New(fiber.Config{
		ReadTimeout: 30 * time.Second,
	})

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Webhook-Token",
	}))

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database:", err)
	}

	if err := db.AutoMigrate(
		&models.Deal{},
		&models.SyncCursor{},
		&models.SyncRun{},
		&models.TokenRecord{},
		&models.ExchangeRate{},
	); err != nil {
		log.Fatal("failed to migrate database:", err)
	}

	// --- CRM access stack: token store, shared rate limiter, versioned client ---
	crmBaseURL := mustGetenv("CRM_BASE_URL")
	crmTokenURL := mustGetenv("CRM_ACCOUNTS_URL")
	crmClientID := mustGetenv("CRM_CLIENT_ID")
	crmClientSecret := mustGetenv("CRM_CLIENT_SECRET")
	crmVersion := getenvDefault("CRM_API_VERSION", "v8")
	crmModule := getenvDefault("CRM_MODULE", "Deals")

	repo := services.NewGormDealRepository(db)
	tokenStore := services.NewTokenStore(repo, crmClientID, crmClientSecret, crmTokenURL)
	limiter := services.NewRateLimiter(getenvInt("CRM_RATE_LIMIT_PER_MINUTE", 100), 0)

	crmClient, err := services.NewCrmClient(crmVersion, crmBaseURL, tokenStore, limiter)
	if err != nil {
		log.Fatal("failed to build CRM client: ", err)
	}
	log.Printf("✅ CRM client ready (backend %s, module %s)", crmVersion, crmModule)

	// --- Currency normalization ---
	rateAPIURL := mustGetenv("RATE_API_URL")
	reportingCurrency := getenvDefault("REPORTING_CURRENCY", "SGD")
	converter := services.NewCurrencyConverter(repo, rateAPIURL, reportingCurrency)

	// --- Sync engine ---
	healthCfg := services.LoadHealthConfig()
	bridge := services.NewDataBridge()
	orchestrator := services.NewSyncOrchestrator(
		repo, crmClient, bridge, converter, healthCfg, crmModule,
		time.Duration(getenvInt("SYNC_RUN_DEADLINE_MINUTES", 15))*time.Minute,
	)

	archiveReady, err := utils.InitArchive()
	if err != nil {
		log.Fatal("failed to initialize run archive: ", err)
	}
	if archiveReady {
		orchestrator.SetArchiver(func(ctx context.Context, run *models.SyncRun) {
			key, err := utils.UploadRunReport(ctx, run)
			if err != nil {
				log.Printf("⚠️ [ARCHIVE] Run report upload failed: %v", err)
				return
			}
			log.Printf("🗄️ [ARCHIVE] Run report stored at %s", key)
		})
		log.Println("✅ Sync-run archive enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler := workers.NewSyncScheduler(
		orchestrator, converter, repo, crmModule,
		time.Duration(getenvInt("SYNC_INTERVAL_MINUTES", 15))*time.Minute,
	)
	scheduler.Start(ctx)

	dealService := services.NewDealService(repo, crmClient, bridge, converter, healthCfg, scheduler, crmModule)

	handlers.SetupDealRoutes(app, dealService)
	handlers.SetupWebhookRoutes(app, dealService)

	port := getenvDefault("PORT", "5300")
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("✅ Server running on http://localhost:%s", port)
	log.Printf("✅ Sync scheduler running (every %dm, reporting in %s)",
		getenvInt("SYNC_INTERVAL_MINUTES", 15), reportingCurrency)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.ShutdownWithTimeout(10 * time.Second)
}

func mustGetenv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("%s environment variable not set", key)
	}
	return v
}

func getenvDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
