package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ksred/klear-queue/internal/auth"
	"github.com/ksred/klear-queue/internal/calendar"
	"github.com/ksred/klear-queue/internal/config"
	"github.com/ksred/klear-queue/internal/database"
	"github.com/ksred/klear-queue/internal/notify"
	"github.com/ksred/klear-queue/internal/orders"
	"github.com/ksred/klear-queue/internal/scheduler"
	"github.com/ksred/klear-queue/internal/settlement"
	"github.com/ksred/klear-queue/pkg/middleware"
)

// Development credentials registered when the config names no clients
const (
	devAPIKey    = "test-api-key"
	devAPISecret = "test-api-secret"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

type handlers struct {
	auth          *auth.GinHandlers
	orders        *orders.GinHandlers
	settlement    *settlement.GinHandlers
	notifications *notify.GinHandlers
	scheduler     *scheduler.GinHandlers
}

// main runs the order queue API and the market-hours scheduler until
// SIGINT/SIGTERM, then drains both
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil && os.Getenv("DEBUG") != "true" {
		zerolog.SetGlobalLevel(level)
	}

	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	calendarCfg, err := cfg.CalendarConfig()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid market calendar")
	}
	cal, err := calendar.New(calendarCfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Invalid market calendar")
	}

	// Notifications: database inbox and log always, Kafka and Redis when configured
	inbox := notify.NewDatabase(db)
	sinks := notify.Multi{inbox, notify.Log{}}

	var kafkaNotifier *notify.Kafka
	if len(cfg.Notify.Kafka.Brokers) > 0 {
		kafkaNotifier = notify.NewKafka(cfg.Notify.Kafka.Brokers, cfg.Notify.Kafka.Topic)
		sinks = append(sinks, kafkaNotifier)
		zlog.Info().Strs("brokers", cfg.Notify.Kafka.Brokers).Str("topic", cfg.Notify.Kafka.Topic).Msg("Kafka notifications enabled")
	}

	var redisClient *redis.Client
	if cfg.Notify.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Notify.Redis.Addr,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
		})
		sinks = append(sinks, notify.NewRedis(redisClient, cfg.Notify.Redis.ChannelPrefix))
		zlog.Info().Str("addr", cfg.Notify.Redis.Addr).Msg("Redis notifications enabled")
	}

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	registerClients(authService, cfg.Auth.Clients)

	orderService := orders.NewService(db, cal)
	settlementService := settlement.NewService(db)

	executor := settlement.NewExecutor(db, orderService.Store(), sinks,
		settlement.WithTimeout(cfg.Scheduler.SettlementTimeout),
	)
	sched := scheduler.New(cal, orderService.Store(), executor, sinks,
		scheduler.WithInterval(cfg.Scheduler.SweepInterval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Scheduler.Autostart {
		if err := sched.Start(ctx); err != nil {
			zlog.Fatal().Err(err).Msg("Failed to start scheduler")
		}
	}

	router := gin.Default()
	setupRoutes(router, authService, handlers{
		auth:          auth.NewGinHandlers(authService),
		orders:        orders.NewGinHandlers(orderService),
		settlement:    settlement.NewGinHandlers(settlementService),
		notifications: notify.NewGinHandlers(inbox),
		scheduler:     scheduler.NewGinHandlers(sched),
	})

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zlog.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zlog.Info().Msg("Shutting down server...")

		// Give outstanding requests 5 seconds to complete
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)

		// Waits for an in-flight sweep to commit
		sched.Stop()

		if kafkaNotifier != nil {
			if err := kafkaNotifier.Close(); err != nil {
				zlog.Warn().Err(err).Msg("Failed to close Kafka writer")
			}
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				zlog.Warn().Err(err).Msg("Failed to close Redis client")
			}
		}
		return err
	})

	if err := g.Wait(); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

func registerClients(authService *auth.Service, clients []config.APICredential) {
	if len(clients) == 0 {
		zlog.Warn().Str("api_key", devAPIKey).Msg("No API clients configured, registering development operator credentials")
		authService.RegisterAPICredentials(devAPIKey, devAPISecret, auth.PermissionOperator)
		return
	}

	for _, client := range clients {
		if client.Operator {
			authService.RegisterAPICredentials(client.APIKey, client.APISecret, auth.PermissionOperator)
			continue
		}
		authService.RegisterAPICredentials(client.APIKey, client.APISecret)
	}
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: Public endpoints for authentication
// - User routes: Protected by JWT authentication
// - Internal routes: Operator tokens only
func setupRoutes(router *gin.Engine, authService *auth.Service, h handlers) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		user := v1.Group("")
		// Rate limiting runs after JWTAuth so buckets are keyed by user
		user.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			user.POST("/orders", h.orders.PlaceOrderHandler())
			user.GET("/orders", h.orders.ListOrdersHandler())
			user.GET("/orders/:order_id", h.orders.GetOrderHandler())

			user.GET("/portfolio", h.settlement.GetPortfolioHandler())
			user.GET("/transactions", h.settlement.ListTransactionsHandler())

			user.GET("/notifications", h.notifications.ListHandler())
			user.POST("/notifications/:notification_id/read", h.notifications.MarkReadHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(authService))
		{
			internal.POST("/accounts/:user_id/deposit", h.settlement.DepositHandler())

			internal.GET("/scheduler/status", h.scheduler.StatusHandler())
			internal.PUT("/scheduler/schedule", h.scheduler.UpdateScheduleHandler())
			internal.POST("/scheduler/start", h.scheduler.StartHandler())
			internal.POST("/scheduler/stop", h.scheduler.StopHandler())
			internal.POST("/scheduler/sweep", h.scheduler.SweepHandler())
		}
	}
}
