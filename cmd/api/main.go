package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"medex/internal/domain"
	"medex/internal/earnings"
	"medex/internal/handler"
	"medex/internal/idempotency"
	"medex/internal/ledger"
	"medex/internal/middleware"
	"medex/internal/payment"
	"medex/internal/repository/postgres"
	"medex/internal/rules"
	"medex/internal/scheduler"
	"medex/internal/subscription"
	"medex/internal/workflow"
	"medex/pkg/config"
	"medex/pkg/logger"
	"medex/pkg/validator"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logger.New("medex-api")

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting medex API", map[string]interface{}{
		"port": cfg.Server.Port,
	})

	// Database connection
	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	log.Info("Database connected", nil)

	// Redis connection
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("Redis connected", nil)

	// Repositories
	guard := rules.NewGuard()
	txRunner := postgres.NewTxRunner(db)
	walletRepo := postgres.NewWalletRepository(db)
	ledgerRepo := postgres.NewLedgerRepository(db)
	idemRepo := postgres.NewIdempotencyRepository(db)
	topupRepo := postgres.NewTopUpRepository(db)
	courierRepo := postgres.NewCourierRepository(db)
	exchangeRepo := postgres.NewExchangeRepository(db, guard)
	deliveryRepo := postgres.NewDeliveryRepository(db, guard)
	subRepo := postgres.NewSubscriptionRepository(db)
	auditRepo := postgres.NewAuditRepository(db)

	// Services
	idemGuard := idempotency.NewGuard(idemRepo)
	provider := payment.NewHTTPProvider(cfg.Provider)

	ledgerService := ledger.NewService(txRunner, walletRepo, ledgerRepo, idemGuard, log)
	paymentService := payment.NewService(txRunner, topupRepo, ledgerService, subRepo, idemGuard, provider, auditRepo, cfg.Provider, log)
	earningsService := earnings.NewService(txRunner, courierRepo, provider, auditRepo, cfg.Earnings, cfg.Fees, log)
	deliveryService := workflow.NewDeliveryService(txRunner, deliveryRepo, exchangeRepo, courierRepo, ledgerService, earningsService, auditRepo, log)
	exchangeService := workflow.NewExchangeService(txRunner, exchangeRepo, deliveryRepo, cfg.Fees, log)
	subscriptionService := subscription.NewService(txRunner, subRepo, ledgerService, idemGuard, log)

	// Background maturation sweep
	sched := scheduler.NewScheduler(earningsService, cfg.Earnings.MaturationEvery, log)
	sched.Start()
	defer sched.Stop()

	// Handlers
	val := validator.New()
	walletHandler := handler.NewWalletHandler(ledgerService, val, log)
	paymentHandler := handler.NewPaymentHandler(paymentService, val, log)
	earningsHandler := handler.NewEarningsHandler(earningsService, val, log)
	exchangeHandler := handler.NewExchangeHandler(exchangeService, val, log)
	deliveryHandler := handler.NewDeliveryHandler(deliveryService, val, log)
	subscriptionHandler := handler.NewSubscriptionHandler(subscriptionService, val, log)
	adminHandler := handler.NewAdminHandler(earningsService, auditRepo, log)
	healthHandler := handler.NewHealthHandler(db, redisClient)

	// Router
	r := mux.NewRouter()

	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.BodyLimit(1 << 20))
	r.Use(middleware.NewRateLimiter(redisClient, cfg.RateLimit.PublicPerWindow, cfg.RateLimit.Window).Limit)

	// Unauthenticated surface
	r.HandleFunc("/health", healthHandler.Liveness).Methods("GET")
	r.HandleFunc("/ready", healthHandler.Readiness).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/webhooks/payment", paymentHandler.Webhook).Methods("POST")

	// Authenticated surface
	blacklist := middleware.NewRedisTokenBlacklist(redisClient)
	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret, blacklist)
	idemMW := middleware.NewIdempotencyMiddleware(redisClient, 24*time.Hour, log)
	auditMW := middleware.NewAuditMiddleware(auditRepo, log)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)
	api.Use(auditMW.Audit)
	api.Use(middleware.NewRateLimiter(redisClient, cfg.RateLimit.AuthedPerWindow, cfg.RateLimit.Window).Limit)

	// Wallets and ledger
	api.HandleFunc("/wallets", walletHandler.CreateWallet).Methods("POST")
	api.HandleFunc("/wallets/me", walletHandler.GetMyWallet).Methods("GET")
	api.HandleFunc("/wallets/me/entries", walletHandler.ListMyEntries).Methods("GET")
	api.HandleFunc("/ledger/entries/{id}", walletHandler.GetEntry).Methods("GET")

	// Top-ups: double-submit protection on top of the transactional guard
	api.Handle("/topups", idemMW.Require(http.HandlerFunc(paymentHandler.InitiateTopUp))).Methods("POST")
	api.HandleFunc("/topups/{tx_ref}", paymentHandler.GetTopUp).Methods("GET")

	// Exchanges
	api.HandleFunc("/exchanges", exchangeHandler.CreateExchange).Methods("POST")
	api.HandleFunc("/exchanges", exchangeHandler.ListOpenExchanges).Methods("GET")
	api.HandleFunc("/exchanges/mine", exchangeHandler.ListMyExchanges).Methods("GET")
	api.HandleFunc("/exchanges/{id}", exchangeHandler.GetExchange).Methods("GET")
	api.HandleFunc("/exchanges/{id}/submit", exchangeHandler.SubmitExchange).Methods("POST")
	api.HandleFunc("/exchanges/{id}/respond", exchangeHandler.RespondToExchange).Methods("POST")

	// Deliveries
	api.HandleFunc("/deliveries/acceptable", deliveryHandler.ListAcceptable).Methods("GET")
	api.HandleFunc("/deliveries/{id}", deliveryHandler.GetDelivery).Methods("GET")
	api.HandleFunc("/deliveries/{id}/payments", deliveryHandler.GetPartyPayments).Methods("GET")
	api.HandleFunc("/deliveries/{id}/accept", deliveryHandler.AcceptDelivery).Methods("POST")
	api.HandleFunc("/deliveries/{id}/status", deliveryHandler.UpdateStatus).Methods("PATCH")
	api.HandleFunc("/deliveries/{id}/pay", deliveryHandler.PayFee).Methods("POST")

	// Courier earnings
	courierAPI := api.PathPrefix("/courier").Subrouter()
	courierAPI.Use(middleware.RequireRole(domain.RoleCourier, domain.RoleAdmin))
	courierAPI.HandleFunc("/wallet", earningsHandler.GetMyWallet).Methods("GET")
	courierAPI.HandleFunc("/earnings", earningsHandler.ListMyEarnings).Methods("GET")
	courierAPI.Handle("/payouts", idemMW.Require(http.HandlerFunc(earningsHandler.RequestPayout))).Methods("POST")
	courierAPI.HandleFunc("/payouts/{id}", earningsHandler.GetPayout).Methods("GET")

	// Subscriptions
	api.HandleFunc("/plans", subscriptionHandler.ListPlans).Methods("GET")
	api.HandleFunc("/plans/{id}", subscriptionHandler.GetPlan).Methods("GET")
	api.HandleFunc("/subscriptions/me", subscriptionHandler.GetMySubscription).Methods("GET")
	api.HandleFunc("/subscriptions/payment-requests", subscriptionHandler.CreatePaymentRequest).Methods("POST")
	api.HandleFunc("/subscriptions/activate", subscriptionHandler.Activate).Methods("POST")

	// Admin
	adminAPI := api.PathPrefix("/admin").Subrouter()
	adminAPI.Use(middleware.RequireRole(domain.RoleAdmin))
	adminAPI.HandleFunc("/earnings/mature", adminHandler.MatureEarnings).Methods("POST")
	adminAPI.HandleFunc("/audit-logs", adminHandler.GetAuditLogs).Methods("GET")
	adminAPI.HandleFunc("/deliveries/{id}/refund", deliveryHandler.Refund).Methods("POST")

	srv := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server listening", map[string]interface{}{
			"addr": srv.Addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Forced shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Server stopped", nil)
}
