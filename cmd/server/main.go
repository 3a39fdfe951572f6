package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"spreadmarket/internal/accounts"
	"spreadmarket/internal/auth"
	"spreadmarket/internal/config"
	cronrunner "spreadmarket/internal/cron"
	"spreadmarket/internal/db"
	"spreadmarket/internal/exchange"
	"spreadmarket/internal/handler"
	"spreadmarket/internal/logger"
	gormrepository "spreadmarket/internal/repository/gorm"

	_ "spreadmarket/docs"
)

func main() {
	cfgPath := os.Getenv("SM_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("SM_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)

	startingBalance, err := decimal.NewFromString(strings.TrimSpace(cfg.Accounts.StartingBalance))
	if err != nil {
		logger.Fatal("invalid accounts.starting_balance", zap.Error(err))
	}
	directory := &accounts.Directory{
		Repo:            store,
		Logger:          logger,
		StartingBalance: startingBalance,
	}
	if err := directory.EnsureAdmin(context.Background(), cfg.Accounts.AdminUsername, cfg.Accounts.AdminEmail, cfg.Accounts.AdminPassword); err != nil {
		logger.Warn("bootstrap admin failed", zap.Error(err))
	}
	ledger := &accounts.Ledger{Repo: store, Logger: logger}

	clock := exchange.SystemClock{}
	lifecycle := &exchange.LifecycleEngine{
		Repo:       store,
		Directory:  directory,
		Clock:      clock,
		Logger:     logger,
		SweepLimit: cfg.Lifecycle.SweepLimit,
	}
	validator := &exchange.TradeValidator{
		Repo:      store,
		Lifecycle: lifecycle,
		Directory: directory,
		Clock:     clock,
		Logger:    logger,
	}
	settlement := &exchange.SettlementEngine{
		Repo:      store,
		Lifecycle: lifecycle,
		Ledger:    ledger,
		Clock:     clock,
		Logger:    logger,
	}

	secret := strings.TrimSpace(cfg.Auth.Secret)
	if secret == "" {
		secret = uuid.NewString()
		logger.Warn("auth.secret not configured; using an ephemeral secret, sessions will not survive restarts")
	}
	tokens := auth.JWT{
		Secret:   []byte(secret),
		TokenTTL: cfg.Auth.TokenTTL,
		Issuer:   cfg.Auth.Issuer,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(auth.RequestID())
	engine.Use(writeLogMiddleware(logger))

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm, AppName: cfg.App.Name, Env: cfg.App.Env}
	healthHandler.Register(engine)
	accountHandler := &handler.AccountHandler{Directory: directory, Repo: store, Tokens: tokens, Logger: logger}
	accountHandler.Register(engine)
	marketHandler := &handler.MarketHandler{Repo: store, Lifecycle: lifecycle, Tokens: tokens, Logger: logger}
	marketHandler.Register(engine)
	bidHandler := &handler.BidHandler{Repo: store, Lifecycle: lifecycle, Tokens: tokens, Logger: logger}
	bidHandler.Register(engine)
	tradeHandler := &handler.TradeHandler{Repo: store, Validator: validator, Tokens: tokens, Logger: logger}
	tradeHandler.Register(engine)
	settlementHandler := &handler.SettlementHandler{Engine: settlement, Tokens: tokens, Logger: logger}
	settlementHandler.Register(engine)

	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: engine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	if cfg.Cron.Enabled {
		_, err := cronRunner.Add("lifecycle_sweep", cfg.Cron.LifecycleSweep, func(ctx context.Context) {
			if err := lifecycle.SweepDue(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("lifecycle sweep failed", zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("cron register lifecycle sweep failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

// writeLogMiddleware logs mutating API calls with the request id so balance
// and lifecycle changes can be traced back to a request.
func writeLogMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		method := strings.ToUpper(c.Request.Method)
		if !strings.HasPrefix(path, "/api/") {
			return
		}
		if method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions {
			return
		}

		requestID, _ := c.Get(auth.RequestIDKey)
		logger.Info("api write",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.Any("request_id", requestID),
		)
	}
}
