package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"boundary/internal/common/cache"
	"boundary/internal/common/db"
	commonmw "boundary/internal/common/http/middleware"
	"boundary/internal/common/mq"
	"boundary/internal/common/storage"
	"boundary/internal/governor"
	"boundary/internal/probe"
	"boundary/internal/runner"
	"boundary/internal/verifier/archive"
	"boundary/internal/verifier/bundle"
	"boundary/internal/verifier/controller"
	"boundary/internal/verifier/metrics"
	"boundary/internal/verifier/repository"
	"boundary/internal/verifier/service"
	"boundary/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/verifier_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		return
	}

	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		return
	}
	defer func() {
		_ = logger.Sync()
	}()

	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		logger.Error(context.Background(), "init database failed", zap.Error(err))
		return
	}
	defer func() {
		_ = mysqlDB.Close()
	}()

	redisCache, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
	if err != nil {
		logger.Error(context.Background(), "init redis failed", zap.Error(err))
		return
	}
	defer func() {
		_ = redisCache.Close()
	}()

	var objStorage *storage.MinIOStorage
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err = storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			logger.Error(context.Background(), "init minio failed", zap.Error(err))
			return
		}
	}

	var mqClient *mq.KafkaQueue
	if len(appCfg.Kafka.Brokers) > 0 {
		mqClient, err = mq.NewKafkaQueue(appCfg.Kafka.toMQConfig())
		if err != nil {
			logger.Error(context.Background(), "init kafka failed", zap.Error(err))
			return
		}
		defer func() {
			_ = mqClient.Close()
		}()
	}

	gov := governor.New(governor.Config{
		CgroupRoot:   appCfg.Governor.CgroupRoot,
		EnableCgroup: appCfg.Governor.EnableCgroup,
		Headroom:     appCfg.Governor.Headroom,
	})
	if gaps := gov.Capabilities().Gaps(); len(gaps) > 0 {
		logger.Warn(context.Background(), "resource governor runs degraded", zap.Strings("gaps", gaps))
	}

	probeRunner, err := runner.New(runner.Config{
		HelperPath:     appCfg.Runner.HelperPath,
		ScratchRoot:    appCfg.Runner.ScratchRoot,
		GraceMs:        appCfg.Runner.GraceMs,
		SampleMs:       appCfg.Runner.SampleMs,
		SeccompProfile: appCfg.Runner.SeccompProfile,
	}, gov)
	if err != nil {
		logger.Error(context.Background(), "init probe runner failed", zap.Error(err))
		return
	}

	var defaultCatalog probe.Catalog
	if appCfg.Catalog.Path != "" {
		defaultCatalog, err = probe.Load(appCfg.Catalog.Path)
		if err != nil {
			logger.Error(context.Background(), "load probe catalog failed", zap.Error(err))
			return
		}
	}

	statusRepo := repository.NewStatusRepository(redisCache, appCfg.Status.TTL)
	historyRepo := repository.NewHistoryRepository(mysqlDB, redisCache)
	if err := historyRepo.Migrate(context.Background()); err != nil {
		logger.Error(context.Background(), "migrate run history schema failed", zap.Error(err))
		return
	}
	recorder := metrics.NewRecorder(nil)
	rateLimiter := commonmw.NewRateLimiter(redisCache, appCfg.Rate.Window, appCfg.Redis.ReadTimeout)

	svcCfg := service.Config{
		Runner:         probeRunner,
		StatusRepo:     statusRepo,
		History:        historyRepo,
		Cache:          redisCache,
		Metrics:        recorder,
		Catalog:        defaultCatalog,
		EvidenceBucket: appCfg.MinIO.Bucket,
		MaxParallel:    appCfg.Suite.MaxParallel,
		PoolSize:       appCfg.Suite.PoolSize,
		SuiteTimeout:   appCfg.Suite.Timeout,
		StatusTimeout:  appCfg.Status.Timeout,
		ActiveLockTTL:  appCfg.Status.ActiveLockTTL,
	}
	if objStorage != nil {
		svcCfg.Storage = objStorage
		svcCfg.Archiver = archive.NewBuilder(objStorage, appCfg.MinIO.Bucket)
		if appCfg.Bundle.RootDir != "" {
			svcCfg.Bundles = bundle.NewCache(
				appCfg.Bundle.RootDir, appCfg.Bundle.TTL, appCfg.Bundle.LockWait,
				appCfg.Bundle.MaxEntries, appCfg.Bundle.MaxBytes,
				appCfg.MinIO.Bucket, objStorage, redisCache,
			)
		}
	}
	if mqClient != nil {
		svcCfg.Queue = mqClient
		svcCfg.RunTopic = appCfg.Kafka.RunTopic
		if appCfg.Kafka.BreachTopic != "" {
			svcCfg.BreachPublisher = repository.NewMQBreachEventPublisher(mqClient, appCfg.Kafka.BreachTopic)
		}
	}

	verifySvc, err := service.NewService(svcCfg)
	if err != nil {
		logger.Error(context.Background(), "init verifier service failed", zap.Error(err))
		return
	}

	if mqClient != nil {
		err = mqClient.SubscribeWithOptions(context.Background(), appCfg.Kafka.RunTopic, verifySvc.HandleMessage, &mq.SubscribeOptions{
			ConsumerGroup:   appCfg.Kafka.ConsumerGroup,
			PrefetchCount:   appCfg.Kafka.PrefetchCount,
			Concurrency:     appCfg.Kafka.Concurrency,
			MaxRetries:      appCfg.Kafka.MaxRetries,
			RetryDelay:      appCfg.Kafka.RetryDelay,
			DeadLetterTopic: appCfg.Kafka.DeadLetter,
			MessageTTL:      appCfg.Kafka.MessageTTL,
		})
		if err != nil {
			logger.Error(context.Background(), "subscribe kafka failed", zap.Error(err))
			return
		}
		if err := mqClient.Start(); err != nil {
			logger.Error(context.Background(), "start kafka consumer failed", zap.Error(err))
			return
		}
	}

	httpServer := buildHTTPServer(appCfg, verifySvc, recorder, rateLimiter)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		logger.Error(context.Background(), "init http listener failed", zap.Error(err))
		return
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "verifier http server started", zap.String("addr", appCfg.Server.Addr))
		errCh <- httpServer.Serve(listener)
	}()

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "http server stopped", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error(context.Background(), "http server shutdown failed", zap.Error(err))
	}
	if mqClient != nil {
		_ = mqClient.Stop()
	}
}

func buildHTTPServer(appCfg *AppConfig, svc *service.Service, recorder *metrics.Recorder, rateLimiter *commonmw.RateLimiter) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(recorder.Handler()))

	var verifier *commonmw.TokenVerifier
	if appCfg.Auth.Secret != "" {
		verifier = commonmw.NewTokenVerifier(appCfg.Auth.Secret, appCfg.Auth.Issuer)
	}
	adminRoles := appCfg.Auth.AdminRoles
	if len(adminRoles) == 0 {
		adminRoles = []string{"admin"}
	}

	submitPolicy := commonmw.RateLimitPolicy{
		Window:   appCfg.Rate.Window,
		UserMax:  appCfg.Rate.UserMax,
		IPMax:    appCfg.Rate.IPMax,
		RouteMax: appCfg.Rate.RouteMax,
	}

	runController := controller.NewRunController(svc)
	api := router.Group("/api/v1/verify")
	api.Use(commonmw.AuthMiddleware(verifier, commonmw.AuthPolicy{Mode: appCfg.Auth.Mode, Roles: appCfg.Auth.Roles}))
	api.POST("/runs", commonmw.RateLimitMiddleware(rateLimiter, "runs:create", submitPolicy, appCfg.Rate.Window), runController.Create)
	api.GET("/runs", runController.List)
	api.GET("/runs/:id", runController.GetStatus)
	api.GET("/runs/:id/report", runController.GetReport)
	api.GET("/runs/:id/stream", runController.Stream)
	api.POST("/runs/:id/ack", runController.Ack)
	api.GET("/stats", runController.Stats)
	api.GET("/catalog", runController.Catalog)

	admin := router.Group("/api/v1/verify")
	admin.Use(commonmw.AuthMiddleware(verifier, commonmw.AuthPolicy{Mode: appCfg.Auth.Mode, Roles: adminRoles}))
	admin.DELETE("/runs/:id", runController.Purge)

	return &http.Server{
		Addr:         appCfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  appCfg.Server.ReadTimeout,
		WriteTimeout: appCfg.Server.WriteTimeout,
		IdleTimeout:  appCfg.Server.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
