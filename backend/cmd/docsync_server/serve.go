package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/blame"
	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/httpapi/handlers"
	"docSyncServer/backend/internal/httpapi/middleware"
	"docSyncServer/backend/internal/patch"
	"docSyncServer/backend/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket sync server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(true)
	if err != nil {
		return err
	}
	defer st.Close()

	locker, presence, closeRedis, err := openRedis(ctx)
	if err != nil {
		return err
	}
	defer closeRedis()

	var publisher collab.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		// === 初始化 Kafka Producer ===
		kafkaCfg := sarama.NewConfig()
		// SyncProducer 必须开启 Return.Successes
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, cfg.Kafka.Dispatcher)
		defer dispatcher.Close()
		publisher = dispatcher
	} else {
		zap.S().Warn("kafka brokers not configured, document events are not published")
	}

	comp := compaction.NewService(st, locker, cfg.Compaction)
	mgr := collab.NewManager(st, comp, presence, publisher, cfg.Collab)
	defer mgr.Close()

	bl, err := blame.NewService(st, cfg.Blame)
	if err != nil {
		return err
	}
	comp.OnSnapshot(bl.OnSnapshot)

	rebaser, err := newRebaser()
	if err != nil {
		return err
	}
	applier := patch.NewApplier(mgr, st, rebaser, cfg.Patch.Config)
	gate := access.NewGate(st, access.NewTokenIssuer(cfg.Auth.JWTSecret))

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()
	comp.Start(workerCtx)
	bl.Start(workerCtx)

	hub := ws.NewHub()
	wsHandler := ws.NewHandler(hub, mgr, ws.NewUpgrader(cfg.CORS.AllowOrigins))

	r := gin.New()
	r.Use(ginzap.Ginzap(zap.L(), time.RFC3339, true))
	r.Use(ginzap.RecoveryWithZap(zap.L(), true))
	r.Use(cors.New(corsConfig(cfg.CORS.AllowOrigins)))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	handlers.New(handlers.Deps{
		Store:     st,
		Gate:      gate,
		Manager:   mgr,
		Compactor: comp,
		Patches:   applier,
		Blame:     bl,
		Presence:  presence,
	}).Register(v1)
	// 鉴权在升级之前完成
	v1.GET("/documents/:docId/sync", middleware.DocumentAccess(gate, access.RoleViewer), wsHandler.Sync)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	errCh := make(chan error, 1)
	go func() {
		zap.S().Infow("docsync server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.S().Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Running.ShutdownTimeout)
	defer cancel()
	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.S().Warnw("http shutdown failed", "error", err)
	}
	cancelWorkers()
	return nil
}

// openRedis 没配置地址时退回进程内实现，只适合单实例
func openRedis(ctx context.Context) (cache.Locker, cache.PresenceCache, func(), error) {
	addrs := cfg.Redis.Addrs
	if len(addrs) == 0 {
		zap.S().Warn("redis not configured, using in-process locks and presence")
		return cache.NewMemoryLocker(), cache.NewMemoryPresence(), func() {}, nil
	}
	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: cfg.Redis.Password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: cfg.Redis.Password,
		})
	}
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return cache.NewRedisLocker(rdb), cache.NewRedisPresence(rdb), func() { _ = rdb.Close() }, nil
}

func newRebaser() (patch.Rebaser, error) {
	switch cfg.Patch.RebaseStrategy {
	case "", "reanchor":
		return patch.ReanchorRebaser{}, nil
	case "http":
		if cfg.Patch.RebaseURL == "" {
			return nil, errors.New("patch.rebase_url is required for the http rebase strategy")
		}
		return patch.NewHTTPRebaser(cfg.Patch.RebaseURL, cfg.Patch.RebaseTimeout), nil
	case "none":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown patch.rebase_strategy %q", cfg.Patch.RebaseStrategy)
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Share-Link", "X-Share-Password"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowOriginFunc = func(origin string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}
	return c
}
