// Command rsmqd runs a worker pool over rsmq queues and serves an admin
// endpoint with health, metrics and queue attributes.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/aura-studio/rsmq"
	"github.com/aura-studio/rsmq/internal/admin"
	"github.com/aura-studio/rsmq/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var configFile string
	flag.StringVar(&configFile, "config", "", "configuration file to load")
	flag.Parse()

	log := logrus.New()
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	level, _ := logrus.ParseLevel(cfg.Log.Level)
	log.SetLevel(level)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := rsmq.NewFromOptions(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	},
		rsmq.WithPrefix(cfg.Prefix),
		rsmq.WithLogger(log),
		rsmq.WithMetrics(rsmq.NewMetrics(reg)),
		rsmq.WithScripting(cfg.Script),
		rsmq.WithEvents(cfg.Events),
	)
	defer client.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = client.Redis().Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatalf("redis ping %s: %v", cfg.Redis.Addr, err)
	}

	for _, q := range cfg.Queues {
		err := client.CreateQueue(ctx, q.Name, q.QueueOptions()...)
		switch {
		case err == nil:
			log.WithField("queue", q.Name).Info("queue created")
		case errors.Is(err, rsmq.ErrQueueExists):
			log.WithField("queue", q.Name).Debug("queue already exists")
		default:
			log.Fatalf("create queue %s: %v", q.Name, err)
		}
	}

	var pool *rsmq.WorkerPool
	poolOpts := []rsmq.PoolOption{
		rsmq.WithMaxWorkers(cfg.Workers.Max),
		rsmq.WithMinWorkers(cfg.Workers.Min),
		rsmq.WithPollInterval(cfg.Workers.PollInterval()),
		rsmq.WithQueues(cfg.QueueNames()...),
	}
	if d := cfg.Workers.QueueIdle(); d > 0 {
		poolOpts = append(poolOpts, rsmq.WithQueueIdleTimeout(d))
	}
	if d := cfg.Workers.WorkerIdle(); d > 0 {
		poolOpts = append(poolOpts, rsmq.WithWorkerIdleTimeout(d))
	}
	if cfg.Events || len(cfg.Queues) > 0 {
		pool = rsmq.NewWorkerPool(client, logHandler(log), poolOpts...)
		if err := pool.Start(ctx); err != nil {
			log.Fatalf("start worker pool: %v", err)
		}
		defer pool.Stop()
	} else {
		log.Warn("events disabled and no static queues configured; worker pool not started")
	}

	var stats admin.Stats
	if pool != nil {
		stats = pool
	}
	httpSrv := &http.Server{
		Addr:              cfg.Admin.Addr,
		Handler:           admin.NewRouter(client, stats, reg, log),
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Infof("admin server listening on %s", cfg.Admin.Addr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("admin server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// logHandler acknowledges every message after logging it.
func logHandler(log logrus.FieldLogger) rsmq.Handler {
	return func(ctx context.Context, queue string, msg *rsmq.Message) error {
		log.WithFields(logrus.Fields{
			"queue": queue,
			"id":    msg.ID,
			"rc":    msg.ReceiveCount,
			"size":  len(msg.Body),
		}).Info("message received")
		return nil
	}
}
