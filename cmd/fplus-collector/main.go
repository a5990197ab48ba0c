package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/lucaslui/hems/factoryplus"
	"github.com/lucaslui/hems/factoryplus/internal/backoff"
	"github.com/lucaslui/hems/factoryplus/internal/broker"
	"github.com/lucaslui/hems/factoryplus/internal/config"
	"github.com/lucaslui/hems/factoryplus/internal/database"
	"github.com/lucaslui/hems/factoryplus/internal/directory"
	"github.com/lucaslui/hems/factoryplus/internal/handler"
	"github.com/lucaslui/hems/factoryplus/internal/logger"
	"github.com/lucaslui/hems/factoryplus/internal/metrics"
	"github.com/lucaslui/hems/factoryplus/internal/runtime"
	"github.com/lucaslui/hems/factoryplus/internal/session"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal(logger.New(slog.LevelInfo), "config error", "err", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	log := logger.New(level)
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "err", err)
	}
	log.Info("starting fplus-collector", "config", cfg.String())

	ctx, cancel := runtime.SetupGracefulShutdown(context.Background(), log)
	defer cancel()

	if err := run(ctx, cfg, log); err != nil {
		logger.Fatal(log, "collector stopped with error", "err", err)
	}
	log.Info("collector stopped")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	g, gctx := errgroup.WithContext(ctx)

	cache, closeCache := buildCache(cfg, log)
	defer closeCache()
	if rc, ok := cache.(*directory.RedisCache); ok {
		g.Go(func() error {
			if err := rc.Listen(gctx); err != nil {
				log.Warn("resolver invalidation listener stopped", "err", err)
			}
			return nil
		})
	}

	opts := []factoryplus.Option{
		factoryplus.WithLogger(log),
		factoryplus.WithSessionOptions(sessionOptions(cfg, m)...),
	}
	if cache != nil {
		opts = append(opts, factoryplus.WithCache(cache))
	}
	if cfg.MQTTURL != "" {
		opts = append(opts, factoryplus.WithBrokerURL(cfg.MQTTURL))
	}
	client, err := factoryplus.New(cfg.DirectoryURL, directory.Credentials{
		Principal: cfg.ServiceUsername,
		Secret:    cfg.ServicePassword,
	}, opts...)
	if err != nil {
		return err
	}
	if r := client.Resolver(); r != nil {
		log.Info("using factory+ directory", "url", r.DirectoryURL())
	} else {
		log.Info("directory disabled, using fixed broker", "url", cfg.MQTTURL)
	}

	hopts := []handler.Option{handler.WithLogger(log), handler.WithMetrics(m)}

	if cfg.KafkaEnabled() {
		if cfg.KafkaEnsureTopics {
			if err := broker.EnsureKafkaTopics(ctx, cfg, log); err != nil {
				return err
			}
		}
		producer := broker.NewKafkaProducer(cfg)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Warn("kafka producer close", "err", err)
			}
		}()
		dispatcher := broker.NewKafkaDispatcher(producer.Main(), cfg.DispatcherCapacity, cfg.DispatcherMaxBatch,
			time.Duration(cfg.DispatcherTickMs)*time.Millisecond, log)
		dispatcher.OnFlush(func(_ int, err error) { m.Forward("kafka", err) })
		// runs before producer.Close so the last batch is written
		defer dispatcher.Stop()
		hopts = append(hopts, handler.WithKafka(dispatcher, producer))
	}

	if cfg.InfluxEnabled() {
		db := database.NewInfluxDB(cfg)
		defer db.Close()
		hopts = append(hopts, handler.WithInflux(db))
	}

	if esc := client.CommandEscalation(); esc != nil {
		hopts = append(hopts, handler.WithRebirth(esc, time.Minute))
	}
	h := handler.New(hopts...)

	var current atomic.Pointer[session.Session]

	g.Go(func() error {
		return serveOps(gctx, cfg.OpsAddr, reg, &current, log)
	})

	g.Go(func() error {
		return collect(gctx, cfg, client, h, &current, log)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// collect keeps a session open and feeds its events to h. When the session
// gives up reconnecting the broker is looked up again and a new session is
// opened.
func collect(ctx context.Context, cfg *config.Config, client *factoryplus.Client, h *handler.Handler, current *atomic.Pointer[session.Session], log *slog.Logger) error {
	for {
		s, err := connect(ctx, cfg, client, log)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		current.Store(s)

		err = h.Run(ctx, s.Events())
		current.Store(nil)
		s.Close()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, handler.ErrGaveUp) {
			return err
		}
		log.Warn("session ended, resolving broker again", "err", err)
		if r := client.Resolver(); r != nil {
			r.Invalidate(ctx, "mqtt")
		}
	}
}

// connect retries until a session is active or the broker rejects us for
// good.
func connect(ctx context.Context, cfg *config.Config, client *factoryplus.Client, log *slog.Logger) (*session.Session, error) {
	var s *session.Session
	policy := reconnectPolicy(cfg)
	policy.MaxAttempts = 0

	err := backoff.Retry(ctx, policy, func(int) error {
		sess, err := client.Connect(ctx, cfg.MQTTQoS, cfg.MQTTFilters...)
		if err != nil {
			var ce *session.ConnectError
			if errors.As(err, &ce) && ce.Fatal() {
				return backoff.Permanent(err)
			}
			return err
		}
		s = sess
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.Warn("mqtt connect failed, retrying", "attempt", attempt, "in", delay, "err", err)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func reconnectPolicy(cfg *config.Config) backoff.Policy {
	return backoff.Policy{
		Initial:     cfg.ReconnectInitial,
		Max:         cfg.ReconnectMax,
		Multiplier:  2,
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Jitter:      true,
	}
}

func sessionOptions(cfg *config.Config, m *metrics.Metrics) []session.Option {
	overflow, _ := session.ParseOverflowPolicy(cfg.OverflowPolicy)
	opts := []session.Option{
		session.WithBackoff(reconnectPolicy(cfg)),
		session.WithStaleAfter(cfg.AliasStaleAfter),
		session.WithBuffer(cfg.EventBuffer, overflow),
		session.WithKeepAlive(cfg.MQTTKeepAlive),
		session.WithConnectTimeout(cfg.MQTTConnectTimeout),
		session.WithTLSInsecure(cfg.MQTTTLSInsecure),
		session.WithMetrics(m),
	}
	if cfg.MQTTClientID != "" {
		opts = append(opts, session.WithClientID(cfg.MQTTClientID))
	}
	return opts
}

func buildCache(cfg *config.Config, log *slog.Logger) (directory.Cache, func()) {
	switch cfg.ResolverCache {
	case "memory":
		return directory.NewMemoryCache(64, cfg.ResolverCacheTTL), func() {}
	case "redis":
		rc := directory.NewRedisCache(directory.RedisOpts{
			Addr:              cfg.RedisAddr,
			Password:          cfg.RedisPassword,
			DB:                cfg.RedisDB,
			Namespace:         cfg.RedisNamespace,
			InvalidateChannel: cfg.RedisChannel,
			TTL:               cfg.ResolverCacheTTL,
			Logger:            log,
		})
		return rc, func() {
			if err := rc.Close(); err != nil {
				log.Warn("redis close", "err", err)
			}
		}
	}
	return nil, func() {}
}
