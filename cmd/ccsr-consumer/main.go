package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/ccsr/internal/circuitbreaker"
	"github.com/lsm/ccsr/internal/config"
	"github.com/lsm/ccsr/internal/consumer"
	"github.com/lsm/ccsr/internal/dlq"
	"github.com/lsm/ccsr/internal/observability"
	"github.com/lsm/ccsr/internal/progress"
	"github.com/lsm/ccsr/internal/schema"
	"github.com/lsm/ccsr/internal/tracing"
	kafkatransport "github.com/lsm/ccsr/internal/transport/kafka"
)

const serviceName = "ccsr-consumer"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configFlag      = flag.String("config", "", "Path to config file. Can also be set via CCSR_CONFIG env var.")
		topicFlag       = flag.String("topic", "", "Override the topic to consume")
		metricsAddrFlag = flag.String("metrics-addr", "", "Override the metrics/health listen address")
		logLevelFlag    = flag.String("log-level", "", "Log level (debug, info, warn, error). Can also be set via CCSR_LOG_LEVEL env var.")
	)
	flag.Parse()

	var level slog.LevelVar
	level.Set(observability.ResolveLogLevel(*logLevelFlag, ""))
	logger := observability.NewLogger(serviceName, &level)
	slog.SetDefault(logger)

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("CCSR_CONFIG")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *topicFlag != "" {
		cfg.Topic = *topicFlag
	}
	if *metricsAddrFlag != "" {
		cfg.MetricsAddr = *metricsAddrFlag
	}
	level.Set(observability.ResolveLogLevel(*logLevelFlag, cfg.LogLevel))

	logger.Info("loaded config",
		"topic", cfg.Topic,
		"group", cfg.GroupID,
		"brokers", cfg.Kafka.Brokers,
		"registry", cfg.SchemaRegistry.URL,
		"log_level", level.Level().String(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	tracer, shutdownTracing, err := tracing.Initialize(tracing.GetConfig(serviceName), logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	health := observability.NewHealthServer()

	registry, breaker, err := buildRegistry(cfg, metrics, logger)
	if err != nil {
		return err
	}
	if breaker != nil {
		health.AddCheck("schema-registry", func() error {
			if breaker.State() == circuitbreaker.Open {
				return circuitbreaker.ErrCircuitOpen
			}
			return nil
		})
	}

	cache, err := schema.NewCache(registry,
		schema.WithMaxSize(cfg.SchemaRegistry.MaxCacheSize),
		schema.WithCacheLogger(logger),
		schema.WithCacheMetrics(metrics),
		schema.WithCacheTracer(tracer),
	)
	if err != nil {
		return fmt.Errorf("schema cache: %w", err)
	}

	var decoderOpts []schema.DecoderOption
	if path := cfg.SchemaRegistry.ReaderSchemaFile; path != "" {
		text, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return fmt.Errorf("read reader schema: %w", err)
		}
		readerSchema, err := schema.Parse(0, text)
		if err != nil {
			return fmt.Errorf("reader schema %s: %w", path, err)
		}
		decoderOpts = append(decoderOpts, schema.WithReaderSchema(readerSchema))
		logger.Info("using reader schema", "name", readerSchema.Name, "fields", len(readerSchema.Fields))
	}
	decoder := schema.NewDecoder(cache, decoderOpts...)

	checker, err := kafkatransport.NewTopicChecker(&cfg.Kafka, []string{cfg.Topic})
	if err != nil {
		return fmt.Errorf("topic checker: %w", err)
	}
	defer checker.Close()
	health.AddCheck("topic", func() error {
		checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer checkCancel()
		return checker.Check(checkCtx)
	})
	if counts, err := checker.Partitions(ctx); err != nil {
		logger.Warn("could not describe topic", "topic", cfg.Topic, "error", err)
	} else {
		logger.Info("topic partitions", "partitions", counts)
	}

	transport, err := kafkatransport.NewTransport(kafkatransport.Config{
		Cluster:        &cfg.Kafka,
		GroupID:        cfg.GroupID,
		OffsetReset:    cfg.OffsetReset,
		MaxPollRecords: cfg.Consumer.MaxPollRecords,
	}, logger)
	if err != nil {
		return fmt.Errorf("kafka transport: %w", err)
	}

	tracker := progress.New()
	loopOpts := []consumer.Option{
		consumer.WithLogger(logger),
		consumer.WithMetrics(metrics),
		consumer.WithTracer(tracer),
		// Keys are decoded with their writer schema only.
		consumer.WithKeyDecoder(schema.NewDecoder(cache)),
		consumer.WithTracker(tracker),
	}
	if topic := cfg.DeadLetterTopic(); topic != "" {
		pub, err := kafkatransport.NewPublisher(&cfg.Kafka)
		if err != nil {
			return fmt.Errorf("dead letter publisher: %w", err)
		}
		handler := dlq.NewHandler(pub, dlq.WithTopic(topic))
		defer func() {
			if err := handler.Close(); err != nil {
				logger.Error("failed to close dead letter publisher", "error", err)
			}
		}()
		loopOpts = append(loopOpts, consumer.WithDeadLetter(handler))
		logger.Info("dead letter topic enabled", "topic", topic)
	}

	loop, err := consumer.New(consumer.Config{
		Topics:           []string{cfg.Topic},
		GroupID:          cfg.GroupID,
		PollTimeout:      cfg.Consumer.PollTimeout,
		CommitInterval:   cfg.Consumer.CommitInterval,
		MaxSchemaRetries: cfg.Consumer.MaxSchemaRetries,
		RetryBackoff:     cfg.Consumer.RetryBackoff,
		MaxRetryBackoff:  cfg.Consumer.MaxRetryBackoff,
		ShutdownTimeout:  cfg.Consumer.ShutdownTimeout,
		ValueField:       cfg.Consumer.ValueField,
		KeyField:         cfg.Consumer.KeyField,
	}, transport, decoder, loopOpts...)
	if err != nil {
		return fmt.Errorf("consumer: %w", err)
	}

	// Metrics + health HTTP server
	httpServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           health.HandlerWithMetrics(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown error", "error", err)
		}
	}()

	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger, func(c *config.Config) {
			level.Set(observability.ResolveLogLevel(*logLevelFlag, c.LogLevel))
			logger.Info("config reloaded", "log_level", level.Level().String())
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("config watcher error", "error", err)
			}
		}()
	}

	health.SetReady(true)
	runErr := loop.Run(ctx)
	health.SetReady(false)

	stats := loop.Stats()
	positions := make(map[string]int64)
	for p, off := range tracker.Snapshot() {
		positions[p.String()] = off
	}
	logger.Info("consumer stopped",
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"total", consumer.FormatNumber(stats.Total),
		"positions", positions,
	)
	return runErr
}

// buildRegistry returns the configured registry client. The breaker is nil
// for the franz client, which has no breaker wired in.
func buildRegistry(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (schema.Registry, *circuitbreaker.Breaker, error) {
	sr := cfg.SchemaRegistry

	if sr.Client == config.RegistryClientFranz {
		r, err := schema.NewSRRegistry([]string{sr.URL}, sr.BasicAuthUserInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("schema registry: %w", err)
		}
		return r, nil, nil
	}

	opts := []schema.RegistryOption{
		schema.WithHTTPClient(&http.Client{
			Timeout:   sr.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	}
	if sr.BasicAuthUserInfo != "" {
		opts = append(opts, schema.WithBasicAuth(sr.BasicAuthUserInfo))
	}
	if sr.RequestsPerSecond > 0 {
		opts = append(opts, schema.WithRateLimit(sr.RequestsPerSecond, sr.Burst))
	}

	var breaker *circuitbreaker.Breaker
	if sr.CircuitBreaker.Enabled {
		cbCfg := circuitbreaker.DefaultConfig()
		if sr.CircuitBreaker.FailureThreshold > 0 {
			cbCfg.FailureThreshold = sr.CircuitBreaker.FailureThreshold
		}
		if sr.CircuitBreaker.SuccessThreshold > 0 {
			cbCfg.SuccessThreshold = sr.CircuitBreaker.SuccessThreshold
		}
		if sr.CircuitBreaker.ResetTimeout > 0 {
			cbCfg.ResetTimeout = sr.CircuitBreaker.ResetTimeout
		}
		breaker = circuitbreaker.New(cbCfg, circuitbreaker.WithStateChange(func(from, to circuitbreaker.State) {
			metrics.RegistryBreaker.Set(float64(to))
			logger.Warn("schema registry circuit state changed", "from", from.String(), "to", to.String())
		}))
		opts = append(opts, schema.WithBreaker(breaker))
	}

	r, err := schema.NewConfluentRegistry(sr.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("schema registry: %w", err)
	}
	return r, breaker, nil
}
