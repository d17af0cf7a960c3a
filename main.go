package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tickflow/config"
	"tickflow/internal/batch"
	"tickflow/internal/collector"
	"tickflow/internal/coordinator"
	"tickflow/internal/feed"
	"tickflow/internal/feed/binance"
	"tickflow/internal/feed/kucoin"
	"tickflow/internal/metrics"
	"tickflow/internal/sink"
	"tickflow/internal/status"
	"tickflow/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Tickflow.Name,
		"version": cfg.Tickflow.Version,
	}).Info("starting tickflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	// Downstream sinks: fan out to every enabled destination, or log-only
	// in development.
	var sinks []sink.Sink
	if cfg.Sinks.Kafka.Enabled {
		ks, err := sink.NewKafkaSink(cfg.Sinks.Kafka)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		sinks = append(sinks, ks)
	}
	if cfg.Sinks.S3.Enabled {
		s3s, err := sink.NewS3Sink(cfg.Sinks.S3)
		if err != nil {
			log.WithError(err).Error("failed to create s3 sink")
			os.Exit(1)
		}
		sinks = append(sinks, s3s)
	}
	var output sink.Sink
	switch len(sinks) {
	case 0:
		log.WithComponent("main").Info("no sinks enabled, trades and books will be logged only")
		output = sink.NewLogSink()
	case 1:
		output = sinks[0]
	default:
		output = sink.NewMulti(sinks...)
	}
	defer output.Close()

	monitor := metrics.NewMonitor(cfg.Health, cfg.Channels.MetricsBuffer)
	if err := monitor.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start metrics monitor")
		os.Exit(1)
	}

	batcher := batch.New(cfg.Batcher, output)
	if err := batcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start trade batcher")
		os.Exit(1)
	}

	coord := coordinator.New(monitor)
	if err := coord.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start coordinator")
		os.Exit(1)
	}

	for _, name := range []string{"binance", "kucoin"} {
		exCfg, enabled := cfg.Exchange(name)
		if !enabled {
			log.WithComponent("main").WithFields(logger.Fields{"exchange": name}).Info("exchange disabled, skipping")
			continue
		}

		var adapter feed.Adapter
		switch name {
		case "binance":
			adapter = binance.NewAdapter(exCfg)
		case "kucoin":
			adapter = kucoin.NewAdapter(exCfg)
		}

		c := collector.New(collector.Options{
			Exchange:   name,
			Adapter:    adapter,
			Supervisor: cfg.Supervisor,
			Book:       cfg.Book,
			FeedBuffer: cfg.Channels.FeedBuffer,
			Batcher:    batcher,
			Sink:       output,
			Monitor:    monitor,
		})
		if err := coord.Add(c, exCfg.Symbols...); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": name}).Error("failed to start collector")
			os.Exit(1)
		}
	}

	var cw *metrics.CloudWatchPublisher
	if cfg.Metrics.CloudWatch.Enabled {
		cw = metrics.NewCloudWatchPublisher(cfg.Metrics.CloudWatch, monitor, coord.CollectorIDs)
		if cw != nil {
			cw.Start(ctx)
		}
	}

	var statusServer *status.Server
	if cfg.Status.Enabled {
		statusServer = status.NewServer(cfg.Status.Address, coord, monitor)
		statusServer.Start()
	}

	if cfg.Metrics.PrometheusAddress != "" && cfg.Metrics.PrometheusAddress != cfg.Status.Address {
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.PrometheusAddress, monitor.Handler()); err != nil {
				log.WithError(err).Warn("prometheus endpoint failed")
			}
		}()
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Feeds first so no new events arrive, then drain the batcher, then the
	// rest. The coordinator enforces its own timeout across collectors.
	coord.Stop(30 * time.Second)

	log.Info("stopping trade batcher")
	batcher.Stop()

	if statusServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		statusServer.Stop(shutdownCtx)
		shutdownCancel()
	}
	if cw != nil {
		cw.Stop()
	}

	monitor.Stop()
	cancel()

	log.Info("tickflow stopped")
}
