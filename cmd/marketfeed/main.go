package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"marketfeed/config"
	"marketfeed/internal/dashboard"
	"marketfeed/internal/liveness"
	"marketfeed/internal/metrics"
	"marketfeed/internal/registry"
	"marketfeed/internal/stream"
	"marketfeed/internal/symbols"
	"marketfeed/logger"
	"marketfeed/models"
	"marketfeed/reader"
)

const flowLogInterval = 30 * time.Second

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}
	log.WithEnv("APP_ENV", "LOG_LEVEL", "AWS_REGION").Debug("environment")

	configPath := flag.String("config", config.DefaultPath, "Path to configuration file")
	snapshots := flag.Bool("snapshot", false, "Fetch one REST snapshot per order book pair before streaming")
	flag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		log.WithError(err).WithFields(logger.Fields{"path": path}).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(logger.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxAgeDays: cfg.Logging.MaxAge,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
	}); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":       cfg.Marketfeed.Name,
		"version":       cfg.Marketfeed.Version,
		"environment":   env,
		"subscriptions": len(cfg.Subscriptions),
	}).Info("starting marketfeed")

	if len(cfg.Subscriptions) == 0 && env.ProductionLike() {
		log.WithFields(logger.Fields{"environment": env}).Error("no subscriptions configured")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cw := cfg.Metrics.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
		logger.CreateDefaultDashboard(ctx)
	}

	if cfg.Metrics.ReportInterval > 0 || strings.EqualFold(cfg.Logging.Level, "report") {
		logger.StartReport(ctx, log, cfg.Metrics.ReportInterval)
	}

	registries := newRegistries(cfg)

	g, gctx := errgroup.WithContext(ctx)

	srv, err := dashboard.NewServer(cfg.Dashboard, log, registries.vendors)
	if err != nil {
		log.WithError(err).Error("Failed to create dashboard")
		os.Exit(1)
	}
	switch {
	case srv != nil:
		log.WithFields(logger.Fields{"address": srv.Address()}).Info("dashboard enabled")
		g.Go(func() error { return srv.Run(gctx, cfg.Marketfeed.Name) })
	case cfg.Metrics.Address != "":
		log.WithFields(logger.Fields{"address": cfg.Metrics.Address}).Info("metrics endpoint enabled")
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Address) })
	}

	for i, sc := range cfg.Subscriptions {
		i, sc := i, sc
		reg := registries.get(sc.LocalIP)
		g.Go(func() error {
			runSubscription(gctx, log, cfg, reg, i, sc, *snapshots)
			return nil
		})
	}

	log.Info("all components started successfully")

	<-gctx.Done()
	if ctx.Err() != nil {
		log.Info("shutdown signal received, starting graceful shutdown")
	}
	stop()

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			log.WithError(err).Error("component failed")
			os.Exit(1)
		}
	case <-time.After(10 * time.Second):
		log.Warn("shutdown timed out")
		os.Exit(1)
	}
	log.Info("marketfeed stopped")
}

// registries keeps one registry per local address so bound subscriptions
// get clients dialing from that address.
type registries struct {
	cfg   *config.Config
	byIP  map[string]*registry.Registry
	first *registry.Registry
}

func newRegistries(cfg *config.Config) *registries {
	r := &registries{cfg: cfg, byIP: make(map[string]*registry.Registry)}
	r.first = r.get("")
	return r
}

func (r *registries) get(localIP string) *registry.Registry {
	if reg, ok := r.byIP[localIP]; ok {
		return reg
	}
	reg := registry.New(reader.BoundBuiltins(r.cfg, localIP))
	r.byIP[localIP] = reg
	return reg
}

func (r *registries) vendors() []string {
	vs := r.first.Vendors(registry.KindStreaming)
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = string(v)
	}
	return out
}

func runSubscription(ctx context.Context, log *logger.Log, cfg *config.Config, reg *registry.Registry, index int, sc config.SubscriptionConfig, snapshots bool) {
	vendor := models.Vendor(sc.Vendor)
	entry := log.WithComponent("subscription").WithVendor(sc.Vendor).WithFields(logger.Fields{
		"index":   index,
		"channel": sc.Channel,
	})

	sub, err := buildSubscription(sc)
	if err != nil {
		entry.WithError(err).Error("invalid subscription")
		return
	}

	client, err := reg.Streaming(vendor)
	if err != nil {
		entry.WithError(err).Error("no streaming client")
		return
	}

	if snapshots && sub.Channel == stream.ChannelOrderBook {
		fetchSnapshots(ctx, entry, reg, vendor, sub)
	}

	producer := stream.Producer(client.Stream)
	if cfg.Reconnect.Enabled {
		producer = stream.Reconnecting(producer, stream.ReconnectPolicy{
			Vendor:         vendor,
			MaxAttempts:    cfg.Reconnect.MaxAttempts,
			InitialDelay:   cfg.Reconnect.InitialDelay,
			MaxDelay:       cfg.Reconnect.MaxDelay,
			OpensPerSecond: cfg.Reconnect.OpensPerSecond,
			Log:            log,
		})
	}

	s, err := producer(ctx, sub)
	if err != nil {
		entry.WithError(err).Error("failed to open stream")
		return
	}
	defer s.Close()
	entry.WithFields(logger.Fields{"pairs": len(sub.Pairs)}).Info("stream opened")

	ticker := time.NewTicker(flowLogInterval)
	defer ticker.Stop()
	var count int
	for {
		select {
		case _, ok := <-s.Records():
			if !ok {
				<-s.Done()
				if err := s.Err(); err != nil {
					if liveness.IsFailure(err) {
						entry.WithError(err).Error("stream ended: vendor stopped responding")
					} else {
						entry.WithError(err).Error("stream ended")
					}
				}
				return
			}
			count++
		case <-ticker.C:
			logger.LogDataFlowEntry(entry, sc.Vendor, "consumer", count, sc.Channel)
			count = 0
		}
	}
}

func buildSubscription(sc config.SubscriptionConfig) (stream.Subscription, error) {
	codec := symbols.DefaultCodec()
	sub := stream.Subscription{Channel: stream.Channel(sc.Channel), Depth: sc.Depth}
	for _, raw := range sc.Pairs {
		p, err := codec.Parse(raw)
		if err != nil {
			return stream.Subscription{}, err
		}
		sub.Pairs = append(sub.Pairs, p)
	}
	if err := sub.Validate(); err != nil {
		return stream.Subscription{}, err
	}
	return sub, nil
}

func fetchSnapshots(ctx context.Context, entry *logger.Entry, reg *registry.Registry, vendor models.Vendor, sub stream.Subscription) {
	client, err := reg.Request(vendor)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			entry.Debug("vendor has no snapshot client")
			return
		}
		entry.WithError(err).Warn("snapshot client unavailable")
		return
	}
	for _, p := range sub.Pairs {
		rec, err := client.OrderBookSnapshot(ctx, p, sub.Depth)
		if err != nil {
			entry.WithError(err).WithFields(logger.Fields{"pair": p.String()}).Warn("snapshot failed")
			continue
		}
		bid, _ := rec.BestBid()
		ask, _ := rec.BestAsk()
		entry.WithFields(logger.Fields{
			"pair":     p.String(),
			"bids":     len(rec.Bids),
			"asks":     len(rec.Asks),
			"best_bid": bid.Price.String(),
			"best_ask": ask.Price.String(),
		}).Info("snapshot fetched")
	}
}
