// Command gateway is a reverse proxy that holds requests until the upstream
// has room for them: a concurrency cap, a request-rate budget and a cost-rate
// budget (for example LLM tokens per minute), with per-client shedding in front.
//
// Usage:
//
//	# Start with config.yaml in the working directory
//	gateway
//
//	# Custom config file and log level
//	gateway --config /etc/gateway/config.yaml --log-level debug
//
//	# Environment only
//	UPSTREAM_URL=http://localhost:8081 MAX_CONCURRENCY=4 COST_RATE_LIMIT=30000 COST_MODE=tokens gateway
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"admission-gateway/internal/obs"
	"admission-gateway/middleware/ratelimit"
	"admission-gateway/middleware/ratelimit/application"
	"admission-gateway/middleware/ratelimit/domain"
	"admission-gateway/middleware/ratelimit/infra"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"
)

var rootFlags struct {
	configPath string
	logLevel   string
	listen     string
	dryRun     bool
}

var rootCmd = &cobra.Command{
	Use:          "gateway",
	Short:        "Admission-controlled reverse proxy",
	SilenceUsage: true,
	RunE:         runGateway,
}

func init() {
	rootCmd.Flags().StringVarP(&rootFlags.configPath, "config", "c", "config.yaml", "config file path")
	rootCmd.Flags().StringVar(&rootFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&rootFlags.listen, "listen", "l", "", "override listen address")
	rootCmd.Flags().BoolVar(&rootFlags.dryRun, "dry-run", false, "validate config without starting the server")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfg, err := Load(rootFlags.configPath)
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if rootFlags.logLevel != "" {
		cfg.LogLevel = rootFlags.logLevel
	}
	if rootFlags.listen != "" {
		cfg.ListenAddr = rootFlags.listen
	}

	logger := obs.SetupLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = gw.Close() }()

	logger.Info().
		Str("listen", cfg.ListenAddr).
		Str("upstream", cfg.UpstreamURL).
		Int("max_concurrency", cfg.Admission.MaxConcurrency).
		Float64("request_rate_limit", cfg.Admission.RequestRateLimit).
		Dur("request_rate_period", cfg.Admission.RequestRatePeriod).
		Float64("cost_rate_limit", cfg.Admission.CostRateLimit).
		Dur("cost_rate_period", cfg.Admission.CostRatePeriod).
		Str("cost_mode", cfg.Cost.Mode).
		Bool("shed", cfg.Shed.Enabled).
		Bool("redis_stats", cfg.Stats.Redis.Enabled).
		Msg("gateway configured")

	if rootFlags.dryRun {
		return nil
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Admission.AdmitTimeout + 2*time.Minute,
		IdleTimeout:       90 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Msg("gateway listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info().Msg("bye")
	return nil
}

// gateway is the wired request path: stats stores, controller, cost
// estimation and the HTTP handler serving proxy, status and metrics.
type gateway struct {
	handler http.Handler
	ctl     *application.AdmissionController
	closers []func() error
}

func newGateway(ctx context.Context, cfg Config, logger zerolog.Logger) (*gateway, error) {
	target, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream_url: %w", err)
	}

	gw := &gateway{}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promStats := infra.NewPrometheusStats(reg, "gateway")
	stores := []domain.StatsStore{promStats}

	if rc := cfg.Stats.Redis; rc.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		gw.closers = append(gw.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			_ = gw.Close()
			return nil, fmt.Errorf("redis stats ping: %w", err)
		}

		stores = append(stores, infra.NewRedisStatsStore(
			rdb,
			infra.WithStatsPrefix(rc.Prefix),
			infra.WithStatsTTL(rc.TTL),
			infra.WithStatsBucket(rc.Bucket),
			infra.WithStatsTrackKeys(rc.TrackKeys),
		))
	}

	gw.ctl, err = application.New(cfg.Admission,
		application.WithLogger(logger),
		application.WithStats(stores...),
	)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}
	gw.closers = append(gw.closers, gw.ctl.Close)
	promStats.Watch(gw.ctl.Snapshot)

	var counter ratelimit.TokenCounter
	if cfg.Cost.Mode == "tokens" {
		tc, err := ratelimit.NewTiktokenCounter(cfg.Cost.Model)
		if err != nil {
			_ = gw.Close()
			return nil, err
		}
		counter = tc
	}
	cost, err := cfg.Cost.costFunc(counter)
	if err != nil {
		_ = gw.Close()
		return nil, err
	}

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		hlog.FromRequest(r).Error().Err(err).Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	keyFn := ratelimit.DefaultKeyFunc(cfg.Shed.KeyHeader, cfg.Shed.TrustXFF)

	h := http.Handler(proxy)
	h = ratelimit.AdmissionMiddleware(ratelimit.AdmissionOptions{
		Controller: gw.ctl,
		Cost:       cost,
		KeyFn:      keyFn,
		RetryAfter: cfg.Shed.RetryAfter,
		AddHeaders: true,
	})(h)
	if cfg.Shed.Enabled {
		store := infra.NewClientStore(cfg.Shed.RPS, cfg.Shed.Burst)
		store.StartJanitor(ctx)
		shedStats := infra.NewAsyncStats(infra.MultiStats(stores), infra.WithAsyncLogger(logger))
		gw.closers = append(gw.closers, shedStats.Close)
		h = ratelimit.Middleware(ratelimit.Options{
			Store:               store,
			Stats:               shedStats,
			KeyFn:               keyFn,
			RetryAfter:          cfg.Shed.RetryAfter,
			AddRateLimitHeaders: cfg.Shed.AddHeaders,
		})(h)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc(cfg.StatusPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(newStatusView(gw.ctl.Snapshot()))
	})
	mux.Handle("/", h)

	gw.handler = obs.Logger(logger)(mux)
	return gw, nil
}

// Close runs the closers in reverse, so stats writers flush before redis goes away.
func (g *gateway) Close() error {
	var errs []error
	for i := len(g.closers) - 1; i >= 0; i-- {
		errs = append(errs, g.closers[i]())
	}
	return errors.Join(errs...)
}

// statusView is the JSON form of a snapshot. Unlimited values are null.
type statusView struct {
	InFlight          int64    `json:"in_flight"`
	MaxConcurrency    *int64   `json:"max_concurrency"`
	RequestsAvailable *float64 `json:"requests_available"`
	RequestsCapacity  *float64 `json:"requests_capacity"`
	RequestWaiters    int64    `json:"request_waiters"`
	CostAvailable     *float64 `json:"cost_available"`
	CostCapacity      *float64 `json:"cost_capacity"`
	CostWaiters       int64    `json:"cost_waiters"`
}

func newStatusView(s domain.Snapshot) statusView {
	finite := func(v float64) *float64 {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return nil
		}
		return &v
	}
	v := statusView{
		InFlight:          s.InFlight,
		RequestsAvailable: finite(s.RequestsAvailable),
		RequestsCapacity:  finite(s.RequestsCapacity),
		RequestWaiters:    s.RequestWaiters,
		CostAvailable:     finite(s.CostAvailable),
		CostCapacity:      finite(s.CostCapacity),
		CostWaiters:       s.CostWaiters,
	}
	if s.MaxConcurrency > 0 {
		limit := s.MaxConcurrency
		v.MaxConcurrency = &limit
	}
	return v
}
