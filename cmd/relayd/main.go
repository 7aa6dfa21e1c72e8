// Command relayd is the cloud relay node: it accepts hub channel
// connections, multiplexes client HTTP/WebSocket requests onto them, and
// fans out push notifications -- the full system in SPEC_FULL.md.
//
// Grounded on the teacher's main.go/shutdown.go process shape: a config
// file read via encoding/json, flag overrides, signal-driven graceful
// shutdown of every subsystem in turn.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/openhub-relay/relay/internal/accounts"
	"github.com/openhub-relay/relay/internal/audit"
	"github.com/openhub-relay/relay/internal/config"
	"github.com/openhub-relay/relay/internal/connstore"
	"github.com/openhub-relay/relay/internal/forward"
	"github.com/openhub-relay/relay/internal/hubchannel"
	"github.com/openhub-relay/relay/internal/multiplex"
	"github.com/openhub-relay/relay/internal/push"
	"github.com/openhub-relay/relay/internal/registry"
	"github.com/openhub-relay/relay/internal/relayid"
	"github.com/openhub-relay/relay/internal/session"
	"github.com/openhub-relay/relay/internal/tracker"
)

func main() {
	configPath := flag.String("config", "", "path to the relay's JSON config file")
	accountsURL := flag.String("accounts-url", "http://localhost:8080", "base URL of the external account/device-registration service")
	defaults := config.Default()
	config.ApplyFlags(flag.CommandLine, &defaults)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("failed to load config")
	}
	// Parse the command line a second time over the loaded file, so flags
	// given explicitly override it and unset flags keep the file's values.
	overrides := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	overrides.String("config", "", "")
	overrides.String("accounts-url", "", "")
	applyFlags := config.ApplyFlags(overrides, &cfg)
	overrides.Parse(os.Args[1:])
	applyFlags()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := connstore.NewCachedStore(connstore.NewRedisStore(rdb), connstore.DefaultLookupCacheTTL)

	reg := registry.New()
	tr := tracker.New()
	recordStore := accounts.NewHTTPStore(*accountsURL)

	registrySessionLookup := func(hubID relayid.HubID) (multiplex.SessionSender, bool) {
		e, ok := reg.Get(hubID)
		if !ok {
			return nil, false
		}
		s, ok := e.(multiplex.SessionSender)
		return s, ok
	}
	pushSessionLookup := func(hubID relayid.HubID) (push.HideNotificationSender, bool) {
		e, ok := reg.Get(hubID)
		if !ok {
			return nil, false
		}
		s, ok := e.(push.HideNotificationSender)
		return s, ok
	}

	metricsReg := prometheus.NewRegistry()
	metrics := audit.NewMetrics(metricsReg)
	auditLog := audit.NewLogger(log)

	fanout := push.New(push.DefaultConfig(), pushSessionLookup, log)
	// Concrete push.Handler providers (APNs/FCM/webhook relays, etc.) are
	// registered here by the deployment; none ship by default since the
	// spec scopes push-provider adapters out (spec §1 non-goals).

	frameSink := multiplex.NewFrameSink(tr)

	sessionCfg := session.DefaultConfig()
	sessionCfg.LockTTL = cfg.LockTTL
	sessionCfg.RenewInterval = cfg.RenewInterval
	sessionCfg.PingInterval = cfg.PingInterval
	sessionCfg.DeadPeerAfter = cfg.DeadPeerAfter
	sessionCfg.MaxPendingPerSession = cfg.MaxPendingPerSession

	hubChannel := hubchannel.New(recordStore, store, frameSink, tr, fanout, recordStore, reg, cfg.InternalAddress, sessionCfg, auditLog, metrics, log)

	forwarder := forward.New(forward.DefaultConfig(cfg.InternalAddress), metrics, auditLog, log)

	resolver := multiplex.HubResolverFunc(func(r *http.Request) (relayid.HubID, error) {
		return relayid.HubID(r.Header.Get("x-hub-id")), nil
	})

	mplexCfg := multiplex.DefaultConfig()
	mplexCfg.SelfNodeAddress = cfg.InternalAddress
	mplexCfg.PublicHost = cfg.PublicHost
	mplexCfg.RemoteHost = cfg.RemoteHost
	mplexCfg.SendTimeout = cfg.RequestTimeout
	mplexCfg.MaxBodyBytes = cfg.MaxBodyBytes

	mplex := multiplex.New(mplexCfg, store, multiplex.SessionSenderLookup(registrySessionLookup), tr, forwarder, resolver, auditLog, metrics, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	go tr.RunTimeoutSweeper(ctx, cfg.PendingRequestTTL, 30*time.Second, func(hubID relayid.HubID, id relayid.RequestID) {
		if e, ok := reg.Get(hubID); ok {
			if s, ok := e.(multiplex.SessionSender); ok {
				s.SendCancel(context.Background(), id)
			}
		}
	})

	go reportGauges(ctx, reg, tr, metrics)

	mux := http.NewServeMux()
	mux.Handle("/hub/connect", hubChannel)
	mux.Handle("/", mplex)
	mux.HandleFunc("/healthz", hubchannel.HealthHandler)
	mux.HandleFunc("/stats", connstore.StatsHandler(store, log))

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))
	metricsMux.HandleFunc("/healthz", hubchannel.HealthHandler)

	publicSrv := &http.Server{Addr: cfg.ListenAddress, Handler: mux}
	metricsSrv := &http.Server{Addr: cfg.MetricsAddress, Handler: metricsMux}

	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		publicSrv.Shutdown(shutdownCtx)
		metricsSrv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("listen", cfg.ListenAddress).Str("internal", cfg.InternalAddress).Msg("relay node starting")
	if err := publicSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("relay server failed")
	}
}

func reportGauges(ctx context.Context, reg *registry.Registry, tr *tracker.Tracker, metrics *audit.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.ActiveSessions.Set(float64(reg.Count()))
			metrics.PendingRequests.Set(float64(tr.Count()))
		case <-ctx.Done():
			return
		}
	}
}
