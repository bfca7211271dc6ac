package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/proxyvpn/internal/api"
	"github.com/koltyakov/proxyvpn/internal/backoff"
	"github.com/koltyakov/proxyvpn/internal/config"
	"github.com/koltyakov/proxyvpn/internal/control"
	"github.com/koltyakov/proxyvpn/internal/controller"
	"github.com/koltyakov/proxyvpn/internal/credentials"
	"github.com/koltyakov/proxyvpn/internal/debughttp"
	ilog "github.com/koltyakov/proxyvpn/internal/log"
	"github.com/koltyakov/proxyvpn/internal/metrics"
	"github.com/koltyakov/proxyvpn/internal/platform/localproxy"
	"github.com/koltyakov/proxyvpn/internal/servers"
	"github.com/koltyakov/proxyvpn/internal/session"
)

func runDaemon(ctx context.Context, args []string) int {
	cfg, err := config.ParseRunFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "run config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)
	m := metrics.New()

	st, err := openStores(ctx, cfg.StoreConfig, logger, m)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store error:", err)
		return 1
	}
	defer func() { _ = st.Close() }()

	if cfg.AppVersion == "" {
		cfg.AppVersion = defaultAppVersion()
	}
	client := api.New(api.Options{
		BaseURL:    cfg.APIURL,
		AppVersion: cfg.AppVersion,
		Timeout:    cfg.HTTPTimeout,
		RateLimit:  cfg.APIRateLimit,
		Burst:      cfg.APIBurst,
		Cache:      st.cache,
		Logger:     logger,
		Metrics:    m,
	})

	sessions := session.NewManager(st.cache, client, logger)
	if _, err := sessions.Load(ctx); err != nil {
		logger.Warn("failed to restore session", "err", err)
	}

	creds := credentials.New(credentials.Options{
		Issuer:   client,
		Sessions: sessions,
		Cache:    st.cache,
		Duration: cfg.TokenDuration,
		Logger:   logger,
		Metrics:  m,
	})
	defer creds.Stop()

	dir := servers.NewDirectory(servers.DirectoryOptions{
		API:         client,
		Sessions:    sessions,
		Cache:       st.cache,
		Logger:      logger,
		TTL:         cfg.LogicalTTL,
		BlockingTTL: cfg.LogicalBlockingTTL,
	})

	proxy := localproxy.New(localproxy.Options{Addr: cfg.ProxyListen, Logger: logger})
	if err := proxy.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "proxy error:", err)
		return 1
	}

	hub := control.NewHub(logger)
	hub.RequireToken(cfg.ControlToken)
	ctrl := controller.New(controller.Options{
		Platform:        proxy,
		Sessions:        sessions,
		Credentials:     creds,
		Directory:       dir,
		Account:         client,
		Cache:           st.cache,
		Backoff:         backoff.New(st.cache),
		Events:          hub,
		Logger:          logger,
		Metrics:         m,
		SplitTunnel:     cfg.SplitTunnel,
		APIHost:         cfg.APIHost(),
		BypassAPI:       cfg.BypassAPI,
		AutoConnect:     cfg.AutoConnect,
		CheckupInterval: cfg.CheckupInterval,
		LoadsInterval:   cfg.LoadsInterval,
	})
	hub.Attach(ctrl)

	if _, err := hub.Serve(ctx, cfg.ControlListen); err != nil {
		fmt.Fprintln(os.Stderr, "control listener error:", err)
		return 1
	}
	if err := debughttp.Start(ctx, cfg.DebugListen, m.Handler(), logger); err != nil {
		fmt.Fprintln(os.Stderr, "debug listener error:", err)
		return 1
	}

	if err := ctrl.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "controller error:", err)
		return 1
	}
	defer func() { _ = ctrl.Close() }()

	logger.Info("proxyvpn started",
		"version", Version,
		"proxy", proxy.Addr(),
		"control", cfg.ControlListen,
		"state", ctrl.CurrentState().State,
	)
	<-ctx.Done()
	logger.Info("shutting down")
	return 0
}
