// Command mailengine-demo wires the embeddable pieces under
// github.com/mailcore/engine into a standalone SMTP receiver: it loads
// a config.Config, builds a spool, a delivery service backed by a
// maildir store and an outgoing SMTP relay, a worker pool, a DSN
// synthesizer, and one listener per config.ListenerConfig, then serves
// until SIGINT/SIGTERM triggers a graceful shutdown.
//
// It follows albertito-chasquid's chasquid.go main function in shape
// (flag-equivalent CLI parsing, blitiri.com.ar/go/log init, systemd
// socket activation, a signal handler goroutine) generalized from
// chasquid's single always-local-queue Server onto this module's
// config-driven, multi-listener engine.Server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"
	"github.com/docopt/docopt-go"

	"github.com/mailcore/engine/config"
	"github.com/mailcore/engine/internal/auth"
	"github.com/mailcore/engine/internal/dsn"
	"github.com/mailcore/engine/internal/engine"
	"github.com/mailcore/engine/internal/delivery"
	"github.com/mailcore/engine/internal/proxyproto"
	"github.com/mailcore/engine/internal/ratelimit"
	"github.com/mailcore/engine/internal/session"
	"github.com/mailcore/engine/internal/spool"
	"github.com/mailcore/engine/internal/worker"
)

const usage = `mailengine-demo: example SMTP receive-path server.

Usage:
  mailengine-demo [--config_path=<path>] [--config_overrides=<yaml>]
  mailengine-demo --version
  mailengine-demo -h | --help

Options:
  --config_path=<path>        Path to the YAML config file [default: /etc/mailengine/mailengine.yaml].
  --config_overrides=<yaml>   Extra YAML, applied after the config file.
  -h --help                   Show this help.
  --version                   Show version and exit.
`

const version = "mailengine-demo, built on github.com/mailcore/engine"

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if v, _ := opts.Bool("--version"); v {
		fmt.Println(version)
		return
	}

	log.Init()

	configPath, _ := opts.String("--config_path")
	configOverrides, _ := opts.String("--config_overrides")

	cfg, err := config.Load(configPath, configOverrides)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	srv, err := buildServer(cfg)
	if err != nil {
		log.Fatalf("building server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	log.Infof("mailengine-demo started (hostname %s)", cfg.Hostname)

	waitForShutdownSignal()
	log.Infof("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Retry.ShutdownCeiling()+5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown did not complete cleanly: %v", err)
		os.Exit(1)
	}
}

// buildServer turns one config.Config into a running engine.Server,
// generalizing chasquid.go's sequence of building a queue, couriers,
// and addresses into the config-driven equivalent for this engine.
func buildServer(cfg *config.Config) (*engine.Server, error) {
	if err := os.MkdirAll(cfg.SpoolDir, 0700); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	if err := os.MkdirAll(cfg.MailboxDir, 0700); err != nil {
		return nil, fmt.Errorf("creating mailbox dir: %w", err)
	}

	backend, err := spool.NewFileBackend(cfg.SpoolDir)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	sp := spool.New(backend)
	sp.BaseBackoff = cfg.Retry.BaseDelay()
	sp.MaxBackoff = cfg.Retry.MaxDelay()
	sp.MaxRetries = cfg.Retry.MaxRetries

	routing := newStaticRouting(cfg.LocalDomains)
	svc := &delivery.Service{
		Routing: routing,
		Local:   newMaildirStore(cfg.MailboxDir, cfg.Hostname),
		Relay:   newSMTPRelay(cfg.Hostname),
	}

	synth := &dsn.Synthesizer{Hostname: cfg.Hostname, Spool: sp}

	pool := worker.New(backend, svc, sp)
	pool.Concurrency = cfg.Retry.WorkerConcurrency
	pool.BatchSize = cfg.Retry.BatchSize
	pool.Cooldown = cfg.Retry.TriggerCooldown()
	pool.ShutdownCeiling = cfg.Retry.ShutdownCeiling()
	pool.DSN = synth

	authr := auth.NewAuthenticator()
	connLimiter := ratelimit.NewLocal()

	srv := engine.New(pool)

	systemdLs, err := systemd.Listeners()
	if err != nil {
		log.Errorf("systemd.Listeners: %v", err)
		systemdLs = nil
	}

	tlsCfg, err := cfg.TLS.BuildTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("building TLS config: %w", err)
	}

	trustedCIDRs, err := proxyproto.NewTrustedCIDRs(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parsing trusted_proxy_cidrs: %w", err)
	}

	for _, lc := range cfg.Listeners {
		processor := &engine.TriggerRetryAdapter{
			Processor: session.NewDefaultProcessor(sp),
			Pool:      pool,
		}

		sessCfg := &session.Config{
			Hostname:    cfg.Hostname,
			ServiceName: lc.ServiceName,

			ImplicitTLS:    lc.ImplicitTLS,
			EnableStartTLS: lc.EnableStartTLS,
			TLSConfig:      tlsCfg,

			EnableAuth:         lc.EnableAuth,
			RequireAuthForMail: lc.RequireAuthForMail,
			Authr:              authr,

			ProxyProtocol: lc.ProxyProtocol,
			TrustedCIDRs:  trustedCIDRs,

			EnableVRFY: cfg.Features.VRFY,
			EnableEXPN: cfg.Features.EXPN,
			EnableETRN: cfg.Features.ETRN,

			MaxConnectionsPerIP:     cfg.RateLimits.MaxConnectionsPerIP,
			MaxMessagesPerIPPerHour: cfg.RateLimits.MaxMessagesPerIPPerHour,
			Limiter:                 connLimiter,
			AuthLimiter:             ratelimit.NewLocalAuth(),

			Routing:   routing,
			Processor: processor,

			IdleTimeout: lc.IdleTimeout(),
		}

		ln, err := listenerFor(lc, systemdLs)
		if err != nil {
			return nil, err
		}

		srv.Listeners = append(srv.Listeners, &engine.Listener{
			Net:      ln,
			Config:   sessCfg,
			TLS:      tlsCfg,
			Implicit: lc.ImplicitTLS,
		})
	}

	if len(srv.Listeners) == 0 {
		return nil, fmt.Errorf("no listeners configured")
	}
	return srv, nil
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
