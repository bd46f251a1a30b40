package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpgov/policy-gateway/internal/adapter"
	"github.com/mcpgov/policy-gateway/internal/audit"
	"github.com/mcpgov/policy-gateway/internal/authn"
	"github.com/mcpgov/policy-gateway/internal/config"
	"github.com/mcpgov/policy-gateway/internal/credential"
	"github.com/mcpgov/policy-gateway/internal/group"
	"github.com/mcpgov/policy-gateway/internal/httpapi"
	"github.com/mcpgov/policy-gateway/internal/log"
	"github.com/mcpgov/policy-gateway/internal/pipeline"
	"github.com/mcpgov/policy-gateway/internal/policyeval"
	"github.com/mcpgov/policy-gateway/internal/policyrepo"
	"github.com/mcpgov/policy-gateway/internal/registry"
	"github.com/mcpgov/policy-gateway/internal/store"
	"github.com/mcpgov/policy-gateway/internal/telemetry"
	"github.com/mcpgov/policy-gateway/internal/transport"
)

const shutdownGrace = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's HTTP surface until a termination signal is received",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return &configError{err}
	}

	dao, err := store.New(store.WithDatabaseFile(cfg.StoreDSN))
	if err != nil {
		return &storeError{err}
	}
	defer dao.Close()

	reg, err := registry.New(ctx, dao)
	if err != nil {
		return &storeError{err}
	}

	evaluator := policyeval.NewEvaluator()
	evaluator.FailClosed = cfg.FailClosed
	policies, err := policyrepo.New(ctx, dao, evaluator)
	if err != nil {
		return &storeError{err}
	}

	auditSink, err := audit.Open(cfg.AuditSinkPath)
	if err != nil {
		return &configError{err}
	}
	defer auditSink.Close()

	tel := telemetry.Init()

	creds := credential.NewResolver()
	httpTransport := transport.NewHTTPTransport()
	groups := group.New(reg, httpTransport, evaluator, creds)
	adapters := adapter.New(cfg.AdapterBasePort, 30*time.Second)
	adapters.OnEvent = func(server, event string) {
		auditSink.Write(audit.Record{EventType: audit.EventAdapterEvent, Server: server, Event: event})
		tel.RecordAdapterEvent(context.Background(), server, event)
	}
	defer adapters.StopAll()

	verifier := authn.NewVerifier(authn.Config{
		JWKSURL:  cfg.JWKSURL,
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		APIKey:   cfg.APIKey,
	})

	pl := &pipeline.Pipeline{
		Registry:       reg,
		Groups:         groups,
		Evaluator:      evaluator,
		Credentials:    creds,
		Transport:      httpTransport,
		Audit:          auditSink,
		Telemetry:      tel,
		DefaultTimeout: cfg.BackendTimeoutDefault,
	}

	if cfg.SeedFile != "" {
		if err := applySeedFile(ctx, cfg.SeedFile, reg, policies); err != nil {
			log.Logf("seed file %s: %v", cfg.SeedFile, err)
		}
		if watcher, err := config.WatchSeed(cfg.SeedFile, func(seed config.Seed) {
			if err := applySeed(ctx, seed, reg, policies); err != nil {
				log.Logf("seed reload: %v", err)
			}
		}); err != nil {
			log.Logf("seed watch disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	surface := &httpapi.Server{
		Policies:    policies,
		Registry:    reg,
		Adapters:    adapters,
		Pipeline:    pl,
		Verifier:    verifier,
		CORSOrigins: cfg.CORSOrigins,
	}

	httpServer := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: surface.Router(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Logf("mcp-gateway listening on %s", cfg.BindAddress)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return &configError{err}
		}
		return nil
	case <-sigCtx.Done():
		log.Logf("mcp-gateway draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		adapters.StopAll()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return &signalDrainedError{err}
		}
		return &signalDrainedError{errors.New("terminated by signal after graceful drain")}
	}
}
