package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/crucible-sre/crucible/pkg/baseline"
	"github.com/crucible-sre/crucible/pkg/config"
	"github.com/crucible-sre/crucible/pkg/evidence"
	"github.com/crucible-sre/crucible/pkg/gate"
	"github.com/crucible-sre/crucible/pkg/health"
	"github.com/crucible-sre/crucible/pkg/observability"
	"github.com/crucible-sre/crucible/pkg/risk"
)

// app holds the wired runtime shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	ledger   evidence.Ledger
	detector *baseline.Detector
	orch     *health.Orchestrator
	engine   *risk.Engine
	telem    *observability.Provider

	closers []func() error
}

func buildApp(ctx context.Context, cfgPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	a := &app{cfg: cfg, logger: logger}

	switch cfg.Ledger.Driver {
	case "memory":
		a.ledger = evidence.NewMemoryLedger()
	default:
		l, err := evidence.Open(cfg.Ledger.Driver, cfg.Ledger.DSN,
			evidence.WithMaxRetries(cfg.Ledger.MaxRetries))
		if err != nil {
			return nil, fmt.Errorf("open evidence ledger: %w", err)
		}
		a.ledger = l
		a.closers = append(a.closers, l.Close)
	}

	var store baseline.Store = baseline.NewMemoryStore()
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		store = baseline.NewRedisStore(client)
		a.closers = append(a.closers, client.Close)
	}
	a.detector = baseline.NewDetector(cfg.Detector, store, a.ledger, logger)

	a.orch = health.NewOrchestrator(a.detector, a.ledger, logger,
		health.WithMaxWorkers(cfg.Monitor.MaxWorkers))

	var verifier *risk.OverrideVerifier
	if len(cfg.OverrideKeys) > 0 {
		pub, err := hex.DecodeString(cfg.OverrideKeys[0])
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("override key 0 is not a hex ed25519 public key")
		}
		verifier = risk.NewOverrideVerifier(ed25519.PublicKey(pub))
	}
	registry := risk.NewRegistry()
	for _, p := range cfg.Applications {
		registry.Register(p)
	}
	a.engine = risk.NewEngine(cfg.Weights, registry, a.ledger, verifier, logger)

	a.telem, err = observability.New(ctx, &observability.Config{
		ServiceName: cfg.Otel.ServiceName,
		Endpoint:    cfg.Otel.Endpoint,
		Enabled:     cfg.Otel.Enabled,
		SampleRate:  1.0,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.telem.Shutdown(context.Background()) })

	return a, nil
}

// close releases every resource in reverse acquisition order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "err", err)
		}
	}
}

func (a *app) signer() (*gate.ReportSigner, error) {
	if a.cfg.Signer.KeyFile == "" {
		return gate.NewReportSigner(a.cfg.Signer.KeyID)
	}
	raw, err := os.ReadFile(a.cfg.Signer.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read signer key: %w", err)
	}
	priv, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signer key file is not a hex ed25519 private key")
	}
	return gate.NewReportSignerFromKey(ed25519.PrivateKey(priv), a.cfg.Signer.KeyID), nil
}

func (a *app) controller(ctx context.Context) (*gate.Controller, error) {
	if a.cfg.Actions.DeployURL == "" || a.cfg.Actions.RollbackURL == "" {
		return nil, fmt.Errorf("actions.deploy_url and actions.rollback_url must be configured")
	}
	windows, err := gate.NewWindowPolicy(a.cfg.Windows)
	if err != nil {
		return nil, err
	}
	signer, err := a.signer()
	if err != nil {
		return nil, err
	}
	var archiver gate.Archiver
	if a.cfg.Archive.Enabled {
		archiver, err = gate.NewS3Archiver(ctx, gate.S3ArchiverConfig{
			Bucket:   a.cfg.Archive.Bucket,
			Region:   a.cfg.Archive.Region,
			Endpoint: a.cfg.Archive.Endpoint,
			Prefix:   a.cfg.Archive.Prefix,
		})
		if err != nil {
			return nil, err
		}
	}
	return gate.NewController(gate.ControllerConfig{
		RiskEngine:      a.engine,
		Orchestrator:    a.orch,
		Ledger:          a.ledger,
		Windows:         windows,
		Deployer:        gate.NewWebhookDeployer(a.cfg.Actions.DeployURL, a.cfg.Actions.Timeout),
		Rollbacker:      gate.NewWebhookRollbacker(a.cfg.Actions.RollbackURL, a.cfg.Actions.Timeout),
		Signer:          signer,
		Archiver:        archiver,
		Logger:          a.logger,
		MonitorInterval: a.cfg.Monitor.Interval,
		MonitorDuration: a.cfg.Monitor.Duration,
	})
}

func logLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
