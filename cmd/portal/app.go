package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"github.com/songzhibin97/wizard-engine/config"
	"github.com/songzhibin97/wizard-engine/gateway"
	"github.com/songzhibin97/wizard-engine/logger"
	"github.com/songzhibin97/wizard-engine/notify"
	"github.com/songzhibin97/wizard-engine/prospect"
	"github.com/songzhibin97/wizard-engine/rest"
	"github.com/songzhibin97/wizard-engine/steps"
	"github.com/songzhibin97/wizard-engine/storage"
	"github.com/songzhibin97/wizard-engine/textgen"
	"github.com/songzhibin97/wizard-engine/types"
	"github.com/songzhibin97/wizard-engine/wizard"
	"go.uber.org/zap"
)

// store is what both storage backends implement.
type store interface {
	storage.Storage
	storage.Documents
}

type app struct {
	engine *wizard.Engine
	server *rest.Server
	closer func() error
}

func newApp(cfg config.Config) (*app, error) {
	st, closer, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	table, err := loadTable(cfg.FlowsFile)
	if err != nil {
		_ = closer()
		return nil, err
	}

	var notifier notify.Notifier
	if cfg.Webhook.URL != "" {
		notifier = notify.NewWebhook(cfg.Webhook.URL,
			notify.WithChannel(cfg.Webhook.Channel),
			notify.WithUsername(cfg.Webhook.Username))
	}

	var textGen textgen.Generator = textgen.Stub{}
	if cfg.TextGenEnabled() {
		textGen = textgen.NewClient(textgen.Config{
			BaseURL: cfg.TextGen.BaseURL,
			APIKey:  cfg.TextGen.APIKey,
			Model:   cfg.TextGen.Model,
			Timeout: cfg.TextGen.Timeout,
		})
	} else {
		logger.Info("no text generation key configured, using local stub")
	}

	gw, err := buildGateway(cfg, st, notifier, textGen)
	if err != nil {
		_ = closer()
		return nil, err
	}

	snowflake := generator.NewSnowflake(time.Now().Add(-1*time.Second), 1)
	engine, err := wizard.NewEngine(snowflake, st, gw)
	if err != nil {
		_ = closer()
		return nil, err
	}
	engine.SetTable(table)
	engine.SetStrictNavigation(cfg.Strict)
	engine.SetFailureHandler(func(ctx context.Context, state types.FlowState, failure *gateway.ActionFailure) {
		logger.Warn("external action failed",
			zap.Uint64("session", state.SessionID),
			zap.String("kind", string(failure.Kind)),
			zap.String("reason", string(failure.Reason)),
			zap.Bool("retryable", failure.Retryable()))
	})
	if notifier != nil {
		notify.Subscribe(engine.EventBus(), notifier, wizard.EventActionResolved, wizard.EventActionFailed)
	}

	engine.SetTextGenerator(textGen)

	opts := []rest.Option{rest.WithDocuments(st)}
	if cfg.ProspectEnabled() {
		searcher := prospect.NewClient(cfg.Prospect.BaseURL, cfg.Prospect.APIKey)
		engine.SetSearcher(searcher)
		opts = append(opts,
			rest.WithSearcher(searcher),
			rest.WithRevealer(prospect.NewRevealer(searcher, st,
				prospect.WithMetrics(engine.Metrics()),
				prospect.WithSessionTTL(cfg.Prospect.SessionTTL))))
	}

	return &app{
		engine: engine,
		server: rest.NewServer(cfg.HTTPAddr, engine, opts...),
		closer: closer,
	}, nil
}

// Close stops the server and the engine, then releases storage.
func (a *app) Close() error {
	var errs []error
	if err := a.server.Stop(); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Stop(context.Background()); err != nil {
		errs = append(errs, err)
	}
	if err := a.closer(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openStorage(cfg config.Config) (store, func() error, error) {
	switch cfg.StorageType {
	case config.StorageRedis:
		rs, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: 2,
			IdleTimeout:  5 * time.Minute,
			Namespace:    cfg.Redis.Namespace,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	case config.StorageMemory, "":
		return storage.NewMemoryStorage(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

func loadTable(path string) (*steps.Table, error) {
	if path == "" {
		return steps.Default(), nil
	}
	return steps.LoadFile(path, nil)
}

// buildGateway registers a handler for every action kind. Document-producing
// kinds persist the document with the status the action moves the session to.
func buildGateway(cfg config.Config, docs storage.Documents, notifier notify.Notifier, textGen textgen.Generator) (*gateway.Registry, error) {
	reg := gateway.NewRegistry()

	for _, kind := range []types.ActionKind{types.ActionSaveDraft, types.ActionSubmit, types.ActionCountersign, types.ActionActivate} {
		status, ok := wizard.TargetStatus(kind)
		if !ok {
			status = types.StatusDraft
		}
		if err := reg.Register(kind, gateway.DocumentHandler{Docs: docs, Status: status}); err != nil {
			return nil, err
		}
	}

	var sign gateway.Handler = gateway.DocumentHandler{Docs: docs, Status: types.StatusPendingSignature}
	if cfg.Relay.URL != "" {
		sign = gateway.NewSignatureRelay(cfg.Relay.URL, cfg.Relay.APIKey)
	}
	if err := reg.Register(types.ActionSendForSignature, sign); err != nil {
		return nil, err
	}

	var notifyHandler gateway.Handler = gateway.Stub{Output: map[string]interface{}{"delivered": false}}
	if notifier != nil {
		notifyHandler = gateway.WebhookHandler{Notifier: notifier}
	}
	if err := reg.Register(types.ActionNotify, notifyHandler); err != nil {
		return nil, err
	}
	if err := reg.Register(types.ActionEnhance, textgen.EnhanceHandler{Generator: textGen}); err != nil {
		return nil, err
	}
	return reg, nil
}
