package main

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kalambet/compass/internal/auth"
	"github.com/kalambet/compass/internal/cache"
	"github.com/kalambet/compass/internal/compass"
	"github.com/kalambet/compass/internal/config"
	"github.com/kalambet/compass/internal/httpclient"
	"github.com/kalambet/compass/internal/interaction"
	"github.com/kalambet/compass/internal/outbox"
	"github.com/kalambet/compass/internal/storage"
	"github.com/kalambet/compass/internal/store"
)

// app is the wired client stack shared by every command.
type app struct {
	cfg     config.Config
	logger  *zap.Logger
	db      *storage.Store
	cache   *cache.Cache
	secrets auth.SecretStore
	auth    *auth.Session
	svc     *compass.Service
	store   *store.Store
	queue   *outbox.Queue
	worker  *outbox.Worker
}

var newApp = func() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return openApp(cfg, config.SecretStore{})
}

func openApp(cfg config.Config, secrets auth.SecretStore) (*app, error) {
	logger, err := newLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	db, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	c := cache.New(db, cache.WithLogger(logger))
	if n := c.ClearExpired(); n > 0 {
		logger.Debug("cleared expired cache entries", zap.Int64("count", n))
	}

	sess := auth.NewSession(secrets, config.SecretService, cfg.Auth.RefreshURL, cfg.Auth.APIKey,
		auth.WithLogger(logger))

	client := httpclient.New(cfg.API.BaseURL,
		httpclient.WithTokenSource(sess),
		httpclient.WithTimeout(cfg.API.Timeout),
		httpclient.WithLogger(logger),
		httpclient.WithAuthFailedHandler(func(err error) {
			printWarning("your session could not be renewed (%v); run `compass login` to sign in again", err)
		}),
	)

	svc := compass.NewService(client, sess, c,
		compass.WithCacheTTL(cfg.Cache.PromptTTL, cfg.Cache.StreakTTL),
		compass.WithLogger(logger))

	policy := compass.DefaultRetryPolicy()
	policy.MaxRetries = cfg.Retry.MaxAttempts
	policy.MaxDelay = cfg.Retry.MaxBackoff

	st := store.New(svc,
		store.WithLogger(logger),
		store.WithRetryPolicy(policy),
		store.WithDrafts(c))

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		cache:   c,
		secrets: secrets,
		auth:    sess,
		svc:     svc,
		store:   st,
		queue:   outbox.NewQueue(db, logger),
		worker:  outbox.NewWorker(db, svc, 0, logger),
	}, nil
}

// session opens an interaction session for promptID.
func (a *app) session(promptID int64) *interaction.Session {
	return interaction.New(promptID, interaction.Deps{
		Store:  a.store,
		Auth:   a.auth,
		Drafts: a.cache,
		Outbox: a.queue,
	}, interaction.WithAutosaveDelay(a.cfg.Autosave.Delay), interaction.WithLogger(a.logger))
}

func (a *app) Close() {
	a.store.Close()
	if err := a.db.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
	_ = a.logger.Sync()
}

// newLogger builds a stderr logger. "debug" selects the development encoder.
func newLogger(level string) (*zap.Logger, error) {
	var zc zap.Config
	if strings.EqualFold(level, "debug") {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			lvl = zapcore.InfoLevel
		}
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}
