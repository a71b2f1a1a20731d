package main

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/wilhg/ckpt/pkg/artifacts"
	"github.com/wilhg/ckpt/pkg/checkpoint"
	"github.com/wilhg/ckpt/pkg/config"
	"github.com/wilhg/ckpt/pkg/ledger"
	"github.com/wilhg/ckpt/pkg/logging"
	"github.com/wilhg/ckpt/pkg/store/entstore"
)

// deps is everything a command needs, opened from one config.
type deps struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  *entstore.Store
	svc    *checkpoint.Service
	ledger *ledger.Ledger

	logCloser io.Closer
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openDeps connects to the metadata database and artifact root. The schema is
// applied when migrate is set.
func openDeps(ctx context.Context, cfg *config.Config, logOut io.Writer, migrate bool) (*deps, error) {
	log, closer, err := logging.New(cfg.Logging, logOut)
	if err != nil {
		return nil, err
	}
	st, err := entstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			_ = st.Close()
			_ = closer.Close()
			return nil, err
		}
	}
	dir, err := artifacts.New(cfg.ArtifactsDir, artifacts.WithLogger(log))
	if err != nil {
		_ = st.Close()
		_ = closer.Close()
		return nil, err
	}
	svc := checkpoint.New(st, dir, checkpoint.WithLogger(log))
	return &deps{
		cfg:       cfg,
		log:       log,
		store:     st,
		svc:       svc,
		ledger:    ledger.New(st, st, svc, ledger.WithLogger(log)),
		logCloser: closer,
	}, nil
}

func (d *deps) Close() error {
	return errors.Join(d.store.Close(), d.logCloser.Close())
}
