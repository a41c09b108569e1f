// Package app assembles the storage, audit and gateway layers from
// configuration for the command binaries.
package app

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"clinicdash.org/internal/audit"
	"clinicdash.org/internal/authz"
	"clinicdash.org/internal/config"
	"clinicdash.org/internal/gateway"
	"clinicdash.org/internal/goals"
	"clinicdash.org/internal/obs"
	"clinicdash.org/internal/store"
	"clinicdash.org/internal/store/pg"
	"clinicdash.org/internal/stream"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Store    store.Store
	DB       *sql.DB
	Spool    *audit.Spool
	Recorder *audit.Recorder
	Resolver *authz.Resolver
	Events   *stream.Stream
	Gateway  *gateway.Gateway

	closers []func() error
}

// Build wires every component described by cfg. The memory driver keeps all
// state in process and is meant for local runs and demos.
func Build(cfg *config.Config) (*App, error) {
	a := &App{}
	log := obs.Logger().WithField("component", "app")

	switch cfg.Database.Driver {
	case "memory":
		a.Store = store.NewMemory()
		log.Warn("using in-memory store; data is lost on exit")
	case "postgres":
		sealer, err := pg.ParseSealKey(cfg.Database.SealKey)
		if err != nil {
			return nil, err
		}
		if sealer == nil {
			log.Warn("database.seal_key is empty; credential tokens are stored unsealed")
		}
		pgs, err := pg.Open(cfg.Database.DSN, pg.WithSealer(sealer))
		if err != nil {
			return nil, err
		}
		a.Store, a.DB = pgs, pgs.DB()
		a.closers = append(a.closers, pgs.Close)
	default:
		return nil, fmt.Errorf("database.driver %q is not supported", cfg.Database.Driver)
	}

	var recorderOpts []audit.Option
	if cfg.Audit.SpoolPath != "" {
		spool, err := audit.OpenSpool(cfg.Audit.SpoolPath)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Spool = spool
		a.closers = append(a.closers, spool.Close)
		recorderOpts = append(recorderOpts, audit.WithSpool(spool))
	}
	a.Recorder = audit.NewRecorder(a.Store.Audit(), recorderOpts...)
	a.Resolver = authz.NewResolver(a.Store.Memberships(),
		authz.WithMembershipCache(cfg.Resolver.CacheSize, cfg.Resolver.CacheTTL))
	a.Events = stream.New()
	a.Gateway = gateway.New(a.Store,
		gateway.WithRecorder(a.Recorder),
		gateway.WithReactor(goals.NewReactor(goals.WithTolerance(cfg.Goals.Tolerance))),
		gateway.WithEvents(a.Events),
		gateway.WithResolver(a.Resolver),
	)

	log.WithFields(logrus.Fields{
		"driver": cfg.Database.Driver,
		"spool":  cfg.Audit.SpoolPath != "",
	}).Info("components wired")
	return a, nil
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
