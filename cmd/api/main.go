package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"clinicdash.org/internal/app"
	"clinicdash.org/internal/config"
	"clinicdash.org/internal/httpapi"
	"clinicdash.org/internal/maintenance"
	"clinicdash.org/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

const configFlag = "config"

var flags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Path to the configuration file (defaults to ./clinicdash.yaml)",
	},
}

var noJobs bool

func main() {
	cmd := &cobra.Command{
		Use:          "clinicdash-api",
		Short:        "Serve the clinic dashboard API",
		SilenceUsage: true,
		RunE:         run,
	}
	cobraflags.RegisterMap(cmd, flags)
	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "Do not run the in-process maintenance schedule")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flags[configFlag].GetString())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	obs.SetLevel(cfg.Log.Level)
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	a, err := app.Build(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.WithError(err).Warn("close")
		}
	}()

	tokens, err := httpapi.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	ready := httpapi.ReadyProbe{DB: a.DB}
	api := httpapi.New(a.Gateway, a.Resolver, tokens, ready, version,
		httpapi.WithRateLimit(cfg.HTTP.RateLimitBurst, cfg.HTTP.RateLimitRPS),
		httpapi.WithAllowedOrigins(cfg.HTTP.AllowedOrigins...),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The audit spool is a single-writer journal, so replay runs in the
	// process that owns it.
	if !noJobs {
		jobs := maintenance.New(a.Gateway, a.Recorder, a.Resolver, cfg.Maintenance.Identity)
		sched, err := jobs.Schedule(cfg.Maintenance.ReplaySchedule, cfg.Maintenance.SweepSchedule)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() { <-sched.Stop().Done() }()
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       6 * cfg.HTTP.ReadTimeout,
	}
	grpcSrv := httpapi.NewGRPCServer(ready)
	grpcLis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return err
	}

	errc := make(chan error, 2)
	go func() {
		log.WithField("addr", srv.Addr).WithField("version", version).Info("http listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	go func() {
		log.WithField("addr", cfg.GRPC.Addr).Info("grpc health listening")
		if err := grpcSrv.Serve(grpcLis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("http shutdown")
	}
	grpcSrv.GracefulStop()
	log.Info("stopped")
	return err
}
