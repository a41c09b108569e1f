package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-extras/cobraflags"
	"github.com/spf13/cobra"

	"clinicdash.org/internal/app"
	"clinicdash.org/internal/config"
	"clinicdash.org/internal/httpapi"
	"clinicdash.org/internal/maintenance"
	"clinicdash.org/internal/obs"
)

const (
	configFlag  = "config"
	subjectFlag = "subject"
	ttlFlag     = "ttl"
)

var flags = map[string]cobraflags.Flag{
	configFlag: &cobraflags.StringFlag{
		Name:  configFlag,
		Value: "",
		Usage: "Path to the configuration file (defaults to ./clinicdash.yaml)",
	},
}

var tokenFlags = map[string]cobraflags.Flag{
	configFlag: flags[configFlag],
	subjectFlag: &cobraflags.StringFlag{
		Name:  subjectFlag,
		Value: "",
		Usage: "Subject id to issue the token for",
	},
	ttlFlag: &cobraflags.StringFlag{
		Name:  ttlFlag,
		Value: "1h",
		Usage: "Token lifetime",
	},
}

func main() {
	root := &cobra.Command{
		Use:          "clinicdash-maint",
		Short:        "Run clinicdash maintenance jobs",
		SilenceUsage: true,
	}
	root.AddCommand(
		jobCommand("sweep", "Reevaluate open goals once", func(ctx context.Context, j *maintenance.Jobs) (int, error) {
			return j.Sweep(ctx)
		}),
		jobCommand("replay", "Replay the audit spool once (stop the API first; it owns the spool)", func(ctx context.Context, j *maintenance.Jobs) (int, error) {
			return j.Replay(ctx)
		}),
		scheduleCommand(),
		tokenCommand(),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() (*config.Config, error) {
	cfg, err := config.Load(flags[configFlag].GetString())
	if err != nil {
		return nil, err
	}
	obs.SetLevel(cfg.Log.Level)
	return cfg, nil
}

func jobCommand(use, short string, run func(context.Context, *maintenance.Jobs) (int, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
			defer cancel()
			jobs := maintenance.New(a.Gateway, a.Recorder, a.Resolver, cfg.Maintenance.Identity)
			n, err := run(ctx, jobs)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d affected\n", use, n)
			return nil
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

// scheduleCommand runs the goal sweep on its cron schedule for deployments
// where the API runs with --no-jobs.
func scheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run the goal sweep and spool replay on their schedules until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			obs.Init()
			a, err := app.Build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			jobs := maintenance.New(a.Gateway, a.Recorder, a.Resolver, cfg.Maintenance.Identity)
			sched, err := jobs.Schedule(cfg.Maintenance.ReplaySchedule, cfg.Maintenance.SweepSchedule)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched.Start()
			obs.Logger().WithField("jobs", len(sched.Entries())).Info("maintenance schedule started")
			<-ctx.Done()
			<-sched.Stop().Done()
			return nil
		},
	}
	cobraflags.RegisterMap(cmd, flags)
	return cmd
}

func tokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed bearer token for local testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ttl, err := time.ParseDuration(tokenFlags[ttlFlag].GetString())
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			v, err := httpapi.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
			if err != nil {
				return err
			}
			tok, err := v.Issue(tokenFlags[subjectFlag].GetString(), "", ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cobraflags.RegisterMap(cmd, tokenFlags)
	return cmd
}
