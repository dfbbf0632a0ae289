// Command cqd is the continuous-query daemon: it connects to the host
// database, loads the registered continuous views, and runs their
// worker/combiner pipelines until interrupted.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/pipelinedb/cq/internal/config"
	"github.com/pipelinedb/cq/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("cqd exited")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:           "cqd",
		Short:         "run the continuous-query daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := applyEnv(cmd.Flags()); err != nil {
				return err
			}
			level, err := log.ParseLevel(cfg.LogLevel)
			if err != nil {
				return errors.Wrapf(err, "bad logLevel %q", cfg.LogLevel)
			}
			log.SetLevel(level)
			return cfg.Preflight()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(),
				os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, cleanup, err := server.Start(ctx, cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			log.WithField("admin", cfg.MetricsAddr).Info("cqd started")
			return srv.Run(ctx)
		},
	}
	cfg.Bind(cmd.Flags())
	return cmd
}

// applyEnv layers CQD_-prefixed environment variables under the
// command-line flags: a flag the user did not set on the command line
// takes its value from the environment when one is present.
func applyEnv(flags *pflag.FlagSet) error {
	v := viper.New()
	v.SetEnvPrefix("CQD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return errors.Wrap(err, "binding flags")
	}

	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr != nil || f.Changed || !v.IsSet(f.Name) {
			return
		}
		if err := flags.Set(f.Name, v.GetString(f.Name)); err != nil {
			bindErr = errors.Wrapf(err, "applying CQD_%s", strings.ToUpper(f.Name))
		}
	})
	return bindErr
}
