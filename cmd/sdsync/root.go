package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/slvnlrt/spacedrive/internal/config"
	"github.com/slvnlrt/spacedrive/internal/logging"
	"github.com/slvnlrt/spacedrive/pkg/client"
)

// tokenWarnMargin is how close to expiry an auth token triggers a
// warning at startup.
const tokenWarnMargin = 10 * time.Minute

// app is the state shared by all subcommands.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *zap.Logger
	out     io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: config.New()}

	root := &cobra.Command{
		Use:   "sdsync",
		Short: "Spacedrive sync client",
		Long: `sdsync talks to a running Spacedrive daemon. It keeps a cached,
event-driven view of jobs and library resources, and can pause, resume
or cancel jobs.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.cfgFile, "config", "c", "", "config file (YAML)")
	flags.String("server", "", "daemon RPC base URL")
	flags.String("events", "", "daemon event stream URL (default derived from --server)")
	flags.String("library", "", "library id to scope requests and events to")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	_ = a.v.BindPFlag("server_url", flags.Lookup("server"))
	_ = a.v.BindPFlag("events_url", flags.Lookup("events"))
	_ = a.v.BindPFlag("library_id", flags.Lookup("library"))
	_ = a.v.BindPFlag("log.level", flags.Lookup("log-level"))

	root.AddCommand(newJobsCmd(a), newQueryCmd(a))
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.v, a.cfgFile)
	if err != nil {
		return err
	}
	if err := logging.Init(logging.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stderr",
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	a.cfg = cfg
	a.log = logging.L()
	a.out = cmd.OutOrStdout()

	if a.cfgFile != "" {
		config.Watch(a.v, func(next *config.Config) {
			if next.Log.Level != logging.Level().String() {
				logging.SetLevel(next.Log.Level)
				a.log.Info("log level changed", zap.String("level", next.Log.Level))
			}
		}, func(err error) {
			a.log.Warn("ignoring invalid config update", zap.Error(err))
		})
	}

	a.checkToken()
	return nil
}

func (a *app) checkToken() {
	if a.cfg.AuthToken == "" {
		return
	}
	soon, err := client.TokenExpiresWithin(a.cfg.AuthToken, time.Now(), tokenWarnMargin)
	if err != nil {
		a.log.Debug("auth token is not a JWT", zap.Error(err))
		return
	}
	if soon {
		exp, _ := client.TokenExpiry(a.cfg.AuthToken)
		a.log.Warn("auth token expires soon", zap.Time("expires_at", exp))
	}
}
