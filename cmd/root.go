package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/thediveo/enumflag/v2"

	"github.com/usegalaxy-eu/byoc-sync/internal/changerequest"
	"github.com/usegalaxy-eu/byoc-sync/internal/config"
	"github.com/usegalaxy-eu/byoc-sync/internal/directory"
	"github.com/usegalaxy-eu/byoc-sync/internal/gitsync"
	"github.com/usegalaxy-eu/byoc-sync/internal/lock"
	"github.com/usegalaxy-eu/byoc-sync/internal/logging"
	"github.com/usegalaxy-eu/byoc-sync/internal/metrics"
	"github.com/usegalaxy-eu/byoc-sync/internal/repository"
	"github.com/usegalaxy-eu/byoc-sync/internal/service"
	"github.com/usegalaxy-eu/byoc-sync/internal/vault"
)

const (
	DefaultConfigFile  = "config.json"
	DefaultSecretsFile = "secrets.json"
)

var logLevels = map[logging.Level][]string{
	logging.Debug: {"debug"},
	logging.Info:  {"info"},
	logging.Warn:  {"warn"},
	logging.Error: {"error"},
}

var logFormats = map[logging.Format][]string{
	logging.FormatAuto: {"auto"},
	logging.FormatText: {"text"},
	logging.FormatJSON: {"json"},
}

var (
	rootCmdConfigFiles []string
	rootCmdSecretsFile string
	rootCmdDryRun      bool
	rootCmdMetricsFile string
	rootCmdProgress    bool
	rootCmdLogLevel    logging.Level
	rootCmdLogFormat   logging.Format
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "byocsync",
		Short: "Sync BYOC Pulsar endpoints into the Galaxy infrastructure playbook",
		Long: "Fetches the active users of a Galaxy server, picks up the ones that configured a\n" +
			"\"bring your own compute\" Pulsar endpoint in their preferences and adds the matching\n" +
			"TPV destination, RabbitMQ user, job runner plugin and RabbitMQ password to the\n" +
			"infrastructure playbook. The change is committed, pushed and proposed as a pull request.\n\n" +
			"Entries that already exist are never modified, so running the command repeatedly is safe.\n" +
			"With --dry-run nothing is written, committed, pushed or opened; the would-be changes are\n" +
			"printed instead.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runSync,
	}

	rootCmdLogLevel = logging.Info
	rootCmdLogFormat = logging.FormatAuto

	rootCmd.PersistentFlags().StringSliceVarP(&rootCmdConfigFiles, "config", "c", []string{DefaultConfigFile}, "path to a configuration file or directory; repeat to overlay files in order")
	rootCmd.PersistentFlags().StringVarP(&rootCmdSecretsFile, "secrets", "s", DefaultSecretsFile, "path to the secrets file")
	rootCmd.PersistentFlags().Var(
		enumflag.New(&rootCmdLogLevel, "level", logLevels, enumflag.EnumCaseInsensitive),
		"log-level",
		"log level (debug, info, warn, error)",
	)
	rootCmd.PersistentFlags().Var(
		enumflag.New(&rootCmdLogFormat, "format", logFormats, enumflag.EnumCaseInsensitive),
		"log-format",
		"log format (auto, text, json); auto uses text on a terminal",
	)

	rootCmd.Flags().BoolVar(&rootCmdDryRun, "dry-run", false, "print the changes instead of writing, committing, pushing and opening a pull request")
	rootCmd.Flags().StringVar(&rootCmdMetricsFile, "metrics-file", "", "write run metrics in Prometheus text format to this file")
	rootCmd.Flags().BoolVar(&rootCmdProgress, "progress", false, "show a progress bar while fetching user preferences")

	rootCmd.AddCommand(newValidateCmd(), newSchemaCmd())
	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	return rootCmd
}

// normalizeFlag accepts underscores in flag names, so --dry_run works like
// --dry-run.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Execute runs the command line and returns the error that aborted it, if any.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func newLogger() *logging.Logger {
	return logging.New(logging.Config{Level: rootCmdLogLevel, Format: rootCmdLogFormat})
}

func load() (*config.Root, *config.Secrets, error) {
	cfg, err := config.ParseFiles(rootCmdConfigFiles, false)
	if err != nil {
		return nil, nil, err
	}
	secrets, err := config.ParseSecretsFile(rootCmdSecretsFile)
	if err != nil {
		return nil, nil, err
	}
	return cfg, secrets, nil
}

func runSync(cmd *cobra.Command, _ []string) (err error) {
	log := newLogger()

	if rootCmdMetricsFile != "" {
		defer func() {
			if merr := metrics.WriteTextfile(rootCmdMetricsFile); merr != nil {
				log.Warnf("failed to write metrics to %s: %v", rootCmdMetricsFile, merr)
			}
		}()
	}

	cfg, secrets, err := load()
	if err != nil {
		return err
	}

	l, err := lock.Acquire(cfg.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(); rerr != nil {
			log.Warnf("failed to release %s: %v", cfg.LockFile, rerr)
		}
	}()

	timeout := time.Duration(cfg.HTTPTimeout)

	dir, err := directory.New(cfg.ServerURL, secrets.APIKey)
	if err != nil {
		return err
	}
	dir = dir.WithTimeout(timeout).WithRetries(*cfg.HTTPRetries).WithLogger(log.With("component", "directory"))

	git := gitsync.New(cfg.RepoLocalDir, cfg.RepoURL, cfg.BranchName).
		WithBaseBranch(cfg.BaseBranch).
		WithAuthor(*cfg.CommitAuthor).
		WithSecrets(secrets).
		WithLogger(log.With("component", "gitsync"))

	syncer := service.New(cfg, secrets.VaultPassword).
		WithDirectory(dir).
		WithRepository(repository.New(git)).
		WithSecretStore(vault.Store{}).
		WithDryRun(rootCmdDryRun).
		WithOutput(cmd.OutOrStdout()).
		WithLogger(log)

	if !rootCmdDryRun {
		prs, err := changerequest.New(cfg.RepoAPIURL, secrets)
		if err != nil {
			return err
		}
		syncer = syncer.WithChangeRequests(prs.WithTimeout(timeout).WithRetries(*cfg.HTTPRetries).WithLogger(log.With("component", "changerequest")))
	}

	if rootCmdProgress {
		syncer = syncer.WithProgress(cmd.ErrOrStderr())
	}

	res, err := syncer.Run(cmd.Context())
	if err != nil {
		return err
	}

	if len(res.UserErrors) > 0 {
		log.Warnf("%d users were skipped: %v", len(res.UserErrors), res.UserError())
	}
	return nil
}
