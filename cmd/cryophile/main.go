// Command cryophile drives the backup/freeze/thaw/restore workflow as
// four subcommands of one binary, sharing a config file and local
// spool root.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cryophile/cryophile/internal/backupid"
	"github.com/cryophile/cryophile/internal/config"
	"github.com/cryophile/cryophile/internal/crypto"
	"github.com/cryophile/cryophile/internal/cryoerrors"
	"github.com/cryophile/cryophile/internal/freeze"
	"github.com/cryophile/cryophile/internal/metrics"
	"github.com/cryophile/cryophile/internal/obslog"
	"github.com/cryophile/cryophile/internal/pipeline"
	"github.com/cryophile/cryophile/internal/remote"
	"github.com/cryophile/cryophile/internal/spool"
	"github.com/cryophile/cryophile/internal/thaw"
)

var (
	flagConfig string
	flagSpool  string
	flagTrace  bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cryophile:", err)
		os.Exit(cryoerrors.KindOf(err).ExitCode())
	}
}

func newRootCmd() *cobra.Command {
	var tracerShutdown func(context.Context) error
	cmd := &cobra.Command{
		Use:           "cryophile",
		Short:         "Off-site backup tool with an archival-tier freeze/thaw cycle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !flagTrace {
				return nil
			}
			_, shutdown, err := obslog.NewTracer(os.Stderr)
			if err != nil {
				return cryoerrors.New(cryoerrors.KindConfig, "cmd.trace", err)
			}
			tracerShutdown = shutdown
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if tracerShutdown == nil {
				return nil
			}
			return tracerShutdown(context.Background())
		},
	}
	cmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to cryophile.toml (default: XDG/etc discovery)")
	cmd.PersistentFlags().StringVarP(&flagSpool, "spool", "S", "", "local spool root (overrides the config file)")
	cmd.PersistentFlags().BoolVar(&flagTrace, "trace", false, "emit OpenTelemetry span diagnostics to stderr and attach exemplars to metrics")
	cmd.AddCommand(newBackupCmd(), newFreezeCmd(), newThawCmd(), newRestoreCmd())
	return cmd
}

// serveMetrics starts the /metrics, /healthz, and /readyz HTTP endpoints
// on addr for a long-running freeze/thaw worker, returning a shutdown
// func. If addr is empty, it is a no-op: the worker runs without an
// operational HTTP surface, as when driven from a script or cron.
func serveMetrics(addr string, m *metrics.Metrics, logger *logrus.Entry, readiness func() error) func(context.Context) error {
	if addr == "" {
		return func(context.Context) error { return nil }
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadinessHandler(readiness))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped")
		}
	}()
	return srv.Shutdown
}

// remoteReadiness probes the remote store with a bounded List call, for
// ReadinessHandler to report not_ready if the backend is unreachable.
func remoteReadiness(client remote.Client, bucket string) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.List(ctx, bucket, "")
		return err
	}
}

// loadConfig resolves cryophile.toml via --config/discovery and applies
// the -S/--spool override, which always wins over the file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Config{}, err
	}
	if flagSpool != "" {
		cfg.SpoolRoot = flagSpool
	}
	return cfg, nil
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so the
// freeze worker's watch loop and the backup/restore pipelines stop on
// an operator interrupt. An interrupted backup leaves its partial,
// unsealed cell in place.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func buildRemoteClient(ctx context.Context, cfg config.Config) (remote.Client, error) {
	endpoint, region, err := remote.ResolveEndpointRegion(cfg.Remote.Provider, cfg.Remote.Endpoint, cfg.Remote.Region)
	if err != nil {
		return nil, cryoerrors.New(cryoerrors.KindConfig, "cmd.buildRemoteClient", err)
	}
	pathStyle := cfg.Remote.PathStyle || remote.RequiresPathStyle(cfg.Remote.Provider)

	client, err := remote.NewClient(ctx, remote.Config{
		Provider:  cfg.Remote.Provider,
		Endpoint:  endpoint,
		Region:    region,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		PathStyle: pathStyle,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

func storageClassFor(cfg config.Config) string {
	if cfg.Remote.StorageClass != "" {
		return cfg.Remote.StorageClass
	}
	return remote.ArchivalStorageClass(cfg.Remote.Provider)
}

func parseBID(vault, prefix, ulidStr string) (backupid.ID, error) {
	vaultID, err := uuid.Parse(vault)
	if err != nil {
		return backupid.ID{}, cryoerrors.New(cryoerrors.KindConfig, "cmd.parseBID", fmt.Errorf("--vault: %w", err))
	}
	id, err := backupid.ParseULID(ulidStr)
	if err != nil {
		return backupid.ID{}, cryoerrors.New(cryoerrors.KindConfig, "cmd.parseBID", fmt.Errorf("--ulid: %w", err))
	}
	return backupid.New(vaultID, prefix, id)
}

func newBackupCmd() *cobra.Command {
	var (
		vault       string
		prefix      string
		keyringPath string
		compression string
		inputPath   string
	)
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Compress, encrypt, and spool one archive for the freeze worker to upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			vaultID, err := uuid.Parse(vault)
			if err != nil {
				return cryoerrors.New(cryoerrors.KindConfig, "cmd.backup", fmt.Errorf("--vault: %w", err))
			}

			entropy := ulid.Monotonic(rand.Reader, 0)
			id, err := backupid.NewULID(entropy, ulid.Timestamp(time.Now()))
			if err != nil {
				return cryoerrors.New(cryoerrors.KindConfig, "cmd.backup", err)
			}
			bid, err := backupid.New(vaultID, prefix, id)
			if err != nil {
				return cryoerrors.New(cryoerrors.KindConfig, "cmd.backup", err)
			}

			recipients, err := crypto.LoadRecipients(keyringPath)
			if err != nil {
				return err
			}

			var input io.Reader = os.Stdin
			if inputPath != "" {
				f, ferr := os.Open(inputPath)
				if ferr != nil {
					return cryoerrors.New(cryoerrors.KindConfig, "cmd.backup", ferr)
				}
				defer f.Close()
				input = f
			}

			sp := spool.New(cfg.SpoolRoot)
			m := metrics.New()
			logger := obslog.WithOp(obslog.New(), "backup")

			ctx, cancel := signalContext()
			defer cancel()

			remoteClient, err := buildRemoteClient(ctx, cfg)
			if err != nil {
				return err
			}

			if err := pipeline.Run(ctx, sp, bid, input, pipeline.BackupOptions{
				Codec:        pipeline.Codec(compression),
				Recipients:   recipients,
				FragmentMax:  cfg.FragmentMax,
				IOBuf:        cfg.IOBuf,
				RemoteClient: remoteClient,
				RemoteBucket: cfg.Remote.Bucket,
				Metrics:      m,
			}); err != nil {
				return err
			}

			logger.WithField("bid", bid.String()).Info("backup cell sealed")
			return nil
		},
	}
	cmd.Flags().StringVar(&vault, "vault", "", "vault UUID (required)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "path-like prefix under the vault")
	cmd.Flags().StringVar(&keyringPath, "keyring", "", "OpenPGP public keyring of backup recipients (required)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "compression codec: lz4 or zstd")
	cmd.Flags().StringVar(&inputPath, "input", "", "input file (default: stdin)")
	cmd.MarkFlagRequired("vault")
	cmd.MarkFlagRequired("keyring")
	return cmd
}

func newFreezeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "freeze",
		Short: "Watch the backup spool and upload sealed cells to remote storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := buildRemoteClient(ctx, cfg)
			if err != nil {
				return err
			}

			sp := spool.New(cfg.SpoolRoot)
			m := metrics.New()
			logger := obslog.WithOp(obslog.New(), "freeze")

			stopMetrics := serveMetrics(metricsAddr, m, logger, remoteReadiness(client, cfg.Remote.Bucket))
			defer stopMetrics(context.Background())

			w := freeze.New(sp, client, m, logger, freeze.Config{
				Bucket:            cfg.Remote.Bucket,
				Provider:          cfg.Remote.Provider,
				StorageClass:      storageClassFor(cfg),
				MaxInflight:       cfg.MaxInflight,
				MaxParallelCells:  cfg.MaxParallelCells,
				MaxUploadAttempts: cfg.MaxUploadAttempts,
				WatchRebase:       cfg.WatchRebase(),
			})
			return w.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics, /healthz, /readyz on (default: disabled)")
	return cmd
}

func newThawCmd() *cobra.Command {
	var (
		vault       string
		prefix      string
		ulidStr     string
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "thaw",
		Short: "Restore one archive's fragments from archival-tier storage into the local restore spool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			bid, err := parseBID(vault, prefix, ulidStr)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			client, err := buildRemoteClient(ctx, cfg)
			if err != nil {
				return err
			}

			sp := spool.New(cfg.SpoolRoot)
			m := metrics.New()
			logger := obslog.WithOp(obslog.New(), "thaw")

			// A thaw can poll archival-restore readiness for hours, so
			// it gets the same operational HTTP surface as freeze.
			stopMetrics := serveMetrics(metricsAddr, m, logger, remoteReadiness(client, cfg.Remote.Bucket))
			defer stopMetrics(context.Background())

			w := thaw.New(sp, client, m, logger, thaw.Config{
				Bucket:        cfg.Remote.Bucket,
				Provider:      cfg.Remote.Provider,
				MaxInflightDL: cfg.MaxInflightDL,
				PollMax:       cfg.PollMaxInterval(),
				ThawDeadline:  cfg.ThawDeadline(),
			})
			if err := w.Thaw(ctx, bid); err != nil {
				return err
			}

			logger.WithField("bid", bid.String()).Info("archive thawed")
			return nil
		},
	}
	cmd.Flags().StringVar(&vault, "vault", "", "vault UUID (required)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "path-like prefix under the vault")
	cmd.Flags().StringVar(&ulidStr, "ulid", "", "backup ULID (required)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address to serve /metrics, /healthz, /readyz on (default: disabled)")
	cmd.MarkFlagRequired("vault")
	cmd.MarkFlagRequired("ulid")
	return cmd
}

func newRestoreCmd() *cobra.Command {
	var (
		vault       string
		prefix      string
		ulidStr     string
		keyringPath string
		passFD      int
		outputPath  string
		compression string
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Concatenate, decrypt, and decompress a thawed archive's fragments",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			bid, err := parseBID(vault, prefix, ulidStr)
			if err != nil {
				return err
			}

			keyring, err := crypto.LoadSecretKeyring(keyringPath)
			if err != nil {
				return err
			}

			var prompt openpgp.PromptFunction
			if passFD >= 0 {
				pass, perr := crypto.ReadPassphraseFD(passFD)
				if perr != nil {
					return perr
				}
				defer crypto.Zero(pass)
				if derr := crypto.DecryptPrivateKeys(keyring, pass); derr != nil {
					return derr
				}
			} else {
				prompt = crypto.InteractivePrompt()
			}

			sp := spool.New(cfg.SpoolRoot)
			cell, err := spool.OpenCell(sp, spool.RoleRestore, bid)
			if err != nil {
				return err
			}

			var output io.Writer = os.Stdout
			if outputPath != "" {
				f, ferr := os.Create(outputPath)
				if ferr != nil {
					return cryoerrors.New(cryoerrors.KindConfig, "cmd.restore", ferr)
				}
				defer f.Close()
				output = f
			}

			ctx, cancel := signalContext()
			defer cancel()

			m := metrics.New()
			logger := obslog.WithOp(obslog.New(), "restore")
			logger.WithField("bid", bid.String()).Info("waiting for restore cell to seal")

			return pipeline.RunRestore(ctx, sp, cell, output, pipeline.RestoreOptions{
				Codec:       pipeline.Codec(compression),
				Keyring:     keyring,
				Prompt:      prompt,
				IOBuf:       cfg.IOBuf,
				WatchRebase: cfg.WatchRebase(),
				Metrics:     m,
			})
		},
	}
	cmd.Flags().StringVar(&vault, "vault", "", "vault UUID (required)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "path-like prefix under the vault")
	cmd.Flags().StringVar(&ulidStr, "ulid", "", "backup ULID (required)")
	cmd.Flags().StringVar(&keyringPath, "keyring", "", "OpenPGP secret keyring (required)")
	cmd.Flags().IntVar(&passFD, "pass-fd", -1, "file descriptor to read the keyring passphrase from (default: interactive prompt)")
	cmd.Flags().StringVar(&outputPath, "output", "", "output file (default: stdout)")
	cmd.Flags().StringVar(&compression, "compression", "zstd", "compression codec the backup used: lz4 or zstd")
	cmd.MarkFlagRequired("vault")
	cmd.MarkFlagRequired("ulid")
	cmd.MarkFlagRequired("keyring")
	return cmd
}
