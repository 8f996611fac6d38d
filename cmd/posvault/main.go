package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rowjay/posvault/internal/app"
	"github.com/rowjay/posvault/internal/config"
	"github.com/rowjay/posvault/internal/jobstore"
	"github.com/rowjay/posvault/internal/logging"
	"github.com/rowjay/posvault/internal/model"
	"github.com/rowjay/posvault/internal/util"
	"github.com/rowjay/posvault/internal/version"
)

type rootFlags struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	MetricsTextfile string
}

type overrideFlags struct {
	CatalogPath   string
	LockDir       string
	LocalPath     string
	StagingDir    string
	Compression   string
	RetryCount    int
	RetryBackoff  time.Duration
	Offsite       string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	S3UseSSL      string
	S3PathStyle   string
	EncryptionKey string
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "posvault",
		Short:         "Incremental backup, retention and restore for point-of-sale stores",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")
	rootCmd.PersistentFlags().StringVar(&root.MetricsTextfile, "metrics-textfile", "", "Write prometheus metrics to this file after the command")

	rootCmd.PersistentFlags().StringVar(&overrides.CatalogPath, "catalog", "", "Catalog database path")
	rootCmd.PersistentFlags().StringVar(&overrides.LockDir, "lock-dir", "", "Directory for lock files")
	rootCmd.PersistentFlags().StringVar(&overrides.LocalPath, "storage-path", "", "Local archive directory")
	rootCmd.PersistentFlags().StringVar(&overrides.StagingDir, "staging-dir", "", "Restore staging directory")
	rootCmd.PersistentFlags().StringVar(&overrides.Offsite, "offsite", "", "Mirror archives off-site (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "Off-site S3 endpoint (MinIO/OSS)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "Off-site S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "Off-site S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "Off-site S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "Off-site S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.S3UseSSL, "s3-ssl", "", "Use SSL for S3 endpoint (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.S3PathStyle, "s3-path-style", "", "Force path-style S3 (true/false)")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Off-site encryption key (base64 or hex)")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newRetentionCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newRestoreStatusCmd(root, overrides))
	rootCmd.AddCommand(newVerifyCmd(root, overrides))
	rootCmd.AddCommand(newRecoverCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var storeID, scope, trigger string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup job",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopes, err := parseScopes(scope)
			if err != nil {
				return err
			}
			trig, err := model.ParseTrigger(trigger)
			if err != nil {
				return err
			}
			if trig == model.TriggerPreRestore {
				return fmt.Errorf("trigger %s is reserved for restores", trig)
			}
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				stores, err := selectStores(a.Cfg, storeID)
				if err != nil {
					return err
				}
				for _, sid := range stores {
					for _, sc := range scopes {
						err := util.RetryIf(ctx, a.Cfg.Backup.RetryCount, a.Cfg.Backup.RetryBackoff, isRetryable, func() error {
							job, err := a.CreateBackup(ctx, sid, sc, trig)
							if err != nil {
								logger.Warn().Err(err).Str("store", sid).Str("scope", sc.String()).Msg("backup attempt failed")
								return err
							}
							fmt.Printf("%s\t%s\t%s\tchain=%s\t#%d\t%s\n",
								job.ID, job.StoreID, job.Scope, job.ChainID, job.IncrementalNumber, humanize.Bytes(uint64(job.SizeBytes)))
							return nil
						})
						if err != nil {
							return err
						}
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "Store id (default: every configured store)")
	cmd.Flags().StringVar(&scope, "scope", "all", "Scope (state, files, all)")
	cmd.Flags().StringVar(&trigger, "trigger", model.TriggerManual.String(), "Trigger recorded on the job (manual, scheduled)")
	cmd.Flags().StringVar(&overrides.Compression, "compression", "", "Compression (none/gzip/zstd/lz4)")
	cmd.Flags().IntVar(&overrides.RetryCount, "retry", 0, "Retry attempts on archive I/O failure")
	cmd.Flags().DurationVar(&overrides.RetryBackoff, "retry-backoff", 0, "Retry backoff")
	return cmd
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var storeID, scope, status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List backup jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			var f jobstore.Filter
			if scope != "" {
				s, err := model.ParseScope(scope)
				if err != nil {
					return err
				}
				f.Scope = s
			}
			if status != "" {
				s, err := model.ParseJobStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				stores, err := selectStores(a.Cfg, storeID)
				if err != nil {
					return err
				}
				for _, sid := range stores {
					jobs, err := a.ListBackups(ctx, sid, f)
					if err != nil {
						return err
					}
					for _, j := range jobs {
						fmt.Printf("%s\t%s\t%s\t%s\tchain=%s\t#%d\t%s\t%s\t%s\n",
							j.ID, j.StoreID, j.Scope, j.Status, j.ChainID, j.IncrementalNumber,
							humanize.Bytes(uint64(j.SizeBytes)), humanize.Time(j.CreatedAt), j.Trigger)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "Store id (default: every configured store)")
	cmd.Flags().StringVar(&scope, "scope", "", "Only this scope (state, files)")
	cmd.Flags().StringVar(&status, "status", "", "Only this status (pending, running, completed, failed)")
	return cmd
}

func newRetentionCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var storeID string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Delete backup chains outside the retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				stores, err := selectStores(a.Cfg, storeID)
				if err != nil {
					return err
				}
				var failed bool
				for _, sid := range stores {
					if dryRun {
						plan, err := a.PlanRetention(ctx, sid)
						if err != nil {
							return err
						}
						for _, c := range plan.Chains {
							action := "delete"
							if c.Keep {
								action = "keep"
							}
							fmt.Printf("%s\t%s\tchain=%s\t%s\t%s\tjobs=%d\tnewest=%s\n",
								sid, c.Scope, c.ChainID, action, c.Reason, len(c.Members), humanize.Time(c.Newest))
						}
						continue
					}
					res, err := a.EnforceRetention(ctx, sid)
					if err != nil {
						return err
					}
					fmt.Printf("%s\tdeleted=%d\tkept=%d\torphans=%d\terrors=%d\n", sid, len(res.Deleted), res.Kept, len(res.Orphans), len(res.Errors))
					if err := res.Err(); err != nil {
						logger.Error().Err(err).Str("store", sid).Msg("retention finished with errors")
						failed = true
					}
				}
				if failed {
					return fmt.Errorf("retention finished with errors")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "Store id (default: every configured store)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without deleting")
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var storeID, backupID string
	var strict bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore live state from a backup job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if storeID == "" || backupID == "" {
				return fmt.Errorf("--store and --backup-id are required")
			}
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				job, err := a.Restore(ctx, storeID, backupID, strict)
				if job != nil {
					printRestore(job)
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&storeID, "store", "", "Store id")
	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup job to restore")
	cmd.Flags().BoolVar(&strict, "strict-delete", false, "Remove files the backup chain marks deleted")
	return cmd
}

func newRestoreStatusCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "restore-status",
		Short: "Show a restore job",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				job, err := a.RestoreStatus(ctx, id)
				if err != nil {
					return err
				}
				printRestore(job)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Restore job id")
	return cmd
}

func newVerifyCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute a backup archive checksum",
		RunE: func(cmd *cobra.Command, args []string) error {
			if backupID == "" {
				return fmt.Errorf("--backup-id is required")
			}
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				job, err := a.VerifyBackup(ctx, backupID)
				if err != nil {
					return err
				}
				fmt.Printf("%s\tok\t%s\t%s\n", job.ID, job.ArchiveChecksum, humanize.Bytes(uint64(job.SizeBytes)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&backupID, "backup-id", "", "Backup job id")
	return cmd
}

func newRecoverCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail jobs left in flight by a crashed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(root, overrides, func(ctx context.Context, a *app.App, logger zerolog.Logger) error {
				if err := a.Recover(ctx); err != nil {
					return err
				}
				logger.Info().Msg("recovery completed")
				return nil
			})
		},
	}
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("posvault %s\n", version.String())
		},
	}
}

// withApp loads config, builds the app and runs fn under the operation
// timeout. Metrics are exported after fn whatever its outcome.
func withApp(root *rootFlags, overrides *overrideFlags, fn func(ctx context.Context, a *app.App, logger zerolog.Logger) error) error {
	cfg, err := loadConfig(root, overrides)
	if err != nil {
		return err
	}
	logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	runErr := fn(ctx, a, logger)
	if err := a.WriteMetrics(root.MetricsTextfile); err != nil {
		logger.Warn().Err(err).Msg("failed to write metrics textfile")
	}
	return runErr
}

func printRestore(job *model.RestoreJob) {
	fmt.Printf("%s\t%s\t%s\ttarget=%s\t%s\n", job.ID, job.StoreID, job.Scope, job.TargetBackupID, job.Status)
	if job.PreRestoreSnapshotID != "" {
		fmt.Printf("pre-restore snapshot: %s\n", job.PreRestoreSnapshotID)
	}
	if job.ErrorMessage != "" {
		fmt.Printf("error: %s\n", job.ErrorMessage)
	}
	if job.NextStep != "" {
		fmt.Printf("next step: %s\n", job.NextStep)
	}
}

func isRetryable(err error) bool {
	var e *model.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Retryable()
}

func parseScopes(v string) ([]model.Scope, error) {
	if v == "" || strings.EqualFold(v, "all") {
		return []model.Scope{model.ScopeState, model.ScopeFiles}, nil
	}
	s, err := model.ParseScope(strings.ToLower(v))
	if err != nil {
		return nil, err
	}
	return []model.Scope{s}, nil
}

func selectStores(cfg *config.Config, storeID string) ([]string, error) {
	if storeID != "" {
		if _, ok := cfg.Store(storeID); !ok {
			return nil, model.Errorf(model.KindUnknownStore, "cli", "unknown store %q", storeID)
		}
		return []string{storeID}, nil
	}
	ids := make([]string, 0, len(cfg.Stores))
	for _, s := range cfg.Stores {
		ids = append(ids, s.ID)
	}
	return ids, nil
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}

	if overrides.CatalogPath != "" {
		cfg.Global.CatalogPath = overrides.CatalogPath
	}
	if overrides.LockDir != "" {
		cfg.Global.LockDir = overrides.LockDir
	}
	if overrides.LocalPath != "" {
		cfg.Storage.Local.Path = overrides.LocalPath
	}
	if overrides.StagingDir != "" {
		cfg.Restore.StagingDir = overrides.StagingDir
	}
	if overrides.Compression != "" {
		cfg.Backup.Compression = overrides.Compression
	}
	if overrides.RetryCount > 0 {
		cfg.Backup.RetryCount = overrides.RetryCount
	}
	if overrides.RetryBackoff > 0 {
		cfg.Backup.RetryBackoff = overrides.RetryBackoff
	}

	if overrides.Offsite != "" {
		cfg.Offsite.Enabled = parseBool(overrides.Offsite)
	}
	if overrides.S3Endpoint != "" {
		cfg.Offsite.Storage.Backend = "s3"
		cfg.Offsite.Storage.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Offsite.Storage.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Offsite.Storage.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Offsite.Storage.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Offsite.Storage.S3.Region = overrides.S3Region
	}
	if overrides.S3UseSSL != "" {
		cfg.Offsite.Storage.S3.UseSSL = parseBool(overrides.S3UseSSL)
	}
	if overrides.S3PathStyle != "" {
		cfg.Offsite.Storage.S3.ForcePathStyle = parseBool(overrides.S3PathStyle)
	}
	if overrides.EncryptionKey != "" {
		cfg.Offsite.EncryptionKey = overrides.EncryptionKey
	}
	if root.MetricsTextfile != "" {
		cfg.Metrics.TextfilePath = root.MetricsTextfile
	}

	cfg.Global.LogFormat = strings.ToLower(cfg.Global.LogFormat)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Offsite.Storage.Backend = strings.ToLower(cfg.Offsite.Storage.Backend)
}

func parseBool(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
