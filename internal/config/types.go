package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Stores        []StoreConfig       `mapstructure:"stores" validate:"required,min=1,unique=ID,dive"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Offsite       OffsiteConfig       `mapstructure:"offsite"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format" validate:"omitempty,oneof=json console"`
	LockDir          string        `mapstructure:"lock_dir"`
	CatalogPath      string        `mapstructure:"catalog_path" validate:"required"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

// StoreConfig describes one point-of-sale store: its live database file
// and its live content tree.
type StoreConfig struct {
	ID        string   `mapstructure:"id" validate:"required,alphanumunicode|hostname_rfc1123"`
	StatePath string   `mapstructure:"state_path" validate:"required"`
	FilesRoot string   `mapstructure:"files_root" validate:"required"`
	Exclude   []string `mapstructure:"exclude"`
}

type BackupConfig struct {
	Compression             string        `mapstructure:"compression" validate:"omitempty,oneof=none gzip zstd lz4"`
	MaxIncrementalsPerChain int           `mapstructure:"max_incrementals_per_chain" validate:"gte=0"`
	HashWorkers             int           `mapstructure:"hash_workers" validate:"gte=0"`
	RetryCount              int           `mapstructure:"retry_count" validate:"gte=0"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
}

// ScheduleConfig limits scheduled backups to a daily HH:MM window.
// Manual backups ignore it.
type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"`
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}

type RetentionConfig struct {
	Tiers []TierConfig `mapstructure:"tiers" validate:"dive"`
}

type TierConfig struct {
	Name         string        `mapstructure:"name" validate:"required"`
	MaxAge       time.Duration `mapstructure:"max_age" validate:"gte=0"`
	RetainChains int           `mapstructure:"retain_chains" validate:"gte=0"`
}

type RestoreConfig struct {
	StagingDir string `mapstructure:"staging_dir"`
}

type StorageConfig struct {
	Backend string     `mapstructure:"backend" validate:"omitempty,oneof=local s3"` // local, s3
	Local   LocalStore `mapstructure:"local"`
	S3      S3Store    `mapstructure:"s3"`
	Prefix  string     `mapstructure:"prefix"`
}

type LocalStore struct {
	Path string `mapstructure:"path"`
}

type S3Store struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	SessionToken    string `mapstructure:"session_token"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

// OffsiteConfig configures the uploader that mirrors sealed archives to
// remote storage. Archives leave the host encrypted when EncryptionKey is set.
type OffsiteConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	EncryptionKey   string        `mapstructure:"encryption_key"`
	Storage         StorageConfig `mapstructure:"storage"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks" validate:"dive"`
	Mattermost []MattermostHook `mapstructure:"mattermost" validate:"dive"`
	Matrix     []MatrixConfig   `mapstructure:"matrix" validate:"dive"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url" validate:"required,url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url" validate:"required,url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url" validate:"required,url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path"`
}

// Store returns the store with the given id.
func (c *Config) Store(id string) (StoreConfig, bool) {
	for _, s := range c.Stores {
		if s.ID == id {
			return s, true
		}
	}
	return StoreConfig{}, false
}
