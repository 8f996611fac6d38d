package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rowjay/posvault/internal/cryptoutil"
	"github.com/rowjay/posvault/internal/util"
)

const (
	envPrefix = "POSVAULT"

	DefaultMaxIncrementalsPerChain = 6
)

// DefaultTiers is used when the config names no retention tiers.
var DefaultTiers = []TierConfig{
	{Name: "recent", MaxAge: 7 * 24 * time.Hour, RetainChains: 4},
	{Name: "short_term", MaxAge: 28 * 24 * time.Hour, RetainChains: 4},
	{Name: "long_term", MaxAge: 0, RetainChains: 6},
}

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			vp.SetConfigType(configTypeFromPath(resolved))
			key := os.Getenv("POSVAULT_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but POSVAULT_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, tier := range cfg.Retention.Tiers {
		if seen[tier.Name] {
			return fmt.Errorf("invalid config: duplicate retention tier %q", tier.Name)
		}
		seen[tier.Name] = true
	}
	for i := 1; i < len(cfg.Retention.Tiers); i++ {
		prev := cfg.Retention.Tiers[i-1]
		if prev.MaxAge == 0 {
			return fmt.Errorf("invalid config: unbounded retention tier %q must be last", prev.Name)
		}
		if cfg.Retention.Tiers[i].MaxAge != 0 && cfg.Retention.Tiers[i].MaxAge <= prev.MaxAge {
			return fmt.Errorf("invalid config: retention tiers must be ordered by max_age")
		}
	}
	if cfg.Storage.Backend != "" && cfg.Storage.Backend != "local" {
		return fmt.Errorf("invalid config: storage.backend must be local, mirror to %s through offsite", cfg.Storage.Backend)
	}
	for name, v := range map[string]string{"window_start": cfg.Schedule.WindowStart, "window_end": cfg.Schedule.WindowEnd} {
		if v == "" {
			continue
		}
		if _, err := util.ParseClock(v); err != nil {
			return fmt.Errorf("invalid config: schedule.%s: %w", name, err)
		}
	}
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			return fmt.Errorf("invalid config: schedule.timezone: %w", err)
		}
	}
	if cfg.Offsite.Enabled && cfg.Offsite.EncryptionKey != "" {
		if _, err := cryptoutil.ParseKey(cfg.Offsite.EncryptionKey); err != nil {
			return fmt.Errorf("invalid config: offsite.encryption_key: %w", err)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("POSVAULT_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"posvault.yaml",
		"posvault.yml",
		"posvault.toml",
		"posvault.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "posvault")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"posvault.yaml.enc", "posvault.yml.enc", "posvault.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.operation_timeout", "2h")
	vp.SetDefault("global.catalog_path", "./posvault/catalog.db")
	vp.SetDefault("global.lock_dir", "./posvault/locks")
	vp.SetDefault("backup.compression", "zstd")
	vp.SetDefault("backup.max_incrementals_per_chain", DefaultMaxIncrementalsPerChain)
	vp.SetDefault("backup.retry_count", 3)
	vp.SetDefault("backup.retry_backoff", "10s")
	vp.SetDefault("restore.staging_dir", "./posvault/staging")
	vp.SetDefault("storage.backend", "local")
	vp.SetDefault("storage.local.path", "./posvault/archives")
	vp.SetDefault("offsite.breaker_failures", 3)
	vp.SetDefault("offsite.breaker_timeout", "1m")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Backup.RetryBackoff == 0 {
		cfg.Backup.RetryBackoff = 10 * time.Second
	}
	if cfg.Backup.MaxIncrementalsPerChain == 0 {
		cfg.Backup.MaxIncrementalsPerChain = DefaultMaxIncrementalsPerChain
	}
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 2 * time.Hour
	}
	if len(cfg.Retention.Tiers) == 0 {
		cfg.Retention.Tiers = append([]TierConfig(nil), DefaultTiers...)
	}
	cfg.Global.LogFormat = strings.ToLower(cfg.Global.LogFormat)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	cfg.Offsite.Storage.Backend = strings.ToLower(cfg.Offsite.Storage.Backend)
}

func expandEnv(cfg *Config) {
	cfg.Global.CatalogPath = os.ExpandEnv(cfg.Global.CatalogPath)
	for i := range cfg.Stores {
		cfg.Stores[i].StatePath = os.ExpandEnv(cfg.Stores[i].StatePath)
		cfg.Stores[i].FilesRoot = os.ExpandEnv(cfg.Stores[i].FilesRoot)
	}
	cfg.Offsite.EncryptionKey = os.ExpandEnv(cfg.Offsite.EncryptionKey)
	cfg.Offsite.Storage.S3.AccessKey = os.ExpandEnv(cfg.Offsite.Storage.S3.AccessKey)
	cfg.Offsite.Storage.S3.SecretKey = os.ExpandEnv(cfg.Offsite.Storage.S3.SecretKey)
	cfg.Offsite.Storage.S3.SessionToken = os.ExpandEnv(cfg.Offsite.Storage.S3.SessionToken)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
