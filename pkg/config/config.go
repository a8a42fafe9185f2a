// Package config loads the manager's environment-driven configuration and
// supports an in-place reload triggered by SIGHUP.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const (
	authorizedTokenPrefix = "AUTHORIZED_TOKENS__"
	adminUserPrefix       = "ADMIN_USERS__"
)

// Config is the manager's full runtime configuration, reloaded wholesale on
// SIGHUP rather than mutated field-by-field.
type Config struct {
	ManagerProtocol string
	ManagerHost     string
	ManagerPort     int
	ManagerVersion  string

	Environment string // "dev" or "production"
	DataDir     string

	RunnersStorageEnabled bool
	RunnersStoragePath    string

	CleanupTaskFilesDays   int
	CleanupIntervalSeconds int

	StalenessThresholdSeconds   int
	LivenessPollIntervalSeconds int
	TaskTimeoutHours            int

	PrioritiesEnabled         bool
	PriorityDomain            string
	MaxOtherDomainTaskPercent int

	CompletionNotifyMaxRetries        int
	CompletionNotifyRetryDelaySeconds float64
	CompletionNotifyBackoffFactor     float64

	NotifyURLAllowedHosts        []string
	NotifyURLAllowPrivateNetworks bool

	CORSAllowOrigins     []string
	CORSAllowCredentials bool
	CORSAllowMethods     []string
	CORSAllowHeaders     []string

	RateLimitPerMinute int

	AuthorizedTokens map[string]string
	AdminUsers       map[string]string
}

func defaults(v *viper.Viper) {
	v.SetDefault("MANAGER_PROTOCOL", "http")
	v.SetDefault("MANAGER_HOST", "0.0.0.0")
	v.SetDefault("MANAGER_PORT", 8080)
	v.SetDefault("MANAGER_VERSION", "1.0.0")

	v.SetDefault("ENVIRONMENT", "dev")
	v.SetDefault("DATA_DIR", "data")

	v.SetDefault("RUNNERS_STORAGE_ENABLED", false)
	v.SetDefault("RUNNERS_STORAGE_PATH", "")

	v.SetDefault("CLEANUP_TASK_FILES_DAYS", 30)
	v.SetDefault("CLEANUP_INTERVAL_SECONDS", 3600)

	v.SetDefault("STALENESS_THRESHOLD_SECONDS", 60)
	v.SetDefault("LIVENESS_POLL_INTERVAL_SECONDS", 30)
	v.SetDefault("TASK_TIMEOUT_HOURS", 24)

	v.SetDefault("PRIORITIES_ENABLED", false)
	v.SetDefault("PRIORITY_DOMAIN", "")
	v.SetDefault("MAX_OTHER_DOMAIN_TASK_PERCENT", 100)

	v.SetDefault("COMPLETION_NOTIFY_MAX_RETRIES", 3)
	v.SetDefault("COMPLETION_NOTIFY_RETRY_DELAY_SECONDS", 5)
	v.SetDefault("COMPLETION_NOTIFY_BACKOFF_FACTOR", 2.0)

	v.SetDefault("NOTIFY_URL_ALLOWED_HOSTS", "")
	v.SetDefault("NOTIFY_URL_ALLOW_PRIVATE_NETWORKS", false)

	v.SetDefault("CORS_ALLOW_ORIGINS", "")
	v.SetDefault("CORS_ALLOW_CREDENTIALS", false)
	v.SetDefault("CORS_ALLOW_METHODS", "GET,POST")
	v.SetDefault("CORS_ALLOW_HEADERS", "Authorization,Content-Type")

	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load reads configuration from the process environment and, if present, an
// env-file at envFilePath (empty string skips the file).
func Load(envFilePath string) (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AutomaticEnv()

	if envFilePath != "" {
		if _, err := os.Stat(envFilePath); err == nil {
			v.SetConfigFile(envFilePath)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("config: reading %s: %w", envFilePath, err)
			}
		}
	}

	cfg := &Config{
		ManagerProtocol: v.GetString("MANAGER_PROTOCOL"),
		ManagerHost:     v.GetString("MANAGER_HOST"),
		ManagerPort:     v.GetInt("MANAGER_PORT"),
		ManagerVersion:  v.GetString("MANAGER_VERSION"),

		Environment: v.GetString("ENVIRONMENT"),
		DataDir:     v.GetString("DATA_DIR"),

		RunnersStorageEnabled: v.GetBool("RUNNERS_STORAGE_ENABLED"),
		RunnersStoragePath:    v.GetString("RUNNERS_STORAGE_PATH"),

		CleanupTaskFilesDays:   v.GetInt("CLEANUP_TASK_FILES_DAYS"),
		CleanupIntervalSeconds: v.GetInt("CLEANUP_INTERVAL_SECONDS"),

		StalenessThresholdSeconds:   v.GetInt("STALENESS_THRESHOLD_SECONDS"),
		LivenessPollIntervalSeconds: v.GetInt("LIVENESS_POLL_INTERVAL_SECONDS"),
		TaskTimeoutHours:            v.GetInt("TASK_TIMEOUT_HOURS"),

		PrioritiesEnabled:         v.GetBool("PRIORITIES_ENABLED"),
		PriorityDomain:            v.GetString("PRIORITY_DOMAIN"),
		MaxOtherDomainTaskPercent: v.GetInt("MAX_OTHER_DOMAIN_TASK_PERCENT"),

		CompletionNotifyMaxRetries:        v.GetInt("COMPLETION_NOTIFY_MAX_RETRIES"),
		CompletionNotifyRetryDelaySeconds: v.GetFloat64("COMPLETION_NOTIFY_RETRY_DELAY_SECONDS"),
		CompletionNotifyBackoffFactor:     v.GetFloat64("COMPLETION_NOTIFY_BACKOFF_FACTOR"),

		NotifyURLAllowedHosts:         splitCSV(v.GetString("NOTIFY_URL_ALLOWED_HOSTS")),
		NotifyURLAllowPrivateNetworks: v.GetBool("NOTIFY_URL_ALLOW_PRIVATE_NETWORKS"),

		CORSAllowOrigins:     splitCSV(v.GetString("CORS_ALLOW_ORIGINS")),
		CORSAllowCredentials: v.GetBool("CORS_ALLOW_CREDENTIALS"),
		CORSAllowMethods:     splitCSV(v.GetString("CORS_ALLOW_METHODS")),
		CORSAllowHeaders:     splitCSV(v.GetString("CORS_ALLOW_HEADERS")),

		RateLimitPerMinute: v.GetInt("RATE_LIMIT_PER_MINUTE"),

		AuthorizedTokens: scanPrefixed(authorizedTokenPrefix),
		AdminUsers:       scanPrefixed(adminUserPrefix),
	}

	if cfg.PrioritiesEnabled && cfg.PriorityDomain == "" {
		// Auto-disable rather than fail: an operator who forgot the
		// domain still gets a working manager, just without priority
		// routing.
		cfg.PrioritiesEnabled = false
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Watch re-loads the full configuration and invokes onChange whenever
// envFilePath is written to, riding on viper's fsnotify-backed file watcher
// rather than polling. A SIGHUP still triggers an explicit reload
// independent of this, so an operator without inotify support (e.g. some
// network filesystems) is not left without a reload path.
func Watch(envFilePath string, onChange func(*Config)) error {
	if envFilePath == "" {
		return nil
	}
	if _, err := os.Stat(envFilePath); err != nil {
		return fmt.Errorf("config: watch %s: %w", envFilePath, err)
	}

	v := viper.New()
	v.SetConfigFile(envFilePath)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("config: watch %s: %w", envFilePath, err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := Load(envFilePath)
		if err != nil {
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

// scanPrefixed walks the process environment for KEY__name=value entries and
// returns name -> value. Viper's static binding can't express an unbounded
// set of dynamically named keys against a static struct, so this falls back
// to a direct os.Environ() walk.
func scanPrefixed(prefix string) map[string]string {
	out := map[string]string{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) {
			continue
		}
		name := strings.TrimPrefix(k, prefix)
		if name != "" {
			out[name] = v
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.CORSAllowCredentials {
		for _, o := range cfg.CORSAllowOrigins {
			if o == "*" {
				return fmt.Errorf("config: CORS_ALLOW_CREDENTIALS cannot be combined with a wildcard origin")
			}
		}
	}
	if cfg.RunnersStorageEnabled && cfg.RunnersStoragePath == "" {
		return fmt.Errorf("config: RUNNERS_STORAGE_ENABLED requires RUNNERS_STORAGE_PATH")
	}
	if cfg.MaxOtherDomainTaskPercent < 0 || cfg.MaxOtherDomainTaskPercent > 100 {
		return fmt.Errorf("config: MAX_OTHER_DOMAIN_TASK_PERCENT must be within 0-100")
	}
	return nil
}
