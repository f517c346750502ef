package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAGEGEN_STORAGE_BACKEND.
const EnvPrefix = "PAGEGEN"

var envPattern = regexp.MustCompile(`\${(\w+)(:([^}]*))?}`)

// Load reads configuration in priority order: dir/config.yaml, then
// dir/config.<APP_ENV>.yaml, then PAGEGEN_* environment variables. Both
// files are optional; defaults fill the gaps.
func Load(dir string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if err := loadConfigFile(v, filepath.Join(dir, "config.yaml")); err != nil {
		return nil, err
	}

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development"
	}
	if err := loadConfigFile(v, filepath.Join(dir, fmt.Sprintf("config.%s.yaml", env))); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Storage.Hosted.Enabled = cfg.Storage.Backend == "hosted"

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// loadConfigFile expands ${VAR:default} placeholders in path and merges it
// into v. A missing file is skipped.
func loadConfigFile(v *viper.Viper, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	reader := strings.NewReader(expandEnv(string(content)))
	if err := v.MergeConfig(reader); err != nil {
		return fmt.Errorf("failed to merge config %s: %w", path, err)
	}
	return nil
}

// expandEnv replaces ${VAR} and ${VAR:default}. Unset variables without a
// default are left as is.
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := envPattern.FindStringSubmatch(match)
		if val, ok := os.LookupEnv(sub[1]); ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		return match
	})
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "pagegen")
	v.SetDefault("app.env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.hosted.dsn", "")
	v.SetDefault("storage.hosted.max_conns", 10)
	v.SetDefault("storage.hosted.connect_timeout", "5s")
	v.SetDefault("storage.hosted.max_conn_lifetime", "30m")

	v.SetDefault("batch.high_concurrency_limit", 4)
	v.SetDefault("batch.max_retries", 2)
	v.SetDefault("batch.base_delay", "1s")
	v.SetDefault("batch.max_delay", "8s")
	v.SetDefault("batch.call_timeout", "0s")
	v.SetDefault("batch.dispatch_interval", "0s")

	v.SetDefault("provider.request_timeout", "10m")
	v.SetDefault("provider.cache_ttl", "30m")

	v.SetDefault("ratelimit.requests_per_minute", 0)
	v.SetDefault("ratelimit.tokens_per_minute", 0)
	v.SetDefault("ratelimit.max_wait", "2m")
	v.SetDefault("ratelimit.redis_addr", "")
	v.SetDefault("ratelimit.redis_password", "")
	v.SetDefault("ratelimit.redis_db", 0)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
}
