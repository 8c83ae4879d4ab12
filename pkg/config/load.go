package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is where commands look for the config file when the
// --config flag is not given.
const DefaultConfigPath = "stackkit.yaml"

// Load builds the runtime configuration: defaults, then the YAML file at
// path (skipped when path is empty), then a .env file in the working
// directory, then process environment variables. Later sources win.
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// A .env file is optional; variables already set in the process
	// environment are never overridden by it.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	normalize(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays recognized environment variables onto cfg.
func applyEnv(cfg *AppConfig) error {
	strVars := []struct {
		key string
		dst *string
	}{
		{"STACKKIT_ENV", &cfg.Environment},
		{"STACKKIT_STATE_DIR", &cfg.StateDir},
		{"LOG_LEVEL", &cfg.Log.Level},
		{"LOG_FORMAT", &cfg.Log.Format},
		{"AWS_REGION", &cfg.AWS.Region},
		{"SYNC_MODE", &cfg.Sync.Mode},
		{"SYNC_BACKEND", &cfg.Sync.Backend},
		{"SYNC_STRATEGY", &cfg.Sync.Strategy},
		{"SYNC_S3_BUCKET", &cfg.Sync.S3.Bucket},
		{"SYNC_DYNAMODB_TABLE", &cfg.Sync.DynamoDB.Table},
		{"SYNC_HTTP_URL", &cfg.Sync.HTTP.BaseURL},
		{"SYNC_HTTP_TOKEN", &cfg.Sync.HTTP.Token},
		{"SYNC_REDIS_ADDR", &cfg.Sync.Redis.Addr},
		{"SYNC_REDIS_PASSWORD", &cfg.Sync.Redis.Password},
		{"SYNC_SFTP_HOST", &cfg.Sync.SFTP.Host},
		{"TRACE_EXPORTER", &cfg.Trace.Exporter},
		{"TRACE_ENDPOINT", &cfg.Trace.Endpoint},
		{"SERVER_LISTEN_ADDR", &cfg.Server.ListenAddress},
	}
	for _, v := range strVars {
		if val, ok := os.LookupEnv(v.key); ok && val != "" {
			*v.dst = val
		}
	}

	intVars := []struct {
		key string
		dst *int
	}{
		{"SYNC_RETRY_ATTEMPTS", &cfg.Sync.RetryAttempts},
	}
	for _, v := range intVars {
		val, ok := os.LookupEnv(v.key)
		if !ok || val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", v.key, val)
		}
		*v.dst = n
	}

	secVars := []struct {
		key string
		dst *int
	}{
		{"SYNC_INTERVAL", &cfg.Sync.IntervalSeconds},
		{"SYNC_RETRY_DELAY", &cfg.Sync.RetryDelaySeconds},
	}
	for _, v := range secVars {
		val, ok := os.LookupEnv(v.key)
		if !ok || val == "" {
			continue
		}
		n, err := parseSeconds(val)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", v.key, val)
		}
		*v.dst = n
	}

	return nil
}

// parseSeconds accepts either a bare number of seconds ("60") or a Go
// duration string ("1m30s").
func parseSeconds(val string) (int, error) {
	if n, err := strconv.Atoi(val); err == nil {
		return n, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}

// normalize fills derivable blanks after all sources are applied.
func normalize(cfg *AppConfig) {
	if cfg.Sync.S3.Region == "" {
		cfg.Sync.S3.Region = cfg.AWS.Region
	}
	if cfg.Sync.DynamoDB.Region == "" {
		cfg.Sync.DynamoDB.Region = cfg.AWS.Region
	}
	if cfg.Deploy.Region == "" {
		cfg.Deploy.Region = cfg.AWS.Region
	}
}

// Validate checks struct tags plus the cross-field rules the tags cannot
// express.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Sync.Mode == "auto" && c.Sync.Backend == "" {
		return fmt.Errorf("invalid configuration: sync.backend is required when sync.mode is auto")
	}

	switch c.Sync.Backend {
	case "s3":
		if c.Sync.S3.Bucket == "" {
			return fmt.Errorf("invalid configuration: sync.s3.bucket is required for the s3 backend")
		}
	case "dynamodb":
		if c.Sync.DynamoDB.Table == "" {
			return fmt.Errorf("invalid configuration: sync.dynamodb.table is required for the dynamodb backend")
		}
	case "http":
		if c.Sync.HTTP.BaseURL == "" {
			return fmt.Errorf("invalid configuration: sync.http.base_url is required for the http backend")
		}
		if !strings.HasPrefix(c.Sync.HTTP.BaseURL, "http://") && !strings.HasPrefix(c.Sync.HTTP.BaseURL, "https://") {
			return fmt.Errorf("invalid configuration: sync.http.base_url must be an http(s) URL")
		}
	case "redis":
		if c.Sync.Redis.Addr == "" {
			return fmt.Errorf("invalid configuration: sync.redis.addr is required for the redis backend")
		}
	case "sftp":
		if c.Sync.SFTP.Host == "" || c.Sync.SFTP.User == "" {
			return fmt.Errorf("invalid configuration: sync.sftp.host and sync.sftp.user are required for the sftp backend")
		}
	}

	return nil
}
