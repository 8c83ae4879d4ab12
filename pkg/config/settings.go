package config

import (
	"time"
)

// AppConfig is the top-level runtime configuration for the stackkit
// engine. Values come from a YAML file, then a .env file, then process
// environment overrides, in that order of increasing precedence.
type AppConfig struct {
	// Environment is the operating environment of this host.
	Environment string `yaml:"environment" validate:"required,oneof=development staging production"`

	// StateDir is the root directory holding per-stack state documents.
	StateDir string `yaml:"state_dir" validate:"required"`

	// Log configures the zerolog output for commands.
	Log LogSettings `yaml:"log"`

	// Deploy shapes the orchestrated deployment loop.
	Deploy DeploySettings `yaml:"deploy"`

	// Retry is the default policy for transient failures.
	Retry RetrySettings `yaml:"retry"`

	// Sync configures the distributed state synchronizer.
	Sync SyncSettings `yaml:"sync"`

	// Rollback configures the trigger monitor and custom triggers.
	Rollback RollbackSettings `yaml:"rollback"`

	// Health configures the service health prober.
	Health HealthSettings `yaml:"health"`

	// Policy configures the deployment policy gate.
	Policy PolicySettings `yaml:"policy"`

	// Trace configures the OpenTelemetry tracer.
	Trace TraceSettings `yaml:"trace"`

	// Server configures the HTTP state server.
	Server ServerSettings `yaml:"server"`

	// Store configures the local durable records store.
	Store StoreSettings `yaml:"store"`

	// AWS holds region settings shared by the S3 and DynamoDB backends.
	AWS AWSSettings `yaml:"aws"`
}

// LogSettings configures command logging.
type LogSettings struct {
	// Level is the minimum level (trace, debug, info, warn, error, fatal).
	Level string `yaml:"level" validate:"required,oneof=trace debug info warn error fatal"`

	// Format selects console or json output.
	Format string `yaml:"format" validate:"required,oneof=console json"`
}

// DeploySettings shapes the deployment loop.
type DeploySettings struct {
	// TimeoutSeconds bounds a whole deployment; the deployment-timeout
	// rollback trigger fires past it.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gt=0"`

	// Region is the primary target region.
	Region string `yaml:"region" validate:"required"`

	// FallbackRegions are tried in order when the primary region has no
	// capacity.
	FallbackRegions []string `yaml:"fallback_regions"`
}

// Timeout returns the deployment timeout as a duration.
func (d DeploySettings) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

// RetrySettings is the default transient-failure retry policy.
type RetrySettings struct {
	MaxAttempts      int     `yaml:"max_attempts" validate:"gte=1"`
	BaseDelaySeconds int     `yaml:"base_delay_seconds" validate:"gt=0"`
	Multiplier       float64 `yaml:"multiplier" validate:"gte=1"`
	MaxDelaySeconds  int     `yaml:"max_delay_seconds" validate:"gt=0"`
}

// BaseDelay returns the first retry delay as a duration.
func (r RetrySettings) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the backoff cap as a duration.
func (r RetrySettings) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySeconds) * time.Second
}

// SyncSettings configures the state synchronizer and its remote backend.
type SyncSettings struct {
	// Mode is auto, manual or disabled.
	Mode string `yaml:"mode" validate:"required,oneof=auto manual disabled"`

	// Backend names the remote: s3, dynamodb, http, redis or sftp.
	// Empty is allowed while sync is disabled.
	Backend string `yaml:"backend" validate:"omitempty,oneof=s3 dynamodb http redis sftp"`

	// Strategy resolves detected conflicts: timestamp, merge or manual.
	Strategy string `yaml:"strategy" validate:"required,oneof=timestamp merge manual"`

	// IntervalSeconds is the auto-mode tick.
	IntervalSeconds int `yaml:"interval_seconds" validate:"gt=0"`

	// RetryAttempts and RetryDelaySeconds shape the push retry policy.
	RetryAttempts     int `yaml:"retry_attempts" validate:"gte=1"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds" validate:"gt=0"`

	// LockTimeoutSeconds bounds acquisition of the global sync lock.
	LockTimeoutSeconds int `yaml:"lock_timeout_seconds" validate:"gt=0"`

	S3       S3Settings       `yaml:"s3"`
	DynamoDB DynamoDBSettings `yaml:"dynamodb"`
	HTTP     HTTPSettings     `yaml:"http"`
	Redis    RedisSettings    `yaml:"redis"`
	SFTP     SFTPSettings     `yaml:"sftp"`
}

// Interval returns the auto-mode tick as a duration.
func (s SyncSettings) Interval() time.Duration {
	return time.Duration(s.IntervalSeconds) * time.Second
}

// RetryDelay returns the fixed delay between push retries.
func (s SyncSettings) RetryDelay() time.Duration {
	return time.Duration(s.RetryDelaySeconds) * time.Second
}

// LockTimeout returns the sync lock acquisition bound.
func (s SyncSettings) LockTimeout() time.Duration {
	return time.Duration(s.LockTimeoutSeconds) * time.Second
}

// S3Settings configures the S3 object backend.
type S3Settings struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// DynamoDBSettings configures the DynamoDB table backend.
type DynamoDBSettings struct {
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	TTLHours int    `yaml:"ttl_hours" validate:"gte=0"`
}

// TTL returns the item expiry as a duration; zero disables it.
func (d DynamoDBSettings) TTL() time.Duration {
	return time.Duration(d.TTLHours) * time.Hour
}

// HTTPSettings configures the HTTP state-service backend.
type HTTPSettings struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"gte=0"`
}

// Timeout returns the per-request bound; zero means the backend default.
func (h HTTPSettings) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// RedisSettings configures the Redis backend and the global sync lock.
type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
	TTLHours int    `yaml:"ttl_hours" validate:"gte=0"`
}

// TTL returns the document expiry as a duration; zero disables it.
func (r RedisSettings) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// SFTPSettings configures the SFTP file backend.
type SFTPSettings struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
	Prefix         string `yaml:"prefix"`
}

// RollbackSettings configures the rollback monitor.
type RollbackSettings struct {
	// MonitorIntervalSeconds is the trigger evaluation tick.
	MonitorIntervalSeconds int `yaml:"monitor_interval_seconds" validate:"gt=0"`

	// SnapshotRetentionHours bounds how long audit snapshot files are
	// kept before pruning.
	SnapshotRetentionHours int `yaml:"snapshot_retention_hours" validate:"gt=0"`

	// Triggers are custom expression triggers registered alongside the
	// built-in ones.
	Triggers []TriggerSettings `yaml:"triggers" validate:"dive"`
}

// MonitorInterval returns the evaluation tick as a duration.
func (r RollbackSettings) MonitorInterval() time.Duration {
	return time.Duration(r.MonitorIntervalSeconds) * time.Second
}

// SnapshotRetention returns the snapshot retention window.
func (r RollbackSettings) SnapshotRetention() time.Duration {
	return time.Duration(r.SnapshotRetentionHours) * time.Hour
}

// TriggerSettings declares one custom rollback trigger. Expression is a
// Starlark boolean expression over `deployment` and `signals`.
type TriggerSettings struct {
	Name       string `yaml:"name" validate:"required"`
	Priority   int    `yaml:"priority" validate:"gte=0"`
	Mode       string `yaml:"mode" validate:"omitempty,oneof=full partial incremental emergency"`
	Expression string `yaml:"expression" validate:"required"`
}

// HealthSettings configures the service health prober.
type HealthSettings struct {
	// TimeoutSeconds bounds each individual probe.
	TimeoutSeconds int `yaml:"timeout_seconds" validate:"gt=0"`

	// Endpoints are HTTP health checks.
	Endpoints []EndpointSettings `yaml:"endpoints" validate:"dive"`

	// SSH configures remote container checks.
	SSH SSHSettings `yaml:"ssh"`

	// Containers are docker container names checked over SSH.
	Containers []string `yaml:"containers"`
}

// Timeout returns the per-probe bound as a duration.
func (h HealthSettings) Timeout() time.Duration {
	return time.Duration(h.TimeoutSeconds) * time.Second
}

// EndpointSettings declares one HTTP health endpoint.
type EndpointSettings struct {
	Name string `yaml:"name" validate:"required"`
	URL  string `yaml:"url" validate:"required,url"`
}

// SSHSettings configures the SSH prober connection.
type SSHSettings struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port" validate:"gte=0,lte=65535"`
	User           string `yaml:"user"`
	PrivateKeyPath string `yaml:"private_key_path"`
	KnownHostsPath string `yaml:"known_hosts_path"`
}

// PolicySettings configures the deployment policy gate.
type PolicySettings struct {
	// Enabled turns the gate on; disabled means manifests deploy
	// unchecked.
	Enabled bool `yaml:"enabled"`

	// Paths are extra Rego policy files or directories loaded next to
	// the built-in policies.
	Paths []string `yaml:"paths"`

	// Mode is advisory (violations logged) or enforcing (violations
	// block the deployment).
	Mode string `yaml:"mode" validate:"required,oneof=advisory enforcing"`
}

// TraceSettings configures span export for deployments, syncs and
// rollbacks.
type TraceSettings struct {
	Enabled bool `yaml:"enabled"`

	// Exporter is otlp, stdout or none.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP collector address. Ignored by the other
	// exporters.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces kept, 0 to 1.
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// ServerSettings configures the HTTP state server.
type ServerSettings struct {
	ListenAddress string `yaml:"listen_address" validate:"required"`

	// DataDir holds the documents peers push. It is distinct from the
	// local state store: the server stores transport envelopes, not this
	// host's own state files.
	DataDir string `yaml:"data_dir" validate:"required"`

	// ReadTimeoutSeconds and WriteTimeoutSeconds bound request handling.
	ReadTimeoutSeconds  int `yaml:"read_timeout_seconds" validate:"gt=0"`
	WriteTimeoutSeconds int `yaml:"write_timeout_seconds" validate:"gt=0"`
}

// ReadTimeout returns the server read bound as a duration.
func (s ServerSettings) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSeconds) * time.Second
}

// WriteTimeout returns the server write bound as a duration.
func (s ServerSettings) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSeconds) * time.Second
}

// StoreSettings configures the sqlite records store.
type StoreSettings struct {
	Path string `yaml:"path" validate:"required"`
}

// AWSSettings holds shared AWS client settings.
type AWSSettings struct {
	Region string `yaml:"region"`
}

// Default returns the configuration used when no file overrides it.
func Default() *AppConfig {
	return &AppConfig{
		Environment: "development",
		StateDir:    "./data/state",
		Log: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Deploy: DeploySettings{
			TimeoutSeconds:  1800,
			Region:          "us-east-1",
			FallbackRegions: []string{"us-west-2", "eu-west-1", "ap-northeast-1"},
		},
		Retry: RetrySettings{
			MaxAttempts:      3,
			BaseDelaySeconds: 30,
			Multiplier:       2,
			MaxDelaySeconds:  300,
		},
		Sync: SyncSettings{
			Mode:               "manual",
			Strategy:           "timestamp",
			IntervalSeconds:    60,
			RetryAttempts:      3,
			RetryDelaySeconds:  5,
			LockTimeoutSeconds: 60,
			SFTP:               SFTPSettings{Port: 22},
		},
		Rollback: RollbackSettings{
			MonitorIntervalSeconds: 30,
			SnapshotRetentionHours: 168,
		},
		Health: HealthSettings{
			TimeoutSeconds: 10,
			SSH:            SSHSettings{Port: 22},
		},
		Policy: PolicySettings{
			Enabled: true,
			Mode:    "enforcing",
		},
		Trace: TraceSettings{
			Exporter:     "stdout",
			SamplingRate: 1.0,
		},
		Server: ServerSettings{
			ListenAddress:       ":8080",
			DataDir:             "./data/remote",
			ReadTimeoutSeconds:  15,
			WriteTimeoutSeconds: 15,
		},
		Store: StoreSettings{
			Path: "./data/stackkit.db",
		},
		AWS: AWSSettings{
			Region: "us-east-1",
		},
	}
}
