package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config keys
const (
	KeyRedisURL       = "redis.url"
	KeyRedisNamespace = "redis.namespace"

	KeyLocalKeyPrefix     = "local.key_prefix"
	KeyLocalNotifyChannel = "local.notify_channel"

	KeyGraphBaseURL         = "graph.base_url"
	KeyGraphTimeout         = "graph.timeout"
	KeyGraphTenantID        = "graph.tenant_id"
	KeyGraphClientID        = "graph.client_id"
	KeyGraphClientSecret    = "graph.client_secret"
	KeyGraphScopes          = "graph.scopes"
	KeyGraphDefaultPlanID   = "graph.default_plan_id"
	KeyGraphDefaultBucketID = "graph.default_bucket_id"
	KeyGraphGroupIDs        = "graph.group_ids"

	KeySyncBatchSize         = "sync.batch_size"
	KeySyncBatchTimeout      = "sync.batch_timeout"
	KeySyncConflictGrace     = "sync.conflict_grace"
	KeySyncExcludeCompleted  = "sync.exclude_completed"
	KeySyncCatchUpWindow     = "sync.catchup_window"
	KeySyncFailureThreshold  = "sync.failure_threshold"
	KeySyncLocalScanInterval = "sync.local_scan_interval"
	KeySyncRetryDelay        = "sync.retry_delay"
	KeySyncSingleInstance    = "sync.single_instance"
	KeySyncLockFile          = "sync.lock_file"

	KeyPollActiveInterval   = "poll.active_interval"
	KeyPollNormalInterval   = "poll.normal_interval"
	KeyPollInactiveInterval = "poll.inactive_interval"
	KeyPollActiveThreshold  = "poll.active_threshold"

	KeyRateBreakerThreshold = "ratelimit.breaker_threshold"
	KeyRateBreakerCooldown  = "ratelimit.breaker_cooldown"
	KeyRateMaxBackoff       = "ratelimit.max_backoff"
	KeyRateRPS              = "ratelimit.requests_per_second"
	KeyRateBurst            = "ratelimit.burst"

	KeyCacheTTL      = "cache.ttl"
	KeyCacheMaxPages = "cache.max_pages"

	KeyIdentityUsers     = "identity.users"
	KeyIdentityUsersFile = "identity.users_file"

	KeyHintsTransport    = "hints.transport"
	KeyHintsRedisChannel = "hints.redis_channel"
	KeyHintsNATSURL      = "hints.nats_url"
	KeyHintsNATSSubject  = "hints.nats_subject"

	KeyWebhookEnabled     = "webhook.enabled"
	KeyWebhookAddr        = "webhook.addr"
	KeyWebhookClientState = "webhook.client_state"

	KeyTelemetryEnabled        = "telemetry.enabled"
	KeyTelemetryEndpoint       = "telemetry.endpoint"
	KeyTelemetryInsecure       = "telemetry.insecure"
	KeyTelemetryStdout         = "telemetry.stdout"
	KeyTelemetrySampleRatio    = "telemetry.sample_ratio"
	KeyTelemetryMetricInterval = "telemetry.metric_interval"

	KeyLogLevel      = "log.level"
	KeyLogFormat     = "log.format"
	KeyLogFile       = "log.file"
	KeyLogMaxSizeMB  = "log.max_size_mb"
	KeyLogMaxBackups = "log.max_backups"
)

// HintsTransport selects how change hints reach the engine.
type HintsTransport string

const (
	// HintsRedis delivers hints over Redis pub/sub (default)
	HintsRedis HintsTransport = "redis"
	// HintsNATS delivers hints over a NATS subject
	HintsNATS HintsTransport = "nats"
)

// RegisterDefaults installs the built-in value of every key.
func RegisterDefaults() {
	if v == nil {
		return
	}

	v.SetDefault(KeyRedisURL, "redis://localhost:6379/0")
	v.SetDefault(KeyRedisNamespace, "annika")
	v.SetDefault(KeyLocalKeyPrefix, "annika:tasks:")
	v.SetDefault(KeyLocalNotifyChannel, "annika:tasks:updates")

	v.SetDefault(KeyGraphBaseURL, "https://graph.microsoft.com/v1.0")
	v.SetDefault(KeyGraphTimeout, "30s")
	v.SetDefault(KeyGraphScopes, "https://graph.microsoft.com/.default")

	v.SetDefault(KeySyncBatchSize, 10)
	v.SetDefault(KeySyncBatchTimeout, "5s")
	v.SetDefault(KeySyncConflictGrace, "30s")
	v.SetDefault(KeySyncExcludeCompleted, true)
	v.SetDefault(KeySyncCatchUpWindow, "24h")
	v.SetDefault(KeySyncFailureThreshold, 3)
	v.SetDefault(KeySyncLocalScanInterval, "60s")
	v.SetDefault(KeySyncRetryDelay, "10s")
	v.SetDefault(KeySyncSingleInstance, true)

	v.SetDefault(KeyPollActiveInterval, "60s")
	v.SetDefault(KeyPollNormalInterval, "300s")
	v.SetDefault(KeyPollInactiveInterval, "1800s")
	v.SetDefault(KeyPollActiveThreshold, 10)

	v.SetDefault(KeyRateBreakerThreshold, 5)
	v.SetDefault(KeyRateBreakerCooldown, "60s")
	v.SetDefault(KeyRateMaxBackoff, "300s")
	v.SetDefault(KeyRateRPS, 0)
	v.SetDefault(KeyRateBurst, 1)

	v.SetDefault(KeyCacheTTL, "24h")
	v.SetDefault(KeyCacheMaxPages, 50)

	v.SetDefault(KeyHintsTransport, string(HintsRedis))
	v.SetDefault(KeyHintsRedisChannel, "annika:planner:hints")
	v.SetDefault(KeyHintsNATSURL, "nats://127.0.0.1:4222")
	v.SetDefault(KeyHintsNATSSubject, "plannersync.hints")

	v.SetDefault(KeyWebhookEnabled, false)
	v.SetDefault(KeyWebhookAddr, ":8787")

	v.SetDefault(KeyTelemetryEnabled, false)
	v.SetDefault(KeyTelemetryInsecure, true)
	v.SetDefault(KeyTelemetryStdout, false)
	v.SetDefault(KeyTelemetrySampleRatio, 1.0)
	v.SetDefault(KeyTelemetryMetricInterval, "30s")

	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyLogMaxSizeMB, 50)
	v.SetDefault(KeyLogMaxBackups, 3)
}

// GetHintsTransport returns the configured hint transport, or HintsRedis if
// unset or invalid. An invalid value is reported on stderr.
func GetHintsTransport() HintsTransport {
	value := GetString(KeyHintsTransport)
	if value == "" {
		return HintsRedis
	}
	t := HintsTransport(strings.ToLower(strings.TrimSpace(value)))
	switch t {
	case HintsRedis, HintsNATS:
		return t
	}
	fmt.Fprintf(os.Stderr, "Warning: invalid hints.transport %q in config (valid: redis, nats), using default 'redis'\n", value)
	return HintsRedis
}

// Settings is a typed snapshot of the configuration.
type Settings struct {
	Redis     RedisSettings
	Local     LocalSettings
	Graph     GraphSettings
	Sync      SyncSettings
	Poll      PollSettings
	Rate      RateSettings
	Cache     CacheSettings
	Identity  IdentitySettings
	Hints     HintsSettings
	Webhook   WebhookSettings
	Telemetry TelemetrySettings
	Log       LogSettings
}

type RedisSettings struct {
	URL       string
	Namespace string
}

type LocalSettings struct {
	KeyPrefix     string
	NotifyChannel string
}

type GraphSettings struct {
	BaseURL         string
	Timeout         time.Duration
	TenantID        string
	ClientID        string
	ClientSecret    string
	Scopes          string
	DefaultPlanID   string
	DefaultBucketID string
	GroupIDs        []string
}

type SyncSettings struct {
	BatchSize         int
	BatchTimeout      time.Duration
	ConflictGrace     time.Duration
	ExcludeCompleted  bool
	CatchUpWindow     time.Duration
	FailureThreshold  int
	LocalScanInterval time.Duration
	RetryDelay        time.Duration
	// SingleInstance makes run hold LockFile (default: under the temp dir).
	SingleInstance bool
	LockFile       string
}

type PollSettings struct {
	ActiveInterval   time.Duration
	NormalInterval   time.Duration
	InactiveInterval time.Duration
	ActiveThreshold  int
}

type RateSettings struct {
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	MaxBackoff        time.Duration
	RequestsPerSecond float64
	Burst             int
}

type CacheSettings struct {
	TTL      time.Duration
	MaxPages int
}

type IdentitySettings struct {
	// Users maps remote user id to display name.
	Users     map[string]string
	UsersFile string
}

type HintsSettings struct {
	Transport    HintsTransport
	RedisChannel string
	NATSURL      string
	NATSSubject  string
}

type WebhookSettings struct {
	Enabled     bool
	Addr        string
	ClientState string
}

type TelemetrySettings struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	Stdout         bool
	SampleRatio    float64
	MetricInterval time.Duration
}

type LogSettings struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Load returns the current configuration as Settings.
func Load() Settings {
	return Settings{
		Redis: RedisSettings{
			URL:       GetString(KeyRedisURL),
			Namespace: GetString(KeyRedisNamespace),
		},
		Local: LocalSettings{
			KeyPrefix:     GetString(KeyLocalKeyPrefix),
			NotifyChannel: GetString(KeyLocalNotifyChannel),
		},
		Graph: GraphSettings{
			BaseURL:         GetString(KeyGraphBaseURL),
			Timeout:         GetDuration(KeyGraphTimeout),
			TenantID:        GetString(KeyGraphTenantID),
			ClientID:        GetString(KeyGraphClientID),
			ClientSecret:    GetString(KeyGraphClientSecret),
			Scopes:          GetString(KeyGraphScopes),
			DefaultPlanID:   GetString(KeyGraphDefaultPlanID),
			DefaultBucketID: GetString(KeyGraphDefaultBucketID),
			GroupIDs:        GetStringSlice(KeyGraphGroupIDs),
		},
		Sync: SyncSettings{
			BatchSize:         GetInt(KeySyncBatchSize),
			BatchTimeout:      GetDuration(KeySyncBatchTimeout),
			ConflictGrace:     GetDuration(KeySyncConflictGrace),
			ExcludeCompleted:  GetBool(KeySyncExcludeCompleted),
			CatchUpWindow:     GetDuration(KeySyncCatchUpWindow),
			FailureThreshold:  GetInt(KeySyncFailureThreshold),
			LocalScanInterval: GetDuration(KeySyncLocalScanInterval),
			RetryDelay:        GetDuration(KeySyncRetryDelay),
			SingleInstance:    GetBool(KeySyncSingleInstance),
			LockFile:          GetString(KeySyncLockFile),
		},
		Poll: PollSettings{
			ActiveInterval:   GetDuration(KeyPollActiveInterval),
			NormalInterval:   GetDuration(KeyPollNormalInterval),
			InactiveInterval: GetDuration(KeyPollInactiveInterval),
			ActiveThreshold:  GetInt(KeyPollActiveThreshold),
		},
		Rate: RateSettings{
			BreakerThreshold:  GetInt(KeyRateBreakerThreshold),
			BreakerCooldown:   GetDuration(KeyRateBreakerCooldown),
			MaxBackoff:        GetDuration(KeyRateMaxBackoff),
			RequestsPerSecond: GetFloat64(KeyRateRPS),
			Burst:             GetInt(KeyRateBurst),
		},
		Cache: CacheSettings{
			TTL:      GetDuration(KeyCacheTTL),
			MaxPages: GetInt(KeyCacheMaxPages),
		},
		Identity: IdentitySettings{
			Users:     GetStringMapString(KeyIdentityUsers),
			UsersFile: GetString(KeyIdentityUsersFile),
		},
		Hints: HintsSettings{
			Transport:    GetHintsTransport(),
			RedisChannel: GetString(KeyHintsRedisChannel),
			NATSURL:      GetString(KeyHintsNATSURL),
			NATSSubject:  GetString(KeyHintsNATSSubject),
		},
		Webhook: WebhookSettings{
			Enabled:     GetBool(KeyWebhookEnabled),
			Addr:        GetString(KeyWebhookAddr),
			ClientState: GetString(KeyWebhookClientState),
		},
		Telemetry: TelemetrySettings{
			Enabled:        GetBool(KeyTelemetryEnabled),
			Endpoint:       GetString(KeyTelemetryEndpoint),
			Insecure:       GetBool(KeyTelemetryInsecure),
			Stdout:         GetBool(KeyTelemetryStdout),
			SampleRatio:    GetFloat64(KeyTelemetrySampleRatio),
			MetricInterval: GetDuration(KeyTelemetryMetricInterval),
		},
		Log: LogSettings{
			Level:      GetString(KeyLogLevel),
			Format:     GetString(KeyLogFormat),
			File:       GetString(KeyLogFile),
			MaxSizeMB:  GetInt(KeyLogMaxSizeMB),
			MaxBackups: GetInt(KeyLogMaxBackups),
		},
	}
}
