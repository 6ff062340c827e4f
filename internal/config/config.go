// Package config loads loadsim settings from defaults, an optional TOML file,
// LOADSIM_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/wellpulse/loadsim/internal/profile"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Sink types
const (
	SinkHTTP       = "http"
	SinkMQTT       = "mqtt"
	SinkPostgres   = "postgres"
	SinkClickHouse = "clickhouse"
	SinkDuckDB     = "duckdb"
	SinkParquet    = "parquet"
	SinkMemory     = "memory"
)

// SinkTypes lists every supported sink type
var SinkTypes = []string{SinkHTTP, SinkMQTT, SinkPostgres, SinkClickHouse, SinkDuckDB, SinkParquet, SinkMemory}

// Config holds all configuration for loadsim
type Config struct {
	Profile    ProfileConfig
	Sink       SinkConfig
	Buffer     BufferConfig
	HTTP       HTTPConfig
	Breaker    BreakerConfig
	MQTT       MQTTConfig
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	DuckDB     DuckDBConfig
	Parquet    ParquetConfig
	Storage    StorageConfig
	Signal     SignalConfig
	Topology   TopologyConfig
	Stats      StatsConfig
	Status     StatusConfig
	ML         MLConfig
	History    HistoryConfig
	Schedule   ScheduleConfig
	Stub       StubConfig
	Log        LogConfig

	Seed int64 // 0 picks a seed from the clock
}

// ProfileConfig names a preset; non-zero fields override it
type ProfileConfig struct {
	Name             string
	Wells            int
	TagsPerWell      int
	Interval         time.Duration
	EntriesPerMinute float64
	Duration         time.Duration
	MaxInFlight      int
}

type SinkConfig struct {
	Type     string
	Endpoint string // base URL, broker URL or DSN depending on Type
	TenantID string
	Timeout  time.Duration // per remote call
}

type BufferConfig struct {
	MaxRows         int
	MaxAge          time.Duration
	WriteTimeout    time.Duration
	InsertBatchSize int // rows per INSERT statement inside one flush
}

type HTTPConfig struct {
	Encoding        string // json, msgpack
	Compression     string // none, gzip, zstd
	MaxIdleConns    int
	IdleConnTimeout time.Duration
}

type BreakerConfig struct {
	Enabled        bool
	MaxFailures    int
	OpenTimeout    time.Duration
	HalfOpenProbes int
}

type MQTTConfig struct {
	ClientID       string
	TopicPrefix    string
	QoS            int
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

type PostgresConfig struct {
	MaxConns      int
	UseCopy       bool
	ReadingsTable string
	EntriesTable  string
	CreateTables  bool
}

type ClickHouseConfig struct {
	Database      string
	ReadingsTable string
	EntriesTable  string
	CreateTables  bool
}

type DuckDBConfig struct {
	Path        string // empty for in-memory
	MemoryLimit string
	Threads     int
}

type ParquetConfig struct {
	Compression string // snappy, zstd, gzip, none
}

type StorageConfig struct {
	Backend   string
	LocalPath string

	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool

	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
}

type SignalConfig struct {
	Distribution         string
	UncertainProbability float64
}

// TopologyConfig bounds well coordinates; all zero means the Permian Basin box
type TopologyConfig struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

type StatsConfig struct {
	ReportInterval       time.Duration
	WindowSize           int
	MinPercentileSamples int
}

type StatusConfig struct {
	Enabled bool
	Port    int
}

type MLConfig struct {
	URL           string
	Timeout       time.Duration
	ProbeInterval time.Duration // 0 disables the probe
}

type HistoryConfig struct {
	Enabled bool
	Path    string
}

type ScheduleConfig struct {
	Cron string
}

// StubConfig configures cmd/fieldstub
type StubConfig struct {
	Port           int
	FailRate       float64
	Latency        time.Duration
	MaxPayloadSize int64
}

type LogConfig struct {
	Level  string
	Format string
}

// flag name -> config key
var flagKeys = map[string]string{
	"profile":            "profile.name",
	"wells":              "profile.wells",
	"tags":               "profile.tags_per_well",
	"interval":           "profile.interval",
	"entries-per-minute": "profile.entries_per_minute",
	"duration":           "profile.duration",
	"max-in-flight":      "profile.max_in_flight",
	"sink":               "sink.type",
	"endpoint":           "sink.endpoint",
	"tenant":             "sink.tenant_id",
	"encoding":           "http.encoding",
	"compression":        "http.compression",
	"storage":            "storage.backend",
	"seed":               "seed",
	"status":             "status.enabled",
	"status-port":        "status.port",
	"ml-url":             "ml.url",
	"history":            "history.enabled",
	"cron":               "schedule.cron",
	"log-level":          "log.level",
	"log-format":         "log.format",
	"port":               "stub.port",
	"fail-rate":          "stub.fail_rate",
	"latency":            "stub.latency",
}

// RegisterRunFlags adds the generator flags to fs
func RegisterRunFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a loadsim.toml file")
	fs.String("profile", "normal", "load profile: "+strings.Join(profile.Names(), ", "))
	fs.Int("wells", 0, "override the profile's well count")
	fs.Int("tags", 0, "override the profile's tags per well")
	fs.Duration("interval", 0, "override the profile's reading interval")
	fs.Float64("entries-per-minute", 0, "override the profile's field entry rate")
	fs.Duration("duration", 0, "override the profile's run duration")
	fs.Int("max-in-flight", 0, "maximum concurrent reading submissions")
	fs.String("sink", SinkHTTP, "sink type: "+strings.Join(SinkTypes, ", "))
	fs.String("endpoint", "", "sink base URL, broker URL or DSN")
	fs.String("tenant", "", "tenant id sent with every submission")
	fs.String("encoding", "", "http sink body encoding: json or msgpack")
	fs.String("compression", "", "http sink request compression: none, gzip or zstd")
	fs.String("storage", "", "parquet sink storage backend: local, s3 or azure")
	fs.Int64("seed", 0, "random seed (0 picks one from the clock)")
	fs.Bool("status", false, "serve /health and /metrics while running")
	fs.Int("status-port", 0, "status server port")
	fs.String("ml-url", "", "ML service base URL")
	fs.Bool("history", false, "record the run in the history database")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: console or json")
}

// RegisterStubFlags adds the field stub flags to fs
func RegisterStubFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a loadsim.toml file")
	fs.Int("port", 0, "listen port")
	fs.Float64("fail-rate", 0, "share of ingestion requests answered with 503")
	fs.Duration("latency", 0, "artificial latency added to every ingestion request")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: console or json")
}

// Load builds the configuration. fs may be nil; only flags the user set
// override file and environment values.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOADSIM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var configFile string
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("loadsim")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/loadsim/")
		v.AddConfigPath("$HOME/.loadsim/")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	maxPayload, err := ParseSize(v.GetString("stub.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("%w: stub.max_payload_size: %v", ErrInvalid, err)
	}

	cfg := &Config{
		Profile: ProfileConfig{
			Name:             v.GetString("profile.name"),
			Wells:            v.GetInt("profile.wells"),
			TagsPerWell:      v.GetInt("profile.tags_per_well"),
			Interval:         v.GetDuration("profile.interval"),
			EntriesPerMinute: v.GetFloat64("profile.entries_per_minute"),
			Duration:         v.GetDuration("profile.duration"),
			MaxInFlight:      v.GetInt("profile.max_in_flight"),
		},
		Sink: SinkConfig{
			Type:     v.GetString("sink.type"),
			Endpoint: v.GetString("sink.endpoint"),
			TenantID: v.GetString("sink.tenant_id"),
			Timeout:  v.GetDuration("sink.timeout"),
		},
		Buffer: BufferConfig{
			MaxRows:         v.GetInt("buffer.max_rows"),
			MaxAge:          v.GetDuration("buffer.max_age"),
			WriteTimeout:    v.GetDuration("buffer.write_timeout"),
			InsertBatchSize: v.GetInt("buffer.insert_batch_size"),
		},
		HTTP: HTTPConfig{
			Encoding:        v.GetString("http.encoding"),
			Compression:     v.GetString("http.compression"),
			MaxIdleConns:    v.GetInt("http.max_idle_conns"),
			IdleConnTimeout: v.GetDuration("http.idle_conn_timeout"),
		},
		Breaker: BreakerConfig{
			Enabled:        v.GetBool("breaker.enabled"),
			MaxFailures:    v.GetInt("breaker.max_failures"),
			OpenTimeout:    v.GetDuration("breaker.open_timeout"),
			HalfOpenProbes: v.GetInt("breaker.half_open_probes"),
		},
		MQTT: MQTTConfig{
			ClientID:       v.GetString("mqtt.client_id"),
			TopicPrefix:    v.GetString("mqtt.topic_prefix"),
			QoS:            v.GetInt("mqtt.qos"),
			Username:       v.GetString("mqtt.username"),
			Password:       v.GetString("mqtt.password"),
			ConnectTimeout: v.GetDuration("mqtt.connect_timeout"),
		},
		Postgres: PostgresConfig{
			MaxConns:      v.GetInt("postgres.max_conns"),
			UseCopy:       v.GetBool("postgres.use_copy"),
			ReadingsTable: v.GetString("postgres.readings_table"),
			EntriesTable:  v.GetString("postgres.entries_table"),
			CreateTables:  v.GetBool("postgres.create_tables"),
		},
		ClickHouse: ClickHouseConfig{
			Database:      v.GetString("clickhouse.database"),
			ReadingsTable: v.GetString("clickhouse.readings_table"),
			EntriesTable:  v.GetString("clickhouse.entries_table"),
			CreateTables:  v.GetBool("clickhouse.create_tables"),
		},
		DuckDB: DuckDBConfig{
			Path:        v.GetString("duckdb.path"),
			MemoryLimit: v.GetString("duckdb.memory_limit"),
			Threads:     v.GetInt("duckdb.threads"),
		},
		Parquet: ParquetConfig{
			Compression: v.GetString("parquet.compression"),
		},
		Storage: StorageConfig{
			Backend:                 v.GetString("storage.backend"),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Prefix:                v.GetString("storage.s3_prefix"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
		},
		Signal: SignalConfig{
			Distribution:         v.GetString("signal.distribution"),
			UncertainProbability: v.GetFloat64("signal.uncertain_probability"),
		},
		Topology: TopologyConfig{
			MinLat: v.GetFloat64("topology.min_lat"),
			MaxLat: v.GetFloat64("topology.max_lat"),
			MinLon: v.GetFloat64("topology.min_lon"),
			MaxLon: v.GetFloat64("topology.max_lon"),
		},
		Stats: StatsConfig{
			ReportInterval:       v.GetDuration("stats.report_interval"),
			WindowSize:           v.GetInt("stats.window_size"),
			MinPercentileSamples: v.GetInt("stats.min_percentile_samples"),
		},
		Status: StatusConfig{
			Enabled: v.GetBool("status.enabled"),
			Port:    v.GetInt("status.port"),
		},
		ML: MLConfig{
			URL:           v.GetString("ml.url"),
			Timeout:       v.GetDuration("ml.timeout"),
			ProbeInterval: v.GetDuration("ml.probe_interval"),
		},
		History: HistoryConfig{
			Enabled: v.GetBool("history.enabled"),
			Path:    v.GetString("history.path"),
		},
		Schedule: ScheduleConfig{
			Cron: v.GetString("schedule.cron"),
		},
		Stub: StubConfig{
			Port:           v.GetInt("stub.port"),
			FailRate:       v.GetFloat64("stub.fail_rate"),
			Latency:        v.GetDuration("stub.latency"),
			MaxPayloadSize: maxPayload,
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Seed: v.GetInt64("seed"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("profile.name", "normal")
	v.SetDefault("profile.wells", 0)
	v.SetDefault("profile.tags_per_well", 0)
	v.SetDefault("profile.interval", "0s")
	v.SetDefault("profile.entries_per_minute", 0)
	v.SetDefault("profile.duration", "0s")
	v.SetDefault("profile.max_in_flight", 256)

	v.SetDefault("sink.type", SinkHTTP)
	v.SetDefault("sink.endpoint", "http://localhost:4000")
	v.SetDefault("sink.tenant_id", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("sink.timeout", "10s")

	v.SetDefault("buffer.max_rows", 10000)
	v.SetDefault("buffer.max_age", "5s")
	v.SetDefault("buffer.write_timeout", "30s")
	v.SetDefault("buffer.insert_batch_size", 1000)

	v.SetDefault("http.encoding", "json")
	v.SetDefault("http.compression", "none")
	v.SetDefault("http.max_idle_conns", 100)
	v.SetDefault("http.idle_conn_timeout", "90s")

	v.SetDefault("breaker.enabled", true)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", "30s")
	v.SetDefault("breaker.half_open_probes", 3)

	v.SetDefault("mqtt.client_id", "loadsim")
	v.SetDefault("mqtt.topic_prefix", "wellpulse")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.connect_timeout", "10s")

	v.SetDefault("postgres.max_conns", 8)
	v.SetDefault("postgres.use_copy", false)
	v.SetDefault("postgres.readings_table", "scada_readings")
	v.SetDefault("postgres.entries_table", "field_entries")
	v.SetDefault("postgres.create_tables", true)

	v.SetDefault("clickhouse.database", "default")
	v.SetDefault("clickhouse.readings_table", "scada_readings")
	v.SetDefault("clickhouse.entries_table", "field_entries")
	v.SetDefault("clickhouse.create_tables", true)

	v.SetDefault("duckdb.path", "")
	v.SetDefault("duckdb.memory_limit", "1GB")
	v.SetDefault("duckdb.threads", 0)

	v.SetDefault("parquet.compression", "snappy")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data")
	v.SetDefault("storage.s3_bucket", "")
	v.SetDefault("storage.s3_prefix", "")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_endpoint", "")
	v.SetDefault("storage.s3_access_key", "")
	v.SetDefault("storage.s3_secret_key", "")
	v.SetDefault("storage.s3_use_ssl", false)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.azure_connection_string", "")
	v.SetDefault("storage.azure_account_name", "")
	v.SetDefault("storage.azure_account_key", "")
	v.SetDefault("storage.azure_container", "")
	v.SetDefault("storage.azure_endpoint", "")
	v.SetDefault("storage.azure_use_managed_identity", false)

	v.SetDefault("signal.distribution", "gauss")
	v.SetDefault("signal.uncertain_probability", 0.005)

	v.SetDefault("topology.min_lat", 0.0)
	v.SetDefault("topology.max_lat", 0.0)
	v.SetDefault("topology.min_lon", 0.0)
	v.SetDefault("topology.max_lon", 0.0)

	v.SetDefault("stats.report_interval", "10s")
	v.SetDefault("stats.window_size", 1000)
	v.SetDefault("stats.min_percentile_samples", 20)

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 9090)

	v.SetDefault("ml.url", "http://localhost:8000")
	v.SetDefault("ml.timeout", "5s")
	v.SetDefault("ml.probe_interval", "0s")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.path", "./loadsim-history.db")

	v.SetDefault("schedule.cron", "")

	v.SetDefault("stub.port", 8000)
	v.SetDefault("stub.fail_rate", 0.0)
	v.SetDefault("stub.latency", "0s")
	v.SetDefault("stub.max_payload_size", "64MB")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("seed", 0)
}

// Validate rejects settings that cannot produce a run
func (c *Config) Validate() error {
	if !contains(SinkTypes, c.Sink.Type) {
		return fmt.Errorf("%w: sink.type %q (use %s)", ErrInvalid, c.Sink.Type, strings.Join(SinkTypes, ", "))
	}
	if c.Sink.Type != SinkMemory && c.Sink.Type != SinkParquet && c.Sink.Type != SinkDuckDB && c.Sink.Endpoint == "" {
		return fmt.Errorf("%w: sink.endpoint is required for the %s sink", ErrInvalid, c.Sink.Type)
	}
	if c.Sink.Timeout <= 0 {
		return fmt.Errorf("%w: sink.timeout must be positive", ErrInvalid)
	}
	if c.Buffer.MaxRows <= 0 || c.Buffer.MaxAge <= 0 || c.Buffer.InsertBatchSize <= 0 {
		return fmt.Errorf("%w: buffer.max_rows, buffer.max_age and buffer.insert_batch_size must be positive", ErrInvalid)
	}
	if !contains([]string{"json", "msgpack"}, c.HTTP.Encoding) {
		return fmt.Errorf("%w: http.encoding %q (use json or msgpack)", ErrInvalid, c.HTTP.Encoding)
	}
	if !contains([]string{"", "none", "gzip", "zstd"}, c.HTTP.Compression) {
		return fmt.Errorf("%w: http.compression %q (use none, gzip or zstd)", ErrInvalid, c.HTTP.Compression)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: mqtt.qos must be 0, 1 or 2", ErrInvalid)
	}
	if !contains([]string{"snappy", "zstd", "gzip", "none"}, c.Parquet.Compression) {
		return fmt.Errorf("%w: parquet.compression %q", ErrInvalid, c.Parquet.Compression)
	}
	if p := c.Signal.UncertainProbability; p < 0 || p > 1 {
		return fmt.Errorf("%w: signal.uncertain_probability must be within [0, 1]", ErrInvalid)
	}
	if c.Stats.ReportInterval <= 0 || c.Stats.WindowSize <= 0 || c.Stats.MinPercentileSamples <= 0 {
		return fmt.Errorf("%w: stats settings must be positive", ErrInvalid)
	}
	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		return fmt.Errorf("%w: status.port %d out of range", ErrInvalid, c.Status.Port)
	}
	if !contains([]string{"console", "json"}, c.Log.Format) {
		return fmt.Errorf("%w: log.format %q (use console or json)", ErrInvalid, c.Log.Format)
	}
	if _, err := c.ResolveProfile(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// ResolveProfile looks up the named preset and applies the configured overrides
func (c *Config) ResolveProfile() (profile.Profile, error) {
	var o profile.Overrides
	if c.Profile.Wells > 0 {
		o.WellCount = &c.Profile.Wells
	}
	if c.Profile.TagsPerWell > 0 {
		o.TagsPerWell = &c.Profile.TagsPerWell
	}
	if c.Profile.Interval > 0 {
		o.ReadingInterval = &c.Profile.Interval
	}
	if c.Profile.EntriesPerMinute > 0 {
		o.EntriesPerMinute = &c.Profile.EntriesPerMinute
	}
	if c.Profile.Duration > 0 {
		o.Duration = &c.Profile.Duration
	}
	return profile.Resolve(c.Profile.Name, o)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ParseSize parses a human-readable size ("64MB", "512KB", "1GB" or plain bytes)
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
