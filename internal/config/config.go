package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rzbill/cmdfeed/internal/command"
)

// Config is the top-level server configuration loaded from file and env.
type Config struct {
	DataDir   string          `mapstructure:"dataDir"`
	Log       LogConfig       `mapstructure:"log"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Export    ExportConfig    `mapstructure:"export"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type LogConfig struct {
	Level      string   `mapstructure:"level"`
	Format     string   `mapstructure:"format"`
	Outputs    []string `mapstructure:"outputs"`
	RedactKeys []string `mapstructure:"redactKeys"`
	// Sampling is off unless SampleThereafter > 0.
	SampleInitial    int `mapstructure:"sampleInitial"`
	SampleThereafter int `mapstructure:"sampleThereafter"`
}

type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	// JWTSecret enables HS256 bearer auth. Empty leaves the API open.
	JWTSecret string `mapstructure:"jwtSecret"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type PolicyConfig struct {
	// File is a YAML policy snapshot. It is re-read when the config changes.
	File string `mapstructure:"file"`
}

// QueueConfig selects the backends. Pebble is always open; Badger and
// SQLite only when enabled.
type QueueConfig struct {
	Default        string        `mapstructure:"default"`
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	DedupRetention time.Duration `mapstructure:"dedupRetention"`
	Fsync          string        `mapstructure:"fsync"`
	Badger         BadgerConfig  `mapstructure:"badger"`
	SQLite         SQLiteConfig  `mapstructure:"sqlite"`
}

type BadgerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Dir        string        `mapstructure:"dir"`
	GCInterval time.Duration `mapstructure:"gcInterval"`
}

type SQLiteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LeaseConfig struct {
	Default   time.Duration            `mapstructure:"default"`
	Min       time.Duration            `mapstructure:"min"`
	Max       time.Duration            `mapstructure:"max"`
	Overrides map[string]time.Duration `mapstructure:"overrides"`
}

type ExportConfig struct {
	Window        time.Duration `mapstructure:"window"`
	SliceDuration time.Duration `mapstructure:"sliceDuration"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"pollInterval"`
	// Store is "pebble" or "dynamodb".
	Store  string       `mapstructure:"store"`
	Dynamo DynamoConfig `mapstructure:"dynamo"`
}

type DynamoConfig struct {
	Table    string `mapstructure:"table"`
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
}

// NotifyConfig adds a Kafka sink next to the log notifier when Brokers is set.
type NotifyConfig struct {
	Kafka KafkaConfig `mapstructure:"kafka"`
}

type KafkaConfig struct {
	Brokers []string      `mapstructure:"brokers"`
	Topic   string        `mapstructure:"topic"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type TelemetryConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Service  string `mapstructure:"service"`
	Endpoint string `mapstructure:"endpoint"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DataDir: DefaultDataDir(),
		Log:     LogConfig{Level: "info", Format: "text", Outputs: []string{"stderr"}},
		HTTP:    HTTPConfig{Addr: ":8080", AllowedOrigins: []string{"*"}},
		GRPC:    GRPCConfig{Addr: ":50051"},
		Queue: QueueConfig{
			Default:        "pebble",
			MaxAttempts:    10,
			DedupRetention: 24 * time.Hour,
			Fsync:          "always",
			Badger:         BadgerConfig{GCInterval: 10 * time.Minute},
		},
		Lease: LeaseConfig{
			Default: 15 * time.Minute,
			Min:     30 * time.Second,
			Max:     24 * time.Hour,
		},
		Export: ExportConfig{
			Window:        48 * time.Hour,
			SliceDuration: time.Hour,
			Timeout:       24 * time.Hour,
			PollInterval:  30 * time.Second,
			Store:         "pebble",
		},
		Notify:    NotifyConfig{Kafka: KafkaConfig{Topic: "cmdfeed.events", Timeout: 10 * time.Second}},
		Telemetry: TelemetryConfig{Service: "cmdfeed"},
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("dataDir is required"))
	}
	def, err := command.ParseStorageType(c.Queue.Default)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("queue.default: %w", err))
	case def == command.StorageBadger && !c.Queue.Badger.Enabled:
		errs = append(errs, errors.New("queue.default is badger but queue.badger.enabled is false"))
	case def == command.StorageSQLite && !c.Queue.SQLite.Enabled:
		errs = append(errs, errors.New("queue.default is sqlite but queue.sqlite.enabled is false"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, errors.New("queue.maxAttempts must be at least 1"))
	}
	if c.Lease.Min <= 0 || c.Lease.Max < c.Lease.Min || c.Lease.Default < c.Lease.Min || c.Lease.Default > c.Lease.Max {
		errs = append(errs, fmt.Errorf("lease: need 0 < min <= default <= max, got %s/%s/%s", c.Lease.Min, c.Lease.Default, c.Lease.Max))
	}
	switch strings.ToLower(c.Export.Store) {
	case "pebble":
	case "dynamodb":
		if c.Export.Dynamo.Table == "" {
			errs = append(errs, errors.New("export.dynamo.table is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("export.store: unknown store %q", c.Export.Store))
	}
	if len(c.Notify.Kafka.Brokers) > 0 && c.Notify.Kafka.Topic == "" {
		errs = append(errs, errors.New("notify.kafka.topic is required when brokers are set"))
	}
	return errors.Join(errs...)
}
