package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: queue.maxAttempts is read
// from CMDFEED_QUEUE_MAXATTEMPTS.
const EnvPrefix = "CMDFEED"

// newViper returns a viper instance that knows every key in Default, so
// AutomaticEnv can overlay any of them.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	d := Default()
	defaults := map[string]any{
		"dataDir":                 d.DataDir,
		"log.level":               d.Log.Level,
		"log.format":              d.Log.Format,
		"log.outputs":             d.Log.Outputs,
		"log.redactKeys":          d.Log.RedactKeys,
		"log.sampleInitial":       d.Log.SampleInitial,
		"log.sampleThereafter":    d.Log.SampleThereafter,
		"http.addr":               d.HTTP.Addr,
		"http.allowedOrigins":     d.HTTP.AllowedOrigins,
		"http.jwtSecret":          d.HTTP.JWTSecret,
		"grpc.addr":               d.GRPC.Addr,
		"policy.file":             d.Policy.File,
		"queue.default":           d.Queue.Default,
		"queue.maxAttempts":       d.Queue.MaxAttempts,
		"queue.dedupRetention":    d.Queue.DedupRetention,
		"queue.fsync":             d.Queue.Fsync,
		"queue.badger.enabled":    d.Queue.Badger.Enabled,
		"queue.badger.dir":        d.Queue.Badger.Dir,
		"queue.badger.gcInterval": d.Queue.Badger.GCInterval,
		"queue.sqlite.enabled":    d.Queue.SQLite.Enabled,
		"queue.sqlite.path":       d.Queue.SQLite.Path,
		"lease.default":           d.Lease.Default,
		"lease.min":               d.Lease.Min,
		"lease.max":               d.Lease.Max,
		"export.window":           d.Export.Window,
		"export.sliceDuration":    d.Export.SliceDuration,
		"export.timeout":          d.Export.Timeout,
		"export.pollInterval":     d.Export.PollInterval,
		"export.store":            d.Export.Store,
		"export.dynamo.table":     d.Export.Dynamo.Table,
		"export.dynamo.region":    d.Export.Dynamo.Region,
		"export.dynamo.endpoint":  d.Export.Dynamo.Endpoint,
		"notify.kafka.brokers":    d.Notify.Kafka.Brokers,
		"notify.kafka.topic":      d.Notify.Kafka.Topic,
		"notify.kafka.timeout":    d.Notify.Kafka.Timeout,
		"telemetry.enabled":       d.Telemetry.Enabled,
		"telemetry.service":       d.Telemetry.Service,
		"telemetry.endpoint":      d.Telemetry.Endpoint,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	return v
}
