// Package config loads the kernel's process configuration from environment
// variables via struct tags, grounded on
// components/ledger/internal/bootstrap/config.go's Config struct from the
// teacher (env tags + envDefault, parsed once at process start).
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"
)

// Config is the top level configuration for the kernel process.
type Config struct {
	EnvName  string `env:"ENV_NAME" envDefault:"development"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	ServerAddress string `env:"SERVER_ADDRESS" envDefault:":3003"`

	PostgresPrimaryDSN string `env:"POSTGRES_PRIMARY_DSN"`
	PostgresReplicaDSN string `env:"POSTGRES_REPLICA_DSN"`
	PostgresMigrations string `env:"POSTGRES_MIGRATIONS_PATH" envDefault:"internal/platform/mpostgres/migrations"`

	RedisURL    string `env:"REDIS_URL"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	MongoURI    string `env:"MONGO_URI"`
	MongoDB     string `env:"MONGO_DATABASE" envDefault:"escrow_forensics"`

	OtelServiceName         string `env:"OTEL_RESOURCE_SERVICE_NAME" envDefault:"escrow-kernel"`
	OtelColExporterEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	EnableTelemetry         bool   `env:"ENABLE_TELEMETRY" envDefault:"false"`

	KillSwitchCacheTTL time.Duration `env:"KILL_SWITCH_CACHE_TTL" envDefault:"5m"`
	LeaseTTL           time.Duration `env:"LEASE_TTL" envDefault:"30s"`
	IdempotencyTTL     time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"8"`
	SweeperInterval   time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1m"`
	PendingTxTimeout  time.Duration `env:"PENDING_TX_TIMEOUT" envDefault:"5m"`

	ProcessorBaseURL string        `env:"PROCESSOR_BASE_URL"`
	ProcessorTimeout time.Duration `env:"PROCESSOR_TIMEOUT" envDefault:"30s"`

	MaxProofRequestsPerTask int `env:"MAX_PROOF_REQUESTS_PER_TASK" envDefault:"3"`
}

// Load populates a Config from environment variables, applying envDefault
// where the variable is unset, mirroring the teacher's
// libCommons.SetConfigFromEnvVars reflection-driven loader.
func Load() (*Config, error) {
	cfg := &Config{}

	v := reflect.ValueOf(cfg).Elem()
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		raw, ok := os.LookupEnv(envKey)
		if !ok {
			raw = field.Tag.Get("envDefault")
			if raw == "" {
				continue
			}
		}

		if err := setField(v.Field(i), raw); err != nil {
			return nil, fmt.Errorf("config: field %s: %w", field.Name, err)
		}
	}

	return cfg, nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}

		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return err
			}

			field.Set(reflect.ValueOf(d))

			return nil
		}

		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}

		field.SetInt(n)
	default:
		return fmt.Errorf("unsupported config field kind %s", field.Kind())
	}

	return nil
}
