package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// DefaultEnvFile is read when LoadOptions.EnvFile is empty. A missing file is not an error.
const DefaultEnvFile = ".env"

// Defaults returns the configuration used when nothing else is supplied.
func Defaults() Config {
	return Config{
		BusSystem:          BusNATS,
		NATSHost:           "localhost",
		NATSPort:           4222,
		NATSClientName:     "http-to-nats-proxy",
		NATSMaxReconnects:  60,
		NATSReconnectWait:  2 * time.Second,
		NATSConnectTimeout: 2 * time.Second,
		ListenHost:         "0.0.0.0",
		ListenPort:         3000,
		ReplyTimeout:       30 * time.Second,
		ShutdownTimeout:    10 * time.Second,
		MaxRequestBytes:    4 << 20,
		RequestIDHeader:    "x-request-id",
		MetricsEnabled:     true,
		MetricsPort:        9090,
		LogLevel:           "info",
		LogFormat:          "json",
	}
}

// LoadOptions controls where Load reads configuration from.
type LoadOptions struct {
	// EnvFile is an optional dotenv file. Values already in the environment win.
	EnvFile string
	// Flags, when set, overrides environment values for every flag the user changed.
	Flags *pflag.FlagSet
}

// Load resolves the configuration from defaults, an optional dotenv file, the
// process environment and command line flags, in increasing precedence, then
// validates it.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	v := viper.New()
	defaults := Defaults()
	for key, value := range defaultValues(defaults) {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			key := flagKey(f.Name)
			if _, known := defaultValues(defaults)[key]; !known {
				return
			}
			if err := v.BindPFlag(key, f); err != nil {
				bindErr = errors.Join(bindErr, err)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("config: bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.BusSystem = strings.ToLower(strings.TrimSpace(cfg.BusSystem))
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return &cfg, nil
}

// RegisterFlags adds one flag per configuration key. Flag names are the keys in
// kebab case, for example --listen-port.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String("bus-system", d.BusSystem, "message bus: nats or channel")
	fs.String("nats-host", d.NATSHost, "NATS server host or URL")
	fs.Int("nats-port", d.NATSPort, "NATS server port")
	fs.String("nats-client-name", d.NATSClientName, "client name reported to NATS")
	fs.String("nats-token", "", "NATS authentication token")
	fs.Int("nats-max-reconnects", d.NATSMaxReconnects, "NATS reconnect attempts, -1 for unlimited")
	fs.Duration("nats-reconnect-wait", d.NATSReconnectWait, "delay between NATS reconnect attempts")
	fs.Duration("nats-connect-timeout", d.NATSConnectTimeout, "NATS dial timeout")
	fs.String("listen-host", d.ListenHost, "HTTP listen host")
	fs.Int("listen-port", d.ListenPort, "HTTP listen port")
	fs.Duration("reply-timeout", d.ReplyTimeout, "how long to wait for a reply")
	fs.Duration("shutdown-timeout", d.ShutdownTimeout, "grace period for in-flight requests on shutdown")
	fs.Int64("max-request-bytes", d.MaxRequestBytes, "maximum request body size, 0 for unlimited")
	fs.String("request-id-header", d.RequestIDHeader, "header carrying the caller's idempotency token")
	fs.Bool("metrics-enabled", d.MetricsEnabled, "serve /metrics and /healthz")
	fs.Int("metrics-port", d.MetricsPort, "port for /metrics and /healthz")
	fs.String("log-level", d.LogLevel, "debug, info, warn or error")
	fs.String("log-format", d.LogFormat, "json or text")
}

func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	if _, err := os.Stat(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: env file %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load env file %s: %w", path, err)
	}
	return nil
}

func flagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func defaultValues(d Config) map[string]any {
	return map[string]any{
		"bus_system":           d.BusSystem,
		"nats_host":            d.NATSHost,
		"nats_port":            d.NATSPort,
		"nats_client_name":     d.NATSClientName,
		"nats_token":           d.NATSToken,
		"nats_max_reconnects":  d.NATSMaxReconnects,
		"nats_reconnect_wait":  d.NATSReconnectWait,
		"nats_connect_timeout": d.NATSConnectTimeout,
		"listen_host":          d.ListenHost,
		"listen_port":          d.ListenPort,
		"reply_timeout":        d.ReplyTimeout,
		"shutdown_timeout":     d.ShutdownTimeout,
		"max_request_bytes":    d.MaxRequestBytes,
		"request_id_header":    d.RequestIDHeader,
		"metrics_enabled":      d.MetricsEnabled,
		"metrics_port":         d.MetricsPort,
		"log_level":            d.LogLevel,
		"log_format":           d.LogFormat,
	}
}
