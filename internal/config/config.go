package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "SHARESTREAM"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "sharestream.db"
	defaultLogLevel         = "info"
	defaultTokenTTL         = 30 * time.Minute
	defaultTransportMode    = TransportModeSync
	defaultTransportCodec   = "json"
	defaultForwarderURL     = "ws://127.0.0.1:8090"
	defaultForwarderAddress = "0.0.0.0:8090"
	defaultMQTTTopic        = "sharestream/changes"
	defaultQueueSize        = 1024
	defaultRetryAttempts    = 5
	defaultRetryDelay       = 100 * time.Millisecond
	defaultMaxStreamSize    = 50
	defaultMetricsInterval  = 10 * time.Second
)

// Transport modes understood by the distribution pipeline.
const (
	TransportModeSync      = "sync"
	TransportModeWebSocket = "websocket"
	TransportModeMQTT      = "mqtt"
)

// AppConfig captures runtime configuration for the service and the forwarder.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	SigningSecret    string
	TokenTTL         time.Duration
	TransportMode    string
	TransportCodec   string
	ForwarderURL     string
	ForwarderAddress string
	MQTTBroker       string
	MQTTTopic        string
	ClientID         string
	PublishOnly      bool
	QueueSize        int
	RetryAttempts    int
	RetryDelay       time.Duration
	MaxStreamSize    int
	MetricsInterval  time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("transport.mode", defaultTransportMode)
	configViper.SetDefault("transport.codec", defaultTransportCodec)
	configViper.SetDefault("transport.forwarder_url", defaultForwarderURL)
	configViper.SetDefault("transport.forwarder_address", defaultForwarderAddress)
	configViper.SetDefault("transport.mqtt_topic", defaultMQTTTopic)
	configViper.SetDefault("transport.publish_only", false)
	configViper.SetDefault("distribution.queue_size", defaultQueueSize)
	configViper.SetDefault("distribution.retry_attempts", defaultRetryAttempts)
	configViper.SetDefault("distribution.retry_delay", defaultRetryDelay)
	configViper.SetDefault("sharing.max_stream_size", defaultMaxStreamSize)
	configViper.SetDefault("metrics.interval", defaultMetricsInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         configViper.GetDuration("auth.token_ttl"),
		TransportMode:    strings.ToLower(strings.TrimSpace(configViper.GetString("transport.mode"))),
		TransportCodec:   strings.ToLower(strings.TrimSpace(configViper.GetString("transport.codec"))),
		ForwarderURL:     configViper.GetString("transport.forwarder_url"),
		ForwarderAddress: configViper.GetString("transport.forwarder_address"),
		MQTTBroker:       configViper.GetString("transport.mqtt_broker"),
		MQTTTopic:        configViper.GetString("transport.mqtt_topic"),
		ClientID:         configViper.GetString("transport.client_id"),
		PublishOnly:      configViper.GetBool("transport.publish_only"),
		QueueSize:        configViper.GetInt("distribution.queue_size"),
		RetryAttempts:    configViper.GetInt("distribution.retry_attempts"),
		RetryDelay:       configViper.GetDuration("distribution.retry_delay"),
		MaxStreamSize:    configViper.GetInt("sharing.max_stream_size"),
		MetricsInterval:  configViper.GetDuration("metrics.interval"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadForwarder parses the subset of configuration used by the forwarder process.
func LoadForwarder(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ForwarderAddress: configViper.GetString("transport.forwarder_address"),
		LogLevel:         configViper.GetString("log.level"),
		QueueSize:        configViper.GetInt("distribution.queue_size"),
	}
	if strings.TrimSpace(cfg.ForwarderAddress) == "" {
		return AppConfig{}, fmt.Errorf("transport.forwarder_address is required")
	}
	if cfg.QueueSize <= 0 {
		return AppConfig{}, fmt.Errorf("distribution.queue_size must be positive")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.TransportMode {
	case TransportModeSync:
	case TransportModeWebSocket:
		if strings.TrimSpace(c.ForwarderURL) == "" {
			return fmt.Errorf("transport.forwarder_url is required for websocket mode")
		}
	case TransportModeMQTT:
		if strings.TrimSpace(c.MQTTBroker) == "" {
			return fmt.Errorf("transport.mqtt_broker is required for mqtt mode")
		}
		if strings.TrimSpace(c.MQTTTopic) == "" {
			return fmt.Errorf("transport.mqtt_topic is required for mqtt mode")
		}
	default:
		return fmt.Errorf("unknown transport.mode %q", c.TransportMode)
	}
	switch c.TransportCodec {
	case "json", "proto":
	default:
		return fmt.Errorf("unknown transport.codec %q", c.TransportCodec)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("distribution.queue_size must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("distribution.retry_attempts must be positive")
	}
	if c.RetryDelay <= 0 {
		return fmt.Errorf("distribution.retry_delay must be positive")
	}
	if c.MaxStreamSize <= 0 {
		return fmt.Errorf("sharing.max_stream_size must be positive")
	}
	return nil
}
