package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TransportMode != TransportModeSync {
		t.Fatalf("expected sync transport mode, got %s", cfg.TransportMode)
	}
	if cfg.RetryAttempts != 5 {
		t.Fatalf("expected 5 retry attempts, got %d", cfg.RetryAttempts)
	}
	if cfg.RetryDelay != 100*time.Millisecond {
		t.Fatalf("unexpected retry delay %s", cfg.RetryDelay)
	}
	if cfg.PublishOnly {
		t.Fatalf("expected processes to consume by default")
	}
	if cfg.MaxStreamSize != 50 {
		t.Fatalf("expected max stream size 50, got %d", cfg.MaxStreamSize)
	}
}

func TestLoadRejectsMissingSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadValidatesTransportMode(t *testing.T) {
	tests := []struct {
		name      string
		settings  map[string]any
		expectErr bool
	}{
		{name: "unknown-mode", settings: map[string]any{"transport.mode": "carrier-pigeon"}, expectErr: true},
		{name: "mqtt-without-broker", settings: map[string]any{"transport.mode": "mqtt"}, expectErr: true},
		{name: "mqtt-with-broker", settings: map[string]any{"transport.mode": "mqtt", "transport.mqtt_broker": "tcp://127.0.0.1:1883"}},
		{name: "websocket", settings: map[string]any{"transport.mode": "WebSocket"}},
		{name: "unknown-codec", settings: map[string]any{"transport.codec": "xml"}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("auth.signing_secret", "secret")
			for key, value := range tt.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if tt.expectErr && err == nil {
				t.Fatalf("expected validation error")
			}
			if !tt.expectErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadForwarderRequiresAddress(t *testing.T) {
	configViper := NewViper()
	cfg, err := LoadForwarder(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ForwarderAddress != "0.0.0.0:8090" {
		t.Fatalf("unexpected forwarder address %s", cfg.ForwarderAddress)
	}

	configViper.Set("transport.forwarder_address", " ")
	if _, err := LoadForwarder(configViper); err == nil {
		t.Fatalf("expected error for blank forwarder address")
	}
}
