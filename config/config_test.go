package config

import (
	"os"
	"testing"
	"time"
)

func clearEnvVars() {
	envVars := []string{
		"FHEM_GATEWAY_HOSTS_CONFIG",
		"FHEM_GATEWAY_BUS",
		"FHEM_GATEWAY_PREFIX",
		"FHEM_GATEWAY_TIMESTAMP_PREFIX",
		"FHEM_GATEWAY_QUEUE",
		"FHEM_GATEWAY_QUEUE_TTL",
		"FHEM_GATEWAY_QUEUE_DEPTH",
		"FHEM_GATEWAY_MQTT_ADDR",
		"FHEM_GATEWAY_MQTT_BIND_ADDRESS",
		"FHEM_GATEWAY_MQTT_PORT",
		"FHEM_GATEWAY_MQTT_BROKER",
		"FHEM_GATEWAY_MQTT_CLIENT_ID",
		"FHEM_GATEWAY_MQTT_USERNAME",
		"FHEM_GATEWAY_MQTT_PASSWORD",
		"FHEM_GATEWAY_NATS_URL",
		"FHEM_GATEWAY_WEB_ADDR",
		"FHEM_GATEWAY_WEB_BIND_ADDRESS",
		"FHEM_GATEWAY_WEB_PORT",
		"FHEM_GATEWAY_TS_HOSTNAME",
		"FHEM_GATEWAY_TS_AUTHKEY",
		"FHEM_GATEWAY_TS_STATE_DIR",
		"FHEM_GATEWAY_CACHE_TTL",
		"FHEM_GATEWAY_BACKOFF_BASE",
		"FHEM_GATEWAY_BACKOFF_MAX",
		"FHEM_GATEWAY_BACKOFF_MULTIPLIER",
		"FHEM_GATEWAY_COMMAND_TIMEOUT",
		"FHEM_GATEWAY_LOG_LEVEL",
		"FHEM_GATEWAY_LOG_FORMAT",
	}
	for _, env := range envVars {
		os.Unsetenv(env)
	}
}

func TestDefaultConfig(t *testing.T) {
	clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Check defaults
	if cfg.HostsConfigPath != "./hosts.hujson" {
		t.Errorf("default HostsConfigPath = %q, want %q", cfg.HostsConfigPath, "./hosts.hujson")
	}
	if cfg.Bus != "embedded" {
		t.Errorf("default Bus = %q, want %q", cfg.Bus, "embedded")
	}
	if cfg.Prefix != "fhem" {
		t.Errorf("default Prefix = %q, want %q", cfg.Prefix, "fhem")
	}
	if cfg.TimestampPrefix != "timestamped" {
		t.Errorf("default TimestampPrefix = %q, want %q", cfg.TimestampPrefix, "timestamped")
	}
	if cfg.Queue != "fhem-commandqueue" {
		t.Errorf("default Queue = %q, want %q", cfg.Queue, "fhem-commandqueue")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("default LogFormat = %q, want %q", cfg.LogFormat, "json")
	}
	if cfg.WebPort != 8081 {
		t.Errorf("default WebPort = %d, want %d", cfg.WebPort, 8081)
	}
	if cfg.MQTTPort != 1883 {
		t.Errorf("default MQTTPort = %d, want %d", cfg.MQTTPort, 1883)
	}
	if cfg.TailscaleHostname != "fhem-gateway" {
		t.Errorf("default TailscaleHostname = %q, want %q", cfg.TailscaleHostname, "fhem-gateway")
	}
	if cfg.MQTTClientID != "fhem-gateway" {
		t.Errorf("default MQTTClientID = %q, want %q", cfg.MQTTClientID, "fhem-gateway")
	}
	if cfg.TailscaleEnabled() {
		t.Error("Tailscale should be disabled without an auth key")
	}

	base, maxDelay, mult := cfg.BackoffSettings()
	if base != 5*time.Second || maxDelay != 60*time.Second || mult != 1.5 {
		t.Errorf("BackoffSettings() = %v, %v, %v, want 5s, 1m0s, 1.5", base, maxDelay, mult)
	}
	if got := cfg.CacheTTLDuration(); got != 2*time.Minute {
		t.Errorf("CacheTTLDuration() = %v, want 2m", got)
	}
	if got := cfg.CommandTimeoutDuration(); got != 10*time.Second {
		t.Errorf("CommandTimeoutDuration() = %v, want 10s", got)
	}
	if got := cfg.QueueTTLDuration(); got != time.Hour {
		t.Errorf("QueueTTLDuration() = %v, want 1h", got)
	}
}

func TestConfigFromEnv(t *testing.T) {
	clearEnvVars()

	// Set custom values
	os.Setenv("FHEM_GATEWAY_BUS", "nats")
	os.Setenv("FHEM_GATEWAY_NATS_URL", "nats://broker:4222")
	os.Setenv("FHEM_GATEWAY_WEB_ADDR", "127.0.0.1:9090")
	os.Setenv("FHEM_GATEWAY_TS_HOSTNAME", "house")
	os.Setenv("FHEM_GATEWAY_BACKOFF_MULTIPLIER", "2")
	os.Setenv("FHEM_GATEWAY_LOG_LEVEL", "debug")
	os.Setenv("FHEM_GATEWAY_LOG_FORMAT", "console")
	defer clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus != "nats" {
		t.Errorf("Bus = %q, want %q", cfg.Bus, "nats")
	}
	if cfg.NATSURL != "nats://broker:4222" {
		t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, "nats://broker:4222")
	}
	if got := cfg.WebAddrPort().String(); got != "127.0.0.1:9090" {
		t.Errorf("WebAddrPort() = %q, want %q", got, "127.0.0.1:9090")
	}
	if cfg.MQTTClientID != "house" {
		t.Errorf("MQTTClientID = %q, want it to follow the hostname", cfg.MQTTClientID)
	}
	if _, _, mult := cfg.BackoffSettings(); mult != 2 {
		t.Errorf("BackoffMultiplier = %v, want 2", mult)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.LogFormat != "console" {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, "console")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{"defaults", nil, false},
		{"unknown bus", map[string]string{"FHEM_GATEWAY_BUS": "amqp"}, true},
		{"memory bus", map[string]string{"FHEM_GATEWAY_BUS": "memory"}, false},
		{"mqtt without host", map[string]string{"FHEM_GATEWAY_BUS": "mqtt", "FHEM_GATEWAY_MQTT_BROKER": "broker"}, true},
		{"mqtt broker", map[string]string{"FHEM_GATEWAY_BUS": "mqtt", "FHEM_GATEWAY_MQTT_BROKER": "tcp://broker:1883"}, false},
		{"zero queue depth", map[string]string{"FHEM_GATEWAY_QUEUE_DEPTH": "0"}, true},
		{"bad duration", map[string]string{"FHEM_GATEWAY_CACHE_TTL": "soon"}, true},
		{"zero cache ttl", map[string]string{"FHEM_GATEWAY_CACHE_TTL": "0s"}, true},
		{"short cache ttl", map[string]string{"FHEM_GATEWAY_CACHE_TTL": "1s"}, false},
		{"zero backoff", map[string]string{"FHEM_GATEWAY_BACKOFF_BASE": "0s"}, true},
		{"max below base", map[string]string{"FHEM_GATEWAY_BACKOFF_MAX": "1s"}, true},
		{"shrinking multiplier", map[string]string{"FHEM_GATEWAY_BACKOFF_MULTIPLIER": "0.5"}, true},
		{"bad web port", map[string]string{"FHEM_GATEWAY_WEB_PORT": "70000"}, true},
		{"bad mqtt addr", map[string]string{"FHEM_GATEWAY_MQTT_ADDR": "nowhere"}, true},
		{"invalid log level", map[string]string{"FHEM_GATEWAY_LOG_LEVEL": "invalid"}, true},
		{"invalid log format", map[string]string{"FHEM_GATEWAY_LOG_FORMAT": "invalid"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			defer clearEnvVars()

			_, err := Load()
			if (err != nil) != tt.wantErr {
				t.Errorf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddrPortMethods(t *testing.T) {
	clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	webAddr := cfg.WebAddrPort()
	if !webAddr.IsValid() {
		t.Error("WebAddrPort() returned invalid address")
	}
	if webAddr.Port() != 8081 {
		t.Errorf("WebAddrPort().Port() = %d, want %d", webAddr.Port(), 8081)
	}

	mqttAddr := cfg.MQTTAddrPort()
	if !mqttAddr.IsValid() {
		t.Error("MQTTAddrPort() returned invalid address")
	}
	if mqttAddr.Port() != 1883 {
		t.Errorf("MQTTAddrPort().Port() = %d, want %d", mqttAddr.Port(), 1883)
	}

	cfg.SetListenerAddrsForTesting("127.0.0.1:1", "127.0.0.1:2")
	if cfg.WebAddrPort().Port() != 1 || cfg.MQTTAddrPort().Port() != 2 {
		t.Error("SetListenerAddrsForTesting() did not override addresses")
	}
}
