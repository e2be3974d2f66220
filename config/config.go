package config

import (
	"fmt"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"time"

	env "github.com/Netflix/go-env"
)

const (
	defaultBindAddress = "0.0.0.0"
	defaultWebPort     = 8081
	defaultMQTTPort    = 1883
	defaultHostname    = "fhem-gateway"
)

// Config holds all environment-driven configuration.
type Config struct {
	// Hosts configuration file
	HostsConfigPath string `env:"FHEM_GATEWAY_HOSTS_CONFIG,default=./hosts.hujson"`

	// Message bus
	Bus             string `env:"FHEM_GATEWAY_BUS,default=embedded"`
	Prefix          string `env:"FHEM_GATEWAY_PREFIX,default=fhem"`
	TimestampPrefix string `env:"FHEM_GATEWAY_TIMESTAMP_PREFIX,default=timestamped"`
	Queue           string `env:"FHEM_GATEWAY_QUEUE,default=fhem-commandqueue"`
	QueueTTL        string `env:"FHEM_GATEWAY_QUEUE_TTL,default=1h"`
	QueueDepth      int    `env:"FHEM_GATEWAY_QUEUE_DEPTH,default=64"`

	// Embedded MQTT listener configuration
	MQTTAddr        string `env:"FHEM_GATEWAY_MQTT_ADDR"`
	MQTTBindAddress string `env:"FHEM_GATEWAY_MQTT_BIND_ADDRESS,default=0.0.0.0"`
	MQTTPort        int    `env:"FHEM_GATEWAY_MQTT_PORT,default=1883"`

	// External MQTT broker
	MQTTBroker   string `env:"FHEM_GATEWAY_MQTT_BROKER,default=tcp://127.0.0.1:1883"`
	MQTTClientID string `env:"FHEM_GATEWAY_MQTT_CLIENT_ID"`
	MQTTUsername string `env:"FHEM_GATEWAY_MQTT_USERNAME"`
	MQTTPassword string `env:"FHEM_GATEWAY_MQTT_PASSWORD"`

	// NATS
	NATSURL string `env:"FHEM_GATEWAY_NATS_URL,default=nats://127.0.0.1:4222"`

	// Web listener configuration
	WebAddr        string `env:"FHEM_GATEWAY_WEB_ADDR"`
	WebBindAddress string `env:"FHEM_GATEWAY_WEB_BIND_ADDRESS,default=0.0.0.0"`
	WebPort        int    `env:"FHEM_GATEWAY_WEB_PORT,default=8081"`

	// Tailscale configuration
	TailscaleHostname string `env:"FHEM_GATEWAY_TS_HOSTNAME"`
	TailscaleAuthKey  string `env:"FHEM_GATEWAY_TS_AUTHKEY"`
	TailscaleStateDir string `env:"FHEM_GATEWAY_TS_STATE_DIR,default=./data/tailscale"`

	// Controller sessions
	CacheTTL          string `env:"FHEM_GATEWAY_CACHE_TTL,default=2m"`
	BackoffBase       string `env:"FHEM_GATEWAY_BACKOFF_BASE,default=5s"`
	BackoffMax        string `env:"FHEM_GATEWAY_BACKOFF_MAX,default=60s"`
	BackoffMultiplier string `env:"FHEM_GATEWAY_BACKOFF_MULTIPLIER,default=1.5"`
	CommandTimeout    string `env:"FHEM_GATEWAY_COMMAND_TIMEOUT,default=10s"`

	// Logging options
	LogLevel  string `env:"FHEM_GATEWAY_LOG_LEVEL,default=info"`
	LogFormat string `env:"FHEM_GATEWAY_LOG_FORMAT,default=json"`

	webAddr  netip.AddrPort
	mqttAddr netip.AddrPort

	queueTTL          time.Duration
	cacheTTL          time.Duration
	backoffBase       time.Duration
	backoffMax        time.Duration
	backoffMultiplier float64
	commandTimeout    time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	cfg.applyNameDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate ensures basic correctness of the configuration.
func (c *Config) Validate() error {
	if c.HostsConfigPath == "" {
		return fmt.Errorf("HostsConfigPath cannot be empty")
	}
	if err := validateBus(c.Bus); err != nil {
		return err
	}
	if c.Prefix == "" {
		return fmt.Errorf("Prefix cannot be empty")
	}
	if c.TimestampPrefix == "" {
		return fmt.Errorf("TimestampPrefix cannot be empty")
	}
	if c.Queue == "" {
		return fmt.Errorf("Queue cannot be empty")
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("QueueDepth must be positive, got %d", c.QueueDepth)
	}
	if err := c.parseListenerAddrs(); err != nil {
		return err
	}
	if err := c.parseTimings(); err != nil {
		return err
	}
	if c.Bus == "mqtt" {
		u, err := url.Parse(c.MQTTBroker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid MQTT broker %q", c.MQTTBroker)
		}
	}
	if c.Bus == "nats" && c.NATSURL == "" {
		return fmt.Errorf("NATSURL cannot be empty")
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		return err
	}
	if err := validateLogFormat(c.LogFormat); err != nil {
		return err
	}
	if c.TailscaleStateDir == "" {
		return fmt.Errorf("TailscaleStateDir cannot be empty")
	}
	return nil
}

func (c *Config) parseListenerAddrs() error {
	if c.WebBindAddress == "" {
		c.WebBindAddress = defaultBindAddress
	}
	if c.WebPort == 0 && !envVarSet("FHEM_GATEWAY_WEB_PORT") {
		c.WebPort = defaultWebPort
	}
	if err := validatePortRange("web", c.WebPort); err != nil {
		return err
	}
	webAddr := c.WebAddr
	if webAddr == "" {
		webAddr = fmt.Sprintf("%s:%d", c.WebBindAddress, c.WebPort)
	}
	parsedWeb, err := netip.ParseAddrPort(webAddr)
	if err != nil {
		return fmt.Errorf("invalid web addr %q: %w", webAddr, err)
	}
	c.webAddr = parsedWeb

	if c.MQTTBindAddress == "" {
		c.MQTTBindAddress = defaultBindAddress
	}
	if c.MQTTPort == 0 && !envVarSet("FHEM_GATEWAY_MQTT_PORT") {
		c.MQTTPort = defaultMQTTPort
	}
	if err := validatePortRange("MQTT", c.MQTTPort); err != nil {
		return err
	}
	mqttAddr := c.MQTTAddr
	if mqttAddr == "" {
		mqttAddr = fmt.Sprintf("%s:%d", c.MQTTBindAddress, c.MQTTPort)
	}
	parsedMQTT, err := netip.ParseAddrPort(mqttAddr)
	if err != nil {
		return fmt.Errorf("invalid MQTT addr %q: %w", mqttAddr, err)
	}
	c.mqttAddr = parsedMQTT

	return nil
}

func (c *Config) parseTimings() error {
	var err error
	if c.queueTTL, err = parseDuration("QueueTTL", c.QueueTTL, 0); err != nil {
		return err
	}
	if c.cacheTTL, err = parseDuration("CacheTTL", c.CacheTTL, time.Second); err != nil {
		return err
	}
	if c.backoffBase, err = parseDuration("BackoffBase", c.BackoffBase, time.Millisecond); err != nil {
		return err
	}
	if c.backoffMax, err = parseDuration("BackoffMax", c.BackoffMax, time.Millisecond); err != nil {
		return err
	}
	if c.backoffMax < c.backoffBase {
		return fmt.Errorf("BackoffMax %s is shorter than BackoffBase %s", c.backoffMax, c.backoffBase)
	}
	if c.commandTimeout, err = parseDuration("CommandTimeout", c.CommandTimeout, time.Millisecond); err != nil {
		return err
	}

	m, err := strconv.ParseFloat(c.BackoffMultiplier, 64)
	if err != nil {
		return fmt.Errorf("invalid BackoffMultiplier %q: %w", c.BackoffMultiplier, err)
	}
	if m < 1 {
		return fmt.Errorf("BackoffMultiplier must be at least 1, got %v", m)
	}
	c.backoffMultiplier = m

	return nil
}

func parseDuration(name, value string, lowest time.Duration) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < lowest {
		return 0, fmt.Errorf("%s must be at least %s, got %s", name, lowest, d)
	}
	return d, nil
}

// WebAddrPort returns the parsed web listener address.
func (c *Config) WebAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.webAddr
}

// MQTTAddrPort returns the parsed embedded broker listener address.
func (c *Config) MQTTAddrPort() netip.AddrPort {
	c.ensureParsed()
	return c.mqttAddr
}

// QueueTTLDuration is how long the broker keeps undelivered commands.
func (c *Config) QueueTTLDuration() time.Duration {
	c.ensureParsed()
	return c.queueTTL
}

// CacheTTLDuration is how long HTTP reading lookups stay cached.
func (c *Config) CacheTTLDuration() time.Duration {
	c.ensureParsed()
	return c.cacheTTL
}

// CommandTimeoutDuration bounds a single command execution.
func (c *Config) CommandTimeoutDuration() time.Duration {
	c.ensureParsed()
	return c.commandTimeout
}

// BackoffSettings returns the reconnect delay parameters: base, cap and
// growth factor.
func (c *Config) BackoffSettings() (time.Duration, time.Duration, float64) {
	c.ensureParsed()
	return c.backoffBase, c.backoffMax, c.backoffMultiplier
}

// TailscaleEnabled reports whether the web surface should also join the
// tailnet.
func (c *Config) TailscaleEnabled() bool {
	return c.TailscaleAuthKey != ""
}

func (c *Config) ensureParsed() {
	if !c.webAddr.IsValid() || !c.mqttAddr.IsValid() {
		if err := c.parseListenerAddrs(); err != nil {
			panic(fmt.Sprintf("failed to parse listener addresses: %v", err))
		}
	}
	if c.backoffMultiplier == 0 {
		if err := c.parseTimings(); err != nil {
			panic(fmt.Sprintf("failed to parse timings: %v", err))
		}
	}
}

func (c *Config) applyNameDefaults() {
	if c.TailscaleHostname == "" {
		c.TailscaleHostname = defaultHostname
	}
	if c.MQTTClientID == "" {
		c.MQTTClientID = c.TailscaleHostname
	}
}

// SetListenerAddrsForTesting overrides listener addresses in tests.
func (c *Config) SetListenerAddrsForTesting(web, mqtt string) {
	c.webAddr = netip.MustParseAddrPort(web)
	c.mqttAddr = netip.MustParseAddrPort(mqtt)
}

func validateBus(backend string) error {
	switch backend {
	case "embedded", "mqtt", "nats", "memory":
		return nil
	default:
		return fmt.Errorf("invalid bus %q, must be one of: embedded, mqtt, nats, memory", backend)
	}
}

func validatePortRange(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch level {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", level)
	}
}

func validateLogFormat(format string) error {
	switch format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("invalid log format %q, must be 'json' or 'console'", format)
	}
}

func envVarSet(key string) bool {
	if key == "" {
		return false
	}
	_, ok := os.LookupEnv(key)
	return ok
}
