// Package hosts loads the controllers the gateway bridges from a HuJSON file.
package hosts

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/tailscale/hujson"

	"github.com/kradalby/fhem-gateway/fhem"
)

// DefaultTimezone is the zone HTTP hosts report reading times in.
const DefaultTimezone = "Europe/Berlin"

// Telnet describes a controller reached over its line protocol port. It
// feeds the event stream and, unless an HTTP entry covers the same host,
// executes commands.
type Telnet struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

// HTTP describes a controller's web frontend, used for command execution
// and reading lookups.
type HTTP struct {
	URL      string `json:"url"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	CSRF     bool   `json:"csrf,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	location *time.Location
}

// Hostname is the host part of URL.
func (h HTTP) Hostname() string {
	u, err := url.Parse(h.URL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// Location is the parsed Timezone. Only valid after LoadConfig.
func (h HTTP) Location() *time.Location {
	if h.location == nil {
		return time.UTC
	}
	return h.location
}

// Config defines the hosts file structure.
type Config struct {
	Telnet []Telnet `json:"telnet"`
	HTTP   []HTTP   `json:"http"`
}

// LoadConfig reads and validates the HuJSON hosts file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read hosts config file: %w", err)
	}

	return Parse(data)
}

// Parse standardizes, decodes and validates a hosts document, filling in
// defaults.
func Parse(data []byte) (*Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to standardize HuJSON: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal hosts config: %w", err)
	}

	if len(cfg.Telnet) == 0 && len(cfg.HTTP) == 0 {
		return nil, fmt.Errorf("no hosts configured")
	}

	seenTelnet := make(map[string]struct{}, len(cfg.Telnet))
	for i, h := range cfg.Telnet {
		if h.Host == "" {
			return nil, fmt.Errorf("telnet host %d has no host", i)
		}
		if h.Port == 0 {
			cfg.Telnet[i].Port = fhem.DefaultPort
		} else if h.Port < 1 || h.Port > 65535 {
			return nil, fmt.Errorf("telnet host %s has invalid port %d", h.Host, h.Port)
		}
		if _, exists := seenTelnet[h.Host]; exists {
			return nil, fmt.Errorf("duplicate telnet host %q", h.Host)
		}
		seenTelnet[h.Host] = struct{}{}
	}

	seenHTTP := make(map[string]struct{}, len(cfg.HTTP))
	for i, h := range cfg.HTTP {
		if h.URL == "" {
			return nil, fmt.Errorf("http host %d has no url", i)
		}
		u, err := url.Parse(h.URL)
		if err != nil {
			return nil, fmt.Errorf("http host %d has invalid url: %w", i, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("http host %s must use http or https, got %q", h.URL, u.Scheme)
		}
		if u.Hostname() == "" {
			return nil, fmt.Errorf("http host %s has no hostname", h.URL)
		}
		if _, exists := seenHTTP[u.Hostname()]; exists {
			return nil, fmt.Errorf("duplicate http host %q", u.Hostname())
		}
		seenHTTP[u.Hostname()] = struct{}{}

		if h.Timezone == "" {
			cfg.HTTP[i].Timezone = DefaultTimezone
		}
		loc, err := time.LoadLocation(cfg.HTTP[i].Timezone)
		if err != nil {
			return nil, fmt.Errorf("http host %s has invalid timezone: %w", h.URL, err)
		}
		cfg.HTTP[i].location = loc
	}

	return &cfg, nil
}

// Names lists every configured host once, telnet hosts first.
func (c *Config) Names() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	for _, h := range c.Telnet {
		add(h.Host)
	}
	for _, h := range c.HTTP {
		add(h.Hostname())
	}

	return out
}
