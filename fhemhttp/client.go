// Package fhemhttp talks to a controller's web frontend: it executes
// commands and reads device readings with jsonlist2.
package fhemhttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kradalby/fhem-gateway/logging"
	"github.com/kradalby/fhem-gateway/temporal"
)

const (
	// DefaultTimezone is the zone reading times are reported in when the
	// host configuration does not name one.
	DefaultTimezone = "Europe/Berlin"

	csrfHeader = "X-FHEM-csrfToken"
	timeLayout = "2006-01-02 15:04:05"
)

var ErrDeviceNotFound = errors.New("device not found")

// Readings maps reading names to their last reported values.
type Readings map[string]temporal.Value[string]

// Config describes one controller web endpoint.
type Config struct {
	URL      string
	Username string
	Password string
	CSRF     bool
	Location *time.Location
	CacheTTL time.Duration
	Timeout  time.Duration
}

// Client is an HTTP command executor with a read-through readings cache.
type Client struct {
	cfg    Config
	base   *url.URL
	http   *http.Client
	logger *slog.Logger
	cache  *ttlCache[Readings]
}

func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing controller url %q: %w", cfg.URL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("controller url %q needs a scheme and host", cfg.URL)
	}

	if cfg.Location == nil {
		loc, err := time.LoadLocation(DefaultTimezone)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", DefaultTimezone, err)
		}
		cfg.Location = loc
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 2 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	return &Client{
		cfg:    cfg,
		base:   base,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logging.ForHost(logger, "http-executor", base.Hostname()),
		cache:  newTTLCache[Readings](cfg.CacheTTL),
	}, nil
}

// Host is the hostname of the controller URL.
func (c *Client) Host() string {
	return c.base.Hostname()
}

// Execute runs command and returns the response body.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	body, err := c.command(ctx, command)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(body), "\n"), nil
}

// Readings returns all readings of device, served from the cache while it
// is fresh.
func (c *Client) Readings(ctx context.Context, device string) (Readings, error) {
	return c.cache.get(ctx, device, func() (Readings, error) {
		// The fetch is shared with other callers, so it must not end with
		// the caller that started it.
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.Timeout)
		defer cancel()

		all, err := c.fetch(loadCtx, []string{device})
		if err != nil {
			return nil, err
		}
		readings, ok := all[device]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
		}
		return readings, nil
	})
}

// Reading returns a single reading, invalid when the device does not
// report it.
func (c *Client) Reading(ctx context.Context, device, reading string) (temporal.Value[string], error) {
	readings, err := c.Readings(ctx, device)
	if err != nil {
		return temporal.Invalid[string](), err
	}

	return readings[reading], nil
}

// ReadingsBulk fetches several devices in one round trip and refreshes
// their cache entries.
func (c *Client) ReadingsBulk(ctx context.Context, devices ...string) (map[string]Readings, error) {
	if len(devices) == 0 {
		return map[string]Readings{}, nil
	}

	all, err := c.fetch(ctx, devices)
	if err != nil {
		return nil, err
	}
	for device, readings := range all {
		c.cache.store(device, readings)
	}

	return all, nil
}

// PurgeCache drops expired cache entries and reports how many went.
func (c *Client) PurgeCache() int {
	return c.cache.purge()
}

// CachedDevices is the number of devices currently cached.
func (c *Client) CachedDevices() int {
	return c.cache.len()
}

type jsonList struct {
	Results []struct {
		Name     string                     `json:"Name"`
		Readings map[string]jsonListReading `json:"Readings"`
	} `json:"Results"`
}

type jsonListReading struct {
	Value json.RawMessage `json:"Value"`
	Time  string          `json:"Time"`
}

func (c *Client) fetch(ctx context.Context, devices []string) (map[string]Readings, error) {
	body, err := c.command(ctx, "jsonlist2 "+strings.Join(devices, "|"))
	if err != nil {
		return nil, err
	}

	var list jsonList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decoding jsonlist2 for %v: %w", devices, err)
	}

	fetched := time.Now()
	out := make(map[string]Readings, len(list.Results))
	for _, result := range list.Results {
		if result.Readings == nil {
			c.logger.Info("device has no readings", "device", result.Name)
			continue
		}

		readings := make(Readings, len(result.Readings))
		for name, r := range result.Readings {
			at, err := time.ParseInLocation(timeLayout, r.Time, c.cfg.Location)
			if err != nil {
				c.logger.Warn("unparsable reading time, using fetch time",
					"device", result.Name,
					"reading", name,
					"time", r.Time,
				)
				at = fetched
			}
			readings[name] = temporal.New(rawText(r.Value), at)
		}
		out[result.Name] = readings
	}

	return out, nil
}

// rawText unquotes JSON strings and keeps other scalars verbatim.
func rawText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}

func (c *Client) command(ctx context.Context, command string) ([]byte, error) {
	query := url.Values{}
	query.Set("cmd", command)
	query.Set("XHR", "1")
	if c.cfg.CSRF {
		query.Set("fwcsrf", c.csrfToken(ctx))
	}

	body, _, err := c.get(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("executing %q: %w", command, err)
	}

	return body, nil
}

// csrfToken fetches the frontend's current token. Failures yield an empty
// token so the command still goes out.
func (c *Client) csrfToken(ctx context.Context) string {
	_, header, err := c.get(ctx, url.Values{"XHR": {"1"}})
	if token := header.Get(csrfHeader); token != "" {
		return token
	}
	if err != nil {
		c.logger.Warn("fetching csrf token failed", "error", err)
	}

	return ""
}

func (c *Client) get(ctx context.Context, query url.Values) ([]byte, http.Header, error) {
	u := *c.base
	u.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("building request: %w", err)
	}
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, resp.Header, fmt.Errorf("unexpected status %s", resp.Status)
	}

	return body, resp.Header, nil
}
