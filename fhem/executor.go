package fhem

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kradalby/fhem-gateway/logging"
)

// TelnetExecutorConfig identifies the controller commands are sent to.
type TelnetExecutorConfig struct {
	Host     string
	Port     int
	Password string
	Timeout  time.Duration
}

// TelnetExecutor runs each command in its own short session: authenticate,
// send the command, read the first reply line, disconnect. Calls are
// serialized.
type TelnetExecutor struct {
	cfg    TelnetExecutorConfig
	addr   string
	logger *slog.Logger
	dialer net.Dialer

	mu sync.Mutex
}

func NewTelnetExecutor(cfg TelnetExecutorConfig, logger *slog.Logger) (*TelnetExecutor, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &TelnetExecutor{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		logger: logging.ForHost(logger, "telnet-executor", cfg.Host),
		dialer: net.Dialer{Timeout: cfg.Timeout},
	}, nil
}

func (x *TelnetExecutor) Host() string { return x.cfg.Host }

// Execute returns the first line the controller prints in response to
// command, or ErrNoReply when it prints nothing.
func (x *TelnetExecutor) Execute(ctx context.Context, command string) (string, error) {
	if strings.ContainsAny(command, "\r\n") {
		return "", fmt.Errorf("command %q spans several lines", command)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, x.cfg.Timeout)
	defer cancel()

	conn, err := x.dialer.DialContext(ctx, "tcp", x.addr)
	if err != nil {
		return "", fmt.Errorf("connecting to %s: %w", x.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	var session strings.Builder
	if x.cfg.Password != "" {
		session.WriteString(x.cfg.Password + "\r\n")
	}
	session.WriteString(command + "\r\n")
	session.WriteString("quit\r\n")

	if _, err := io.WriteString(conn, session.String()); err != nil {
		return "", fmt.Errorf("sending command to %s: %w", x.addr, err)
	}

	x.logger.Debug("command sent", "command", command)

	line, err := bufio.NewReader(conn).ReadString('\n')
	switch {
	case err == nil:
		return strings.TrimRight(line, "\r\n"), nil
	case errors.Is(err, io.EOF) && line != "":
		return strings.TrimRight(line, "\r\n"), nil
	case errors.Is(err, io.EOF):
		return "", ErrNoReply
	default:
		return "", fmt.Errorf("reading reply from %s: %w", x.addr, err)
	}
}
