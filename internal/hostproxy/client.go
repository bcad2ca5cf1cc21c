// ABOUTME: TCP client that executes commands on the host from inside the sandbox.
// ABOUTME: One connection per command; newline-delimited JSON frames reduced to a single result.

package hostproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrProxyConnection indicates a socket-level failure talking to the host proxy.
var ErrProxyConnection = errors.New("host proxy connection error")

// ErrProxyTimeout indicates the connect step to the host proxy timed out.
// Command execution itself is never time-bounded: real-world commands run
// for arbitrarily long durations.
var ErrProxyTimeout = errors.New("host proxy connect timeout")

// ErrProxyUnexpectedClose indicates the proxy closed the connection before
// sending a complete frame.
var ErrProxyUnexpectedClose = errors.New("host proxy closed connection before completion")

const (
	// DefaultPort is the host proxy port used when HOST_PROXY_PORT is unset.
	DefaultPort = 8765

	defaultConnectTimeout = 10 * time.Second
	defaultMaxConcurrent  = 32

	// maxFrameSize bounds a single response line. Stream frames from
	// long-running agent commands can carry large chunks.
	maxFrameSize = 1 << 20
)

// Config holds host proxy client settings.
type Config struct {
	// Host and Port locate the host-side proxy daemon.
	Host string
	Port int

	// Tool is the tool identifier sent with every request.
	Tool string

	// ContainerRoot and HostRoot describe the path rewrite applied to
	// working directories before they cross the process boundary. A
	// working directory under ContainerRoot is rewritten to the
	// equivalent path under HostRoot.
	ContainerRoot string
	HostRoot      string

	// ConnectTimeout bounds the dial step only.
	ConnectTimeout time.Duration

	// MaxConcurrent caps simultaneously open proxy exchanges.
	MaxConcurrent int64
}

// ConfigFromEnv builds a Config from HOST_PROXY_HOST, HOST_PROXY_PORT,
// CONTAINER_WORKSPACE_DIR and HOST_WORKSPACE_DIR, falling back to defaults.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:          "localhost",
		Port:          DefaultPort,
		ContainerRoot: os.Getenv("CONTAINER_WORKSPACE_DIR"),
		HostRoot:      os.Getenv("HOST_WORKSPACE_DIR"),
	}
	if host := os.Getenv("HOST_PROXY_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("HOST_PROXY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	return cfg
}

// request is the single JSON object written on connect.
type request struct {
	Tool             string `json:"tool"`
	Command          string `json:"command"`
	WorkingDirectory string `json:"workingDirectory"`
}

// frame is one newline-delimited JSON response object.
type frame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Code *int   `json:"code,omitempty"`
}

// ExecResult is the aggregate of one command exchange.
type ExecResult struct {
	Success  bool
	Output   string
	Error    string
	ExitCode int
}

// Client executes commands through the host proxy. Each Execute call opens
// a fresh connection, so there is no shared socket state between concurrent
// commands. A weighted semaphore bounds how many exchanges may be open at
// once.
type Client struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// NewClient creates a host proxy client. Pass nil logger for default.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Tool == "" {
		cfg.Tool = "claude"
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	return &Client{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger.With("component", "hostproxy"),
	}
}

// Execute runs a command on the host and returns the aggregated result.
// The dial step is bounded by ConnectTimeout; the exchange itself is not,
// since agent commands are expected to run for arbitrarily long.
func (c *Client) Execute(ctx context.Context, command, workingDir string) (*ExecResult, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: acquiring exchange slot: %w", ErrProxyConnection, err)
	}
	defer c.sem.Release(1)

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: dialing %s: %w", ErrProxyTimeout, addr, err)
		}
		return nil, fmt.Errorf("%w: dialing %s: %w", ErrProxyConnection, addr, err)
	}
	defer conn.Close()

	req := request{
		Tool:             c.cfg.Tool,
		Command:          command,
		WorkingDirectory: c.rewritePath(workingDir),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	payload = append(payload, '\n')
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("%w: writing request: %w", ErrProxyConnection, err)
	}

	c.logger.Debug("command sent to host proxy",
		"addr", addr,
		"working_dir", req.WorkingDirectory,
	)

	return c.readFrames(conn)
}

// readFrames consumes newline-delimited JSON frames until a complete frame
// arrives. Lines that fail to parse are logged and discarded; a bad line
// must never abort the exchange.
func (c *Client) readFrames(conn net.Conn) (*ExecResult, error) {
	var stdout, stderr strings.Builder

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("discarding malformed proxy frame", "error", err)
			continue
		}

		switch f.Type {
		case "stream":
			stdout.WriteString(f.Data)
		case "error":
			stderr.WriteString(f.Data)
		case "complete":
			exitCode := 0
			if f.Code != nil {
				exitCode = *f.Code
			}
			return &ExecResult{
				Success:  exitCode == 0,
				Output:   stdout.String(),
				Error:    stderr.String(),
				ExitCode: exitCode,
			}, nil
		default:
			c.logger.Warn("discarding proxy frame with unknown type", "type", f.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrProxyConnection, err)
	}
	return nil, ErrProxyUnexpectedClose
}

// rewritePath maps a container-side working directory onto its host-side
// equivalent. Paths outside the container root pass through unchanged.
func (c *Client) rewritePath(dir string) string {
	if c.cfg.ContainerRoot == "" || c.cfg.HostRoot == "" {
		return dir
	}
	if dir == c.cfg.ContainerRoot {
		return c.cfg.HostRoot
	}
	prefix := strings.TrimSuffix(c.cfg.ContainerRoot, "/") + "/"
	if strings.HasPrefix(dir, prefix) {
		return strings.TrimSuffix(c.cfg.HostRoot, "/") + "/" + strings.TrimPrefix(dir, prefix)
	}
	return dir
}
