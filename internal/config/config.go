// Package config reads runtime settings for the pollnet binaries from flags,
// POLLNET_* environment variables and .env files.
package config

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Zereker/pollnet"
)

// EnvPrefix is prepended to every environment variable, e.g. POLLNET_LOG_LEVEL.
const EnvPrefix = "pollnet"

// wrapWidth is the number of characters help text is wrapped at.
const wrapWidth = 50

// Config holds the settings shared by the server and the client.
type Config struct {
	LogLevel  string
	LogFormat string

	Heartbeat       time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxMessageSize  int
	ReadChunkSize   int

	NoDelay    bool
	KeepAlive  time.Duration
	RecvBuffer int
	SendBuffer int

	MetricsAddr string
}

// New returns a viper instance reading .env, .env.local and the process
// environment. Missing env files are ignored.
func New() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// SetupFlags adds the flags shared by both binaries to cmd.
func SetupFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", WrapString("Level at which logs are written (debug, info, warn, error)"))
	f.String("log-format", "text", WrapString("Log output format (text, json)"))
	f.Duration("heartbeat", 0, WrapString("Longest time the event loop blocks without readiness; 0 blocks until a socket is ready"))
	f.Duration("idle-timeout", 0, WrapString("Close connections without I/O for this long; 0 disables"))
	f.Int("max-message-size", 1<<20, WrapString("Largest payload accepted, in bytes"))
	f.Int("read-chunk-size", 4096, WrapString("Bytes requested per read readiness event"))
	f.Bool("tcp-nodelay", true, WrapString("Disable Nagle's algorithm on every socket"))
	f.Duration("tcp-keepalive", 0, WrapString("Enable SO_KEEPALIVE with this probe period; 0 disables it"))
	f.Int("recv-buffer", 0, WrapString("SO_RCVBUF in bytes; 0 keeps the system default"))
	f.Int("send-buffer", 0, WrapString("SO_SNDBUF in bytes; 0 keeps the system default"))
}

// SetupServerFlags adds the flags only the server understands.
func SetupServerFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Duration("shutdown-timeout", 0, WrapString("How long open connections are served after a stop signal"))
	f.String("metrics-addr", "", WrapString("Address of the HTTP endpoint serving /metrics and /healthz; empty disables it"))
}

// Load binds cmd's flags to v and returns the validated configuration.
// Flags set on the command line win over the environment.
func Load(v *viper.Viper, cmd *cobra.Command) (*Config, error) {
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, errors.Wrap(err, "bind flags")
	}

	c := &Config{
		LogLevel:        v.GetString("log-level"),
		LogFormat:       v.GetString("log-format"),
		Heartbeat:       v.GetDuration("heartbeat"),
		IdleTimeout:     v.GetDuration("idle-timeout"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),
		MaxMessageSize:  v.GetInt("max-message-size"),
		ReadChunkSize:   v.GetInt("read-chunk-size"),
		NoDelay:         v.GetBool("tcp-nodelay"),
		KeepAlive:       v.GetDuration("tcp-keepalive"),
		RecvBuffer:      v.GetInt("recv-buffer"),
		SendBuffer:      v.GetInt("send-buffer"),
		MetricsAddr:     v.GetString("metrics-addr"),
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Errorf("invalid log format %q (expected text or json)", c.LogFormat)
	}
	if c.MaxMessageSize <= 0 {
		return errors.Errorf("max-message-size must be positive, got %d", c.MaxMessageSize)
	}
	if c.ReadChunkSize <= 0 {
		return errors.Errorf("read-chunk-size must be positive, got %d", c.ReadChunkSize)
	}
	if c.Heartbeat < 0 || c.IdleTimeout < 0 || c.ShutdownTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	// the probe period is set in whole seconds
	if c.KeepAlive != 0 && c.KeepAlive < time.Second {
		return errors.Errorf("tcp-keepalive must be 0 or at least 1s, got %s", c.KeepAlive)
	}
	if c.RecvBuffer < 0 || c.SendBuffer < 0 {
		return errors.New("socket buffer sizes must not be negative")
	}
	return nil
}

// Logger builds the slog logger described by the configuration.
func (c *Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// SocketOptions returns the options applied to every socket.
func (c *Config) SocketOptions() pollnet.SocketOptions {
	opts := pollnet.SocketOptions{
		TCPNoDelay:       pollnet.TCPDelay,
		TCPKeepAlive:     c.KeepAlive,
		SocketRecvBuffer: c.RecvBuffer,
		SocketSendBuffer: c.SendBuffer,
	}
	if c.NoDelay {
		opts.TCPNoDelay = pollnet.TCPNoDelay
	}
	return opts
}

// Options translates the configuration into dispatcher options.
func (c *Config) Options(logger pollnet.Logger, r prometheus.Registerer) []pollnet.Option {
	return []pollnet.Option{
		pollnet.LoggerOption(logger),
		pollnet.HeartbeatOption(c.Heartbeat),
		pollnet.IdleTimeoutOption(c.IdleTimeout),
		pollnet.ShutdownTimeoutOption(c.ShutdownTimeout),
		pollnet.MessageMaxSize(c.MaxMessageSize),
		pollnet.ReadChunkSizeOption(c.ReadChunkSize),
		pollnet.SocketOption(c.SocketOptions()),
		pollnet.MetricsRegistryOption(r),
	}
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.Errorf("invalid log level %q (expected debug, info, warn or error)", s)
	}
	return level, nil
}

// WrapString wraps help text at wrapWidth characters.
func WrapString(text string) string {
	var (
		lines []string
		line  strings.Builder
	)
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrapWidth {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
