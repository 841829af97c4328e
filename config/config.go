package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Mailbox backends
const (
	MailboxMemory = "memory"
	MailboxSQLite = "sqlite"
)

type Config struct {
	Port   int
	WSAddr string // optional WebSocket listener, e.g. ":9998"

	DBPath   string // sqlite file for the audit table and the sqlite mailbox
	Mailbox  string // "memory" or "sqlite"
	AuditDB  bool   // persist audit events into DBPath
	ReadIdle time.Duration
	// WriteTimeout bounds a single frame write to a client.
	WriteTimeout  time.Duration
	SendQueue     int
	MaxFrameSize  int
	ShutdownGrace time.Duration

	MetricsAddr      string
	ControlSocket    string
	ControlTokenHash string // bcrypt hash; empty disables control auth

	LogLevel  string
	LogFormat string
}

// Error reports an invalid configuration value.
type Error struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *Error) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("config: %s=%v: %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func Default() *Config {
	return &Config{
		Port:          9999,
		DBPath:        "lanchat.db",
		Mailbox:       MailboxMemory,
		AuditDB:       true,
		WriteTimeout:  10 * time.Second,
		SendQueue:     256,
		MaxFrameSize:  8 << 20,
		ShutdownGrace: 5 * time.Second,
		ControlSocket: "/tmp/lanchat.sock",
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load returns the defaults overridden by LANCHAT_* environment variables.
// Unparsable numbers keep their default.
func Load() *Config {
	cfg := Default()

	if portStr := os.Getenv("LANCHAT_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if addr := os.Getenv("LANCHAT_WS_ADDR"); addr != "" {
		cfg.WSAddr = addr
	}

	if dbPath, ok := os.LookupEnv("LANCHAT_DB_PATH"); ok {
		cfg.DBPath = dbPath
	}

	if backend := os.Getenv("LANCHAT_MAILBOX"); backend != "" {
		cfg.Mailbox = strings.ToLower(backend)
	}

	if v := os.Getenv("LANCHAT_AUDIT_DB"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			cfg.AuditDB = on
		}
	}

	if timeoutStr := os.Getenv("LANCHAT_READ_IDLE"); timeoutStr != "" {
		if d, err := parseSeconds(timeoutStr); err == nil {
			cfg.ReadIdle = d
		}
	}

	if timeoutStr := os.Getenv("LANCHAT_WRITE_TIMEOUT"); timeoutStr != "" {
		if d, err := parseSeconds(timeoutStr); err == nil {
			cfg.WriteTimeout = d
		}
	}

	if n := os.Getenv("LANCHAT_SEND_QUEUE"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.SendQueue = v
		}
	}

	if n := os.Getenv("LANCHAT_MAX_FRAME"); n != "" {
		if v, err := strconv.Atoi(n); err == nil {
			cfg.MaxFrameSize = v
		}
	}

	if addr := os.Getenv("LANCHAT_METRICS_ADDR"); addr != "" {
		cfg.MetricsAddr = addr
	}

	if path, ok := os.LookupEnv("LANCHAT_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = path
	}

	if hash := os.Getenv("LANCHAT_CONTROL_TOKEN_HASH"); hash != "" {
		cfg.ControlTokenHash = hash
	}

	if level := os.Getenv("LANCHAT_LOG_LEVEL"); level != "" {
		cfg.LogLevel = strings.ToLower(level)
	}

	if format := os.Getenv("LANCHAT_LOG_FORMAT"); format != "" {
		cfg.LogFormat = strings.ToLower(format)
	}

	return cfg
}

// parseSeconds accepts a plain number of seconds or a Go duration string.
func parseSeconds(s string) (time.Duration, error) {
	if secs, err := strconv.Atoi(s); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(s)
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return &Error{Field: "port", Value: c.Port, Message: "must be between 0 and 65535"}
	}

	switch c.Mailbox {
	case MailboxMemory:
	case MailboxSQLite:
		if c.DBPath == "" {
			return &Error{Field: "mailbox", Value: c.Mailbox, Message: "sqlite mailbox requires a db path"}
		}
	default:
		return &Error{Field: "mailbox", Value: c.Mailbox, Message: "must be memory or sqlite"}
	}

	if c.AuditDB && c.DBPath == "" {
		return &Error{Field: "audit-db", Message: "requires a db path"}
	}

	if c.ReadIdle < 0 {
		return &Error{Field: "read-idle", Value: c.ReadIdle, Message: "must not be negative"}
	}
	if c.WriteTimeout <= 0 {
		return &Error{Field: "write-timeout", Value: c.WriteTimeout, Message: "must be positive"}
	}
	if c.SendQueue <= 0 {
		return &Error{Field: "send-queue", Value: c.SendQueue, Message: "must be positive"}
	}
	if c.MaxFrameSize < 1024 {
		return &Error{Field: "max-frame", Value: c.MaxFrameSize, Message: "must be at least 1024 bytes"}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &Error{Field: "log-level", Value: c.LogLevel, Message: "must be debug, info, warn or error"}
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return &Error{Field: "log-format", Value: c.LogFormat, Message: "must be console or json"}
	}

	return nil
}

// UsesDB reports whether a sqlite database has to be opened.
func (c *Config) UsesDB() bool {
	return c.Mailbox == MailboxSQLite || c.AuditDB
}
