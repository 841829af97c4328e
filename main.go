package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/crypto/bcrypt"

	"lanchat/audit"
	"lanchat/config"
	"lanchat/control"
	"lanchat/db"
	"lanchat/mailbox"
	"lanchat/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "lanchat: %v\n", err)
		os.Exit(1)
	}
}

type cliOptions struct {
	hashToken string
}

// parseFlags applies command-line flags on top of the environment
// configuration.
func parseFlags(args []string) (*config.Config, cliOptions, error) {
	cfg := config.Load()
	var opts cliOptions

	fs := flag.NewFlagSet("lanchat", flag.ContinueOnError)

	fs.IntVarP(&cfg.Port, "port", "p", cfg.Port, "TCP port for chat clients")
	fs.StringVar(&cfg.WSAddr, "ws-addr", cfg.WSAddr, "WebSocket listen address (empty disables)")

	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite database file")
	fs.StringVar(&cfg.Mailbox, "mailbox", cfg.Mailbox, "offline mailbox backend: memory or sqlite")
	fs.BoolVar(&cfg.AuditDB, "audit-db", cfg.AuditDB, "persist audit events in the database")

	fs.DurationVar(&cfg.ReadIdle, "read-idle", cfg.ReadIdle, "drop clients silent for this long (0 disables)")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "timeout for one write to a client")
	fs.IntVar(&cfg.SendQueue, "send-queue", cfg.SendQueue, "frames queued per client before it is dropped")
	fs.IntVar(&cfg.MaxFrameSize, "max-frame", cfg.MaxFrameSize, "largest accepted frame in bytes")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", cfg.ShutdownGrace, "time allowed for sessions to end on shutdown")

	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Prometheus metrics address (empty disables)")
	fs.StringVar(&cfg.ControlSocket, "control-socket", cfg.ControlSocket, "operator control socket path (empty disables)")
	fs.StringVar(&cfg.ControlTokenHash, "control-token-hash", cfg.ControlTokenHash, "bcrypt hash of the control socket token")
	fs.StringVar(&opts.hashToken, "hash-token", "", "print the bcrypt hash of the given token and exit")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	if err := fs.Parse(args); err != nil {
		return nil, opts, err
	}
	if opts.hashToken != "" {
		return cfg, opts, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, opts, err
	}
	return cfg, opts, nil
}

func newLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	zcfg.DisableStacktrace = true
	if format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	return zcfg.Build()
}

func run(ctx context.Context, args []string) error {
	cfg, opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	if opts.hashToken != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.hashToken), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		fmt.Println(string(hash))
		return nil
	}

	log, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	var database *db.DB
	if cfg.UsesDB() {
		database, err = db.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer database.Close()
	}

	var box server.Mailbox = mailbox.NewMemory()
	if cfg.Mailbox == config.MailboxSQLite {
		box = database
	}

	sinks := audit.Multi{audit.NewLog(log)}
	var events control.EventQuery
	if cfg.AuditDB {
		sinks = append(sinks, audit.NewStore(database, log))
		events = database
	}

	srv := server.New(&server.ServerConfig{
		Port:          cfg.Port,
		WSAddr:        cfg.WSAddr,
		ReadIdle:      cfg.ReadIdle,
		WriteTimeout:  cfg.WriteTimeout,
		SendQueue:     cfg.SendQueue,
		MaxFrameSize:  cfg.MaxFrameSize,
		ShutdownGrace: cfg.ShutdownGrace,
	}, box, sinks, log)

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(srv),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer metricsSrv.Close()
	}

	if cfg.ControlSocket != "" {
		ctl := control.New(control.Options{
			Relay:     srv,
			Mailbox:   box,
			Events:    events,
			TokenHash: cfg.ControlTokenHash,
			Logger:    log,
		})
		go func() {
			if err := ctl.ListenAndServe(cfg.ControlSocket); err != nil {
				log.Error("control socket failed", zap.Error(err))
			}
		}()
		defer ctl.Close()
	}

	log.Info("starting lanchat",
		zap.Int("port", cfg.Port),
		zap.String("mailbox", cfg.Mailbox),
		zap.Bool("audit_db", cfg.AuditDB))

	return srv.ListenAndServe(ctx)
}

func metricsMux(srv *server.Server) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", srv.Metrics().Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}
