package main

import (
	"context"
	"flag"
	"log/syslog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/config"
	"github.com/buzkaaclicker/agora/persistent"
	"github.com/buzkaaclicker/agora/security"
	"github.com/buzkaaclicker/agora/session"
	"github.com/buzkaaclicker/agora/token"
	"github.com/buzkaaclicker/agora/transport/rest"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/sirupsen/logrus"
	logrusys "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/tidwall/buntdb"
)

const sweepInterval = 5 * time.Minute

type sessionSecurity struct {
	manager     *session.Manager
	monitor     *security.Monitor
	chain       *rest.SecurityChain
	csrf        *rest.CsrfGuard
	auditReader agora.AuditReader
}

func newSessionSecurity(ctx context.Context, cfg *config.Config, kv agora.KV) (sessionSecurity, func(), error) {
	tokenSealer, err := token.NewSealer(cfg.SessionEncryptionKey, "session-token")
	if err != nil {
		return sessionSecurity{}, nil, err
	}
	recordSealer, err := token.NewSealer(cfg.SessionEncryptionKey, "session-record")
	if err != nil {
		return sessionSecurity{}, nil, err
	}

	auditLogs := security.AuditLogs{&persistent.FileAuditLog{Path: cfg.SessionAuditLogPath}}
	var auditReader agora.AuditReader
	closeAudit := func() {}
	if cfg.AuditPostgresDSN != "" {
		logrus.Infoln("Opening audit database.")
		db, err := persistent.PgOpen(ctx, cfg.AuditPostgresDSN)
		if err != nil {
			return sessionSecurity{}, nil, err
		}
		pgAuditLog := &persistent.PgAuditLog{DB: db}
		if err := pgAuditLog.CreateSchema(ctx); err != nil {
			_ = db.Close()
			return sessionSecurity{}, nil, err
		}
		auditLogs = append(auditLogs, pgAuditLog)
		auditReader = pgAuditLog
		closeAudit = func() {
			_ = db.Close()
		}
	}

	store := &persistent.SessionStore{
		KV:                 kv,
		Sealer:             recordSealer,
		TTL:                cfg.SessionTTL(),
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}
	monitor := &security.Monitor{
		KV:                 kv,
		AuditLog:           auditLogs,
		Sessions:           store,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}
	manager := &session.Manager{
		Store:                store,
		Tokens:               token.NewCodec(tokenSealer),
		Audit:                monitor,
		IdleTimeout:          cfg.IdleTimeout(),
		AbsoluteTimeout:      cfg.AbsoluteTimeout(),
		WalletSessionTimeout: cfg.WalletTimeout(),
		RefreshThreshold:     cfg.RefreshThreshold(),
		MaxSessionsPerUser:   cfg.MaxSessionsPerUser,
	}
	store.OnEvict = manager.AuditEviction

	chain := &rest.SecurityChain{
		Manager: manager,
		Monitor: monitor,
		Fingerprinter: &security.Fingerprinter{
			Key:       []byte(cfg.SessionSecret),
			Threshold: cfg.FingerprintThreshold,
		},
		Limiter: &security.RateLimiter{
			KV:          kv,
			MaxAttempts: cfg.RateLimitMaxAttempts,
			Window:      cfg.RateWindow(),
		},
	}
	if cfg.LocationMonitoringEnabled() {
		chain.Locations = &security.LocationTracker{KV: kv, Reporter: monitor}
	}

	return sessionSecurity{
		manager: manager,
		monitor: monitor,
		chain:   chain,
		csrf: &rest.CsrfGuard{
			TokenLength: cfg.CsrfTokenLength,
			Expiry:      cfg.CsrfExpiry(),
			Production:  cfg.IsProduction(),
			Audit:       monitor,
		},
		auditReader: auditReader,
	}, closeAudit, nil
}

func sessionCookie(cfg *config.Config) rest.SessionCookie {
	return rest.SessionCookie{
		Name:       cfg.SessionCookieName,
		MaxAge:     cfg.IdleTimeout(),
		Production: cfg.IsProduction(),
	}
}

func listenAndServe(cfg *config.Config, sec sessionSecurity) func() error {
	allowOrigins := "https://buzkaaclicker.pl"
	if origins := cfg.AllowOriginsList(); len(origins) > 0 {
		allowOrigins = strings.Join(origins, ", ")
	}

	api := rest.NewApi(rest.ApiConfig{
		Manager:     sec.manager,
		Monitor:     sec.monitor,
		Chain:       sec.chain,
		Csrf:        sec.csrf,
		Cookie:      sessionCookie(cfg),
		AuditReader: sec.auditReader,
		Middlewares: []fiber.Handler{cors.New(cors.Config{
			AllowOrigins:     allowOrigins,
			AllowHeaders:     "Origin, Content-Type, Accept, " + rest.HeaderCsrfToken,
			ExposeHeaders:    rest.HeaderCsrfToken + ", Retry-After",
			AllowCredentials: true,
		})},
	})

	server := fiber.New(fiber.Config{
		ErrorHandler: rest.ErrorHandler,
		Immutable:    true,
	})
	server.Mount("/api/", api)
	server.Use(rest.NotFoundHandler)

	go func() {
		if err := server.Listen(cfg.HttpAddr); err != nil {
			logrus.WithError(err).Errorln("Server stopped listening.")
		}
	}()

	return func() error {
		return server.Shutdown()
	}
}

// sweepSessions periodically destroys sessions nobody came back to.
func sweepSessions(ctx context.Context, manager *session.Manager) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := manager.Sweep(ctx)
			if err != nil {
				logrus.WithError(err).Warningln("Session sweep failed.")
				continue
			}
			if swept > 0 {
				logrus.WithField("swept", swept).Infoln("Swept expired sessions.")
			}
		}
	}
}

func openKV(ctx context.Context, cfg *config.Config) (agora.KV, func(), error) {
	if cfg.RedisURL != "" {
		logrus.Infoln("Connecting to redis.")
		client, err := persistent.RedisOpen(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return &persistent.RedisKV{Client: client}, func() { _ = client.Close() }, nil
	}

	logrus.WithField("path", cfg.KVPath).Infoln("Opening buntdb.")
	bdb, err := buntdb.Open(cfg.KVPath)
	if err != nil {
		return nil, nil, err
	}
	return &persistent.BuntKV{Buntdb: bdb}, func() { _ = bdb.Close() }, nil
}

func setupLogger(verbose bool, useSyslog bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: time.Stamp,
		FullTimestamp:   true,
	})
	if verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	if !useSyslog {
		return
	}

	syslogHook, err := logrusys.NewSyslogHook("", "", syslog.LOG_USER, "agora")
	if err != nil {
		logrus.WithError(err).Fatalln("Could not create syslog hook.")
		return
	}
	logrus.AddHook(syslogHook)
}

func awaitInterruption() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c
}

func main() {
	flag.Parse()
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatalln("Invalid configuration.")
	}
	setupLogger(cfg.Debug, cfg.Syslog)
	logrus.WithField("env", cfg.Env).Infoln("Starting session service.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, closeKV, err := openKV(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatalln("Could not open kv store.")
	}
	defer closeKV()

	sec, closeAudit, err := newSessionSecurity(ctx, cfg, kv)
	if err != nil {
		logrus.WithError(err).Fatalln("Could not set up session security.")
	}
	defer closeAudit()

	go sweepSessions(ctx, sec.manager)

	logrus.WithField("addr", cfg.HttpAddr).Infoln("Starting listening... To shut down use ^C")
	shutdown := listenAndServe(cfg, sec)

	awaitInterruption()

	logrus.Infoln("Shutting down...")
	cancel()
	if err := shutdown(); err != nil {
		logrus.WithError(err).Warningln("Fiber shutdown failed.")
	}
}
