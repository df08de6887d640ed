package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ocgully/construct/internal/ceremony"
	"github.com/ocgully/construct/internal/chat"
	"github.com/ocgully/construct/internal/config"
	"github.com/ocgully/construct/internal/maintenance"
	"github.com/ocgully/construct/internal/node"
	"github.com/ocgully/construct/internal/persist"
	"github.com/ocgully/construct/internal/service"
	"github.com/ocgully/construct/internal/service/games"
	"github.com/ocgully/construct/internal/session"
	"github.com/ocgully/construct/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := "construct.toml"
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		cfgPath = p
	}
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printSection("database")
	db, err := persist.NewDB(ctx, cfg.Database, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	printOK("database connected")

	if err := persist.RunMigrations(ctx, db.Pool); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	printOK("migrations applied")

	swept, err := persist.SweepStaleSessions(ctx, db.Pool)
	if err != nil {
		return fmt.Errorf("sweep stale sessions: %w", err)
	}
	printStat("stale sessions cleared", int(swept))

	script, err := ceremony.LoadScript()
	if err != nil {
		return fmt.Errorf("load ceremony script: %w", err)
	}

	users := persist.NewUserRepo(db)
	sessions := persist.NewSessionRepo(db)
	verifications := persist.NewVerificationRepo(db)
	attempts := persist.NewAttemptRepo(db)
	messages := persist.NewMessageRepo(db)

	printSection("services")
	nodes := node.NewManager(cfg.Server.MaxNodes)
	chatMgr := chat.NewManager(cfg.Chat.BroadcastBufferSize, log)
	defer chatMgr.Close()
	directory := session.NewDirectory()

	// Each factory yields a fresh instance per session interaction, so
	// compose buffers and paging positions are never shared between
	// concurrent connections. Wander is the one deliberate singleton:
	// it owns a Lua VM with its own lock and a Close to run at exit.
	registry := service.NewRegistry()
	registry.Register(func() service.Service { return service.NewWhoIsOnline(nodes) })
	registry.Register(func() service.Service { return service.NewLastCallers(users, 20) })
	registry.Register(func() service.Service { return service.NewProfile(users) })
	if cfg.Services.MailEnabled {
		registry.Register(func() service.Service { return service.NewMail(messages, users) })
	}
	if cfg.Services.NewsEnabled {
		news := service.NewStaticNewsSource([]service.NewsItem{
			{Title: "Welcome to the Construct", Body: "This node came up clean. Enjoy your stay."},
		})
		registry.Register(func() service.Service { return service.NewNews(news) })
	}
	registry.Register(func() service.Service { return service.NewChat(chatMgr) })
	if cfg.Services.GamesEnabled {
		wander, err := games.NewWander(log)
		if err != nil {
			return fmt.Errorf("load wander game: %w", err)
		}
		defer wander.Close()
		registry.Register(func() service.Service { return wander })
	}
	if cfg.Services.AdminEnabled {
		registry.Register(func() service.Service { return service.NewAdmin(nodes, directory) })
	}
	printStat("services registered", len(registry.List(persist.LevelSysop)))

	maint := maintenance.NewRunner(nodes, time.Duration(cfg.Connection.IdleTimeoutMinutes)*time.Minute, 30*time.Second, log)
	go maint.Run(ctx)

	deps := session.Deps{
		Config:        cfg,
		Users:         users,
		Sessions:      sessions,
		Verifications: verifications,
		Attempts:      attempts,
		Nodes:         nodes,
		Chat:          chatMgr,
		Services:      registry,
		Directory:     directory,
		Script:        script,
		SendCode:      emailSender(cfg.Email, log),
		Log:           log,
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	router := mux.NewRouter()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		conn := transport.NewWSConn(wsConn)
		go func() {
			defer conn.Close()
			engine := session.NewEngine(conn, deps)
			if err := engine.Run(ctx); err != nil {
				log.Debug("session ended", zap.Error(err), zap.String("remote", conn.RemoteAddr()))
			}
		}()
	})
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		active, max := nodes.Status()
		fmt.Fprintf(w, "ok %d/%d\n", active, max)
	})

	srv := &http.Server{
		Addr:         cfg.Server.BindAddr,
		Handler:      router,
		ReadTimeout:  cfg.Connection.ReadTimeout,
		WriteTimeout: 0, // the session engine paces its own long-lived writes
	}

	errCh := make(chan error, 1)
	go func() {
		printSection("ready")
		printReady(fmt.Sprintf("listening on %s", cfg.Server.BindAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// emailSender returns a SendCode callback. No SMTP client is wired
// here, so no mail is sent either way. With no SMTP host configured
// (the development default) it logs the code itself, so registration
// is exercisable without a real mail server; with a host configured
// it logs only the address and host, not the code.
func emailSender(cfg config.EmailConfig, log *zap.Logger) func(context.Context, string, string) error {
	if cfg.SMTPHost == "" {
		return func(_ context.Context, email, code string) error {
			log.Info("verification code (no SMTP configured)", zap.String("email", email), zap.String("code", code))
			return nil
		}
	}
	return func(_ context.Context, email, code string) error {
		log.Info("verification code issued (not mailed: no SMTP client)", zap.String("email", email), zap.String("smtp_host", cfg.SMTPHost))
		return nil
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m              THE CONSTRUCT                \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m        a multi-user session engine        \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mboard:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}
