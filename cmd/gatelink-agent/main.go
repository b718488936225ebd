package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/gatelink/gatelink/internal/chat"
	"github.com/gatelink/gatelink/internal/config"
	"github.com/gatelink/gatelink/internal/prefs"
	"github.com/gatelink/gatelink/internal/quality"
	"github.com/gatelink/gatelink/internal/rtc"
	"github.com/gatelink/gatelink/internal/session"
	"github.com/gatelink/gatelink/internal/signaling"
)

// Application holds all components of the intercom agent.
type Application struct {
	cfg       *config.Config
	sessionID string
	role      session.Role
	logger    *zap.Logger

	pool    *signaling.Pool
	conn    signaling.Conn
	rtcMgr  *rtc.Manager
	monitor *quality.Monitor
	policy  *quality.Policy
	channel *chat.Channel
	grants  *session.GrantStore
	prefs   *prefs.Store
	session *session.Session
}

func main() {
	cfg := config.NewDefaultConfig()

	var (
		envFile   string
		sessionID string
		call      bool
		video     bool
		lowBW     bool
	)
	flag.StringVar(&envFile, "env", "", "path to a .env file")
	flag.StringVar(&sessionID, "session", "", "session id to join (required)")
	flag.StringVar(&cfg.SignalingURL, "signaling", cfg.SignalingURL, "signaling server websocket URL")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name")
	flag.StringVar(&cfg.Role, "role", cfg.Role, "role: visitor or resident")
	flag.StringVar(&cfg.DeviceClass, "device", cfg.DeviceClass, "device class: mobile or desktop")
	flag.BoolVar(&call, "call", false, "start an outgoing call immediately")
	flag.BoolVar(&video, "video", false, "request video for the outgoing call")
	flag.BoolVar(&lowBW, "low-bandwidth", false, "enable and persist low-bandwidth mode")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.LoadEnv(envFile); err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if sessionID == "" {
		logger.Fatal("missing required -session flag")
	}

	app, err := NewApplication(cfg, sessionID, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if lowBW {
		if err := app.prefs.SetLowBandwidth(true); err != nil {
			logger.Warn("failed to persist low-bandwidth preference", zap.Error(err))
		}
	}

	if err := app.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	go app.session.Run(ctx)
	if call {
		app.session.Start(video)
	}

	<-ctx.Done()
	logger.Info("shutting down")
}

func NewApplication(cfg *config.Config, sessionID string, logger *zap.Logger) (*Application, error) {
	role, ok := session.ParseRole(cfg.Role)
	if !ok {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	device, err := quality.ParseDeviceClass(cfg.DeviceClass)
	if err != nil {
		return nil, err
	}

	selector, err := buildCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("failed to build codec selector: %w", err)
	}

	app := &Application{
		cfg:       cfg,
		sessionID: sessionID,
		role:      role,
		logger:    logger,
		grants:    session.NewGrantStore(),
		prefs:     prefs.NewStore(cfg.PrefsPath),
		monitor:   quality.NewMonitor(logger),
		policy:    quality.NewPolicy(device, logger),
	}

	factory := &rtc.PionFactory{
		ICEServers: cfg.ICEServers,
		Populate:   selector.Populate,
	}
	source := &rtc.DeviceSource{Selector: selector, Logger: logger}
	app.rtcMgr = rtc.NewManager(factory, source, logger)

	reconnect := signaling.ReconnectOptions{
		MaxAttempts: cfg.PoolConfig.MaxReconnectAttempts,
		MaxDelay:    cfg.PoolConfig.MaxReconnectDelay,
	}
	app.pool = signaling.NewPool(
		signaling.PoolOptions{GracePeriod: cfg.PoolConfig.GracePeriod, Reconnect: reconnect},
		func(ctx context.Context, sid string) (signaling.Transport, error) {
			return signaling.Dial(ctx, cfg.SignalingURL+"?sessionId="+sid, reconnect, logger)
		},
		logger,
	)
	return app, nil
}

func (app *Application) Initialize(ctx context.Context) error {
	p, err := app.prefs.Load()
	if err != nil {
		app.logger.Warn("failed to load preferences, using defaults", zap.Error(err))
	}
	app.policy.SetLowBandwidth(p.LowBandwidth)

	conn, err := app.pool.Acquire(ctx, app.sessionID)
	if err != nil {
		return fmt.Errorf("failed to acquire signaling connection: %w", err)
	}
	app.conn = conn

	app.channel = chat.NewChannel(app.sessionID, app.cfg.DisplayName, app.cfg.Role, conn, app.logger)
	app.loadHistory(ctx)

	app.session = session.New(session.Options{
		SessionID:   app.sessionID,
		DisplayName: app.cfg.DisplayName,
		Role:        app.role,
		Conn:        conn,
		RTC:         app.rtcMgr,
		Monitor:     app.monitor,
		Policy:      app.policy,
		Chat:        app.channel,
		Grants:      app.grants,
		Alerts:      &session.LogSink{Logger: app.logger},
		Call:        app.cfg.CallConfig,
		Logger:      app.logger,
	})
	return nil
}

// loadHistory seeds the chat channel with persisted messages. Failure is
// not fatal; the live channel still works.
func (app *Application) loadHistory(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	history := &chat.HistoryClient{
		BaseURL: app.cfg.HistoryURL,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Logger:  app.logger,
	}
	messages, err := history.Fetch(hctx, app.sessionID)
	if err != nil {
		app.logger.Warn("failed to fetch message history", zap.Error(err))
		return
	}
	app.channel.Preload(messages)
}

func (app *Application) Cleanup() {
	if app.session != nil {
		app.session.Close()
	}
	if app.conn != nil {
		if err := app.pool.Release(app.sessionID); err != nil {
			app.logger.Warn("failed to release signaling connection", zap.Error(err))
		}
	}
	if app.pool != nil {
		app.pool.CloseAll()
	}
	if app.rtcMgr != nil {
		app.rtcMgr.Release()
	}
}
