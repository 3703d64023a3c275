package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/peerchat/internal/config"
	"github.com/gosuda/peerchat/internal/history"
	"github.com/gosuda/peerchat/internal/mesh"
	sig "github.com/gosuda/peerchat/internal/signal"
	"github.com/gosuda/peerchat/internal/store"
)

var (
	flagRoom        string
	flagUserID      string
	flagName        string
	flagColor       string
	flagRedisURL    string
	flagP2PListen   []string
	flagStore       string
	flagDataPath    string
	flagHTTPAddr    string
	flagServerURLs  []string
	flagPortalName  string
	flagPortalHide  bool
	flagPortalOwner string
	flagPortalTags  string
	flagPortalDesc  string
	flagCredKey     string
	flagLogLevel    string
	flagPretty      bool
	flagNoTerminal  bool
)

var rootCmd = &cobra.Command{
	Use:   "peerchat",
	Short: "peer-to-peer chat mesh for HackPSU",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := setupLogger(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runService(ctx)
	},
}

func init() {
	cfg := config.Load()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagRoom, "room", cfg.Room, "chat room to join (env PEERCHAT_ROOM)")
	flags.StringVar(&flagUserID, "user-id", cfg.UserID, "stable participant identity; random when empty (env PEERCHAT_USER_ID)")
	flags.StringVar(&flagName, "name", cfg.Name, "display name (env PEERCHAT_NAME)")
	flags.StringVar(&flagColor, "color", cfg.Color, "display color as #rrggbb; derived from the user id when empty")
	flags.StringVar(&flagRedisURL, "redis-url", cfg.RedisURL, "rendezvous directory (env REDIS_URL)")
	flags.StringSliceVar(&flagP2PListen, "p2p-listen", cfg.P2PListen, "libp2p listen multiaddrs (repeatable)")
	flags.StringVar(&flagStore, "store", cfg.StoreKind, "history store: pebble, datastore or memory")
	flags.StringVar(&flagDataPath, "data", cfg.DataPath, "directory for the history store")
	flags.StringVar(&flagHTTPAddr, "listen", cfg.HTTPAddr, "local API listen address; empty disables it")
	flags.StringSliceVar(&flagServerURLs, "server-url", cfg.RelayURLs, "Portal relay URL(s) publishing the local API (env PORTAL_RELAY/RELAY)")
	flags.StringVar(&flagPortalName, "portal-name", "", "Portal lease display name (default peerchat-<room>)")
	flags.BoolVar(&flagPortalHide, "hide", false, "hide this lease from portal listings")
	flags.StringVar(&flagPortalDesc, "description", "", "Portal lease description (default names the room)")
	flags.StringVar(&flagPortalOwner, "owner", "HackPSU", "Portal lease owner")
	flags.StringVar(&flagPortalTags, "tags", "chat,p2p,hackpsu", "comma-separated Portal lease tags")
	flags.StringVar(&flagCredKey, "cred-key", "", "optional credential key for the Portal listener (base64 private key)")
	flags.StringVar(&flagLogLevel, "log-level", cfg.LogLevel, "log level (env PEERCHAT_LOG_LEVEL)")
	flags.BoolVar(&flagPretty, "pretty", false, "human readable logs")
	flags.BoolVar(&flagNoTerminal, "no-terminal", false, "do not read chat input from stdin")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("execute peerchat")
	}
}

func setupLogger() error {
	level, err := zerolog.ParseLevel(strings.ToLower(flagLogLevel))
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	zerolog.SetGlobalLevel(level)
	if flagPretty {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg := &config.Config{
		Room:      strings.TrimSpace(flagRoom),
		UserID:    strings.TrimSpace(flagUserID),
		Name:      flagName,
		Color:     flagColor,
		RedisURL:  flagRedisURL,
		P2PListen: flagP2PListen,
		StoreKind: flagStore,
		DataPath:  flagDataPath,
		HTTPAddr:  flagHTTPAddr,
		RelayURLs: cleanServerURLs(flagServerURLs),
		LogLevel:  flagLogLevel,
	}
	if cfg.UserID == "" {
		cfg.UserID = "guest-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		log.Warn().Str("user_id", cfg.UserID).Msg("no user id configured; using a random one")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runService(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.StoreKind, cfg.DataPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	cache := history.New(st, cfg.Room, history.WithLogger(log.Logger))

	dir, err := sig.NewRedisDirectory(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("rendezvous directory: %w", err)
	}
	defer func() { _ = dir.Close() }()
	broker := sig.NewP2PBroker(dir, cfg.P2PListen, sig.WithBrokerLogger(log.Logger))

	m, err := mesh.New(mesh.Config{
		Room:   cfg.Room,
		UserID: cfg.UserID,
		Name:   cfg.Name,
		Color:  cfg.Color,
		Broker: broker,
		Cache:  cache,
		Logger: log.Logger,
	})
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Warn().Err(err).Msg("close mesh")
		}
	}()
	m.Start()
	log.Info().Str("room", cfg.Room).Str("user_id", cfg.UserID).Str("store", cfg.StoreKind).Msg("peerchat started")

	errCh := make(chan error, 2)
	quit := make(chan struct{})

	var httpSrv *http.Server
	var portalClose func()
	if cfg.HTTPAddr != "" {
		handler := newAPI(m, cfg.Room).routes()
		httpSrv = &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
		portalClose, err = startPortalBridge(handler, newPortalLease(cfg.Room, cfg.RelayURLs), errCh)
		if err != nil {
			return err
		}
		go func() {
			log.Info().Msgf("serving API at http://%s", cfg.HTTPAddr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	if !flagNoTerminal {
		term := newTerminal(m, os.Stdin, os.Stdout)
		go term.render(ctx)
		go func() {
			if term.run() {
				close(quit)
				return
			}
			log.Info().Msg("stdin closed; chat input disabled")
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case <-quit:
	case runErr = <-errCh:
	}

	if httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("http shutdown")
		}
	}
	if portalClose != nil {
		portalClose()
	}
	return runErr
}
