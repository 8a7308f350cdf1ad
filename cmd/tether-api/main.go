package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/config"
	"github.com/MarcoPoloResearchLab/tether/internal/database"
	"github.com/MarcoPoloResearchLab/tether/internal/entities"
	"github.com/MarcoPoloResearchLab/tether/internal/logging"
	"github.com/MarcoPoloResearchLab/tether/internal/server"
	"github.com/MarcoPoloResearchLab/tether/internal/sessions"
	"github.com/MarcoPoloResearchLab/tether/internal/statecheck"
	"github.com/MarcoPoloResearchLab/tether/internal/statesync"
	"github.com/MarcoPoloResearchLab/tether/internal/updates"
	"github.com/MarcoPoloResearchLab/tether/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tether-api",
		Short: "Tether client state synchronization service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path or Postgres DSN")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("tauth-issuer", defaults.GetString("tauth.issuer"), "Expected session token issuer")
	cmd.PersistentFlags().String("tauth-cookie-name", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Duration("check-frequency", defaults.GetDuration("sync.check_frequency"), "Interval between state checks per session")
	cmd.PersistentFlags().Int("user-info-min-code-version", defaults.GetInt("sync.user_info_min_code_version"), "Lowest client code version whose user infos are checked")
	cmd.PersistentFlags().Int("messages-per-thread", defaults.GetInt("sync.messages_per_thread"), "Messages returned per thread in a full sync")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.issuer", "tauth-issuer")
	bindFlag(cmd, "tauth.cookie_name", "tauth-cookie-name")
	bindFlag(cmd, "sync.check_frequency", "check-frequency")
	bindFlag(cmd, "sync.user_info_min_code_version", "user-info-min-code-version")
	bindFlag(cmd, "sync.messages_per_thread", "messages-per-thread")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	handler, err := buildHandler(appConfig, db, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildHandler(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (http.Handler, error) {
	entityStore, err := entities.NewStore(entities.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}

	dispatcher := server.NewRealtimeDispatcher()
	idProvider := updates.NewUUIDProvider()

	updateService, err := updates.NewService(updates.ServiceConfig{
		Database:          db,
		Clock:             time.Now,
		IDProvider:        idProvider,
		Logger:            logger,
		Threads:           entityStore,
		Entries:           entityStore,
		Messages:          entityStore,
		Users:             userService,
		Publisher:         dispatcher,
		MessagesPerThread: appConfig.Sync.MessagesPerThread,
	})
	if err != nil {
		return nil, err
	}

	sessionStore, err := sessions.NewStore(sessions.StoreConfig{Database: db, Clock: time.Now, Logger: logger})
	if err != nil {
		return nil, err
	}
	negotiator, err := sessions.NewNegotiator(sessions.NegotiatorConfig{
		Store:      sessionStore,
		Entries:    entityStore,
		Users:      userService,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	checker, err := statecheck.NewChecker(statecheck.CheckerConfig{
		Threads:                entityStore,
		Entries:                entityStore,
		Users:                  userService,
		Clock:                  time.Now,
		Logger:                 logger,
		UserInfoMinCodeVersion: appConfig.Sync.UserInfoMinCodeVersion,
	})
	if err != nil {
		return nil, err
	}
	processor, err := statesync.NewProcessor(statesync.ProcessorConfig{
		Database:   db,
		Cookies:    sessionStore,
		Threads:    entityStore,
		Updates:    updateService,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	responder, err := statesync.NewResponder(statesync.ResponderConfig{
		Sessions:          sessionStore,
		Negotiator:        negotiator,
		Checker:           checker,
		Processor:         processor,
		Updates:           updateService,
		Threads:           entityStore,
		Entries:           entityStore,
		Messages:          entityStore,
		Users:             userService,
		Clock:             time.Now,
		Logger:            logger,
		CheckFrequency:    appConfig.Sync.CheckFrequency,
		MessagesPerThread: appConfig.Sync.MessagesPerThread,
	})
	if err != nil {
		return nil, err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return nil, err
	}

	return server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Identities:       userService,
		Responder:        responder,
		Realtime:         dispatcher,
		Logger:           logger,
	})
}
