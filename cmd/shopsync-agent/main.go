package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/manhavi/shopsync/internal/api"
	"github.com/manhavi/shopsync/internal/auth"
	"github.com/manhavi/shopsync/internal/config"
	"github.com/manhavi/shopsync/internal/connectivity"
	"github.com/manhavi/shopsync/internal/database"
	"github.com/manhavi/shopsync/internal/drainer"
	"github.com/manhavi/shopsync/internal/logging"
	"github.com/manhavi/shopsync/internal/realtime"
	"github.com/manhavi/shopsync/internal/server"
	"github.com/manhavi/shopsync/internal/store"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shopsync-agent",
		Short: "Offline-first sync agent for the shop backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd.Context())
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
	cmd.PersistentFlags().String("origin", defaults.GetString("server.origin"), "Backend origin URL")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Local status API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("session-token", "", "Backend session token (overrides env)")
	cmd.PersistentFlags().Int("drain-interval-seconds", defaults.GetInt("sync.drain_interval_s"), "Periodic drain interval in seconds")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")

	bindFlag(cmd, "server.origin", "origin")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "session.token", "session-token")
	bindFlag(cmd, "sync.drain_interval_s", "drain-interval-seconds")
	bindFlag(cmd, "log.level", "log-level")
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

func runAgent(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.Development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	session, err := auth.NewSession(auth.SessionConfig{Token: appConfig.SessionToken})
	if err != nil {
		return err
	}

	queue, err := store.NewQueue(store.QueueConfig{
		Database:    db,
		Clock:       time.Now,
		KeyProvider: store.NewUUIDProvider(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	client, err := api.NewClient(api.ClientConfig{
		BaseURL: appConfig.RESTBaseURL(),
		Session: session,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	channelURL, err := appConfig.ChannelURL()
	if err != nil {
		return err
	}
	channel, err := realtime.NewChannel(realtime.ChannelConfig{
		URL:                  channelURL,
		Token:                session.Token(),
		ReconnectBaseDelay:   appConfig.ReconnectBaseDelay,
		ReconnectMaxDelay:    appConfig.ReconnectMaxDelay,
		MaxReconnectAttempts: appConfig.MaxReconnectAttempts,
		Logger:               logger,
	})
	if err != nil {
		return err
	}

	monitor := connectivity.NewMonitor(false)
	prober := connectivity.NewProber(connectivity.ProberConfig{
		Monitor:  monitor,
		Checker:  client,
		Interval: appConfig.ProbeInterval,
		Logger:   logger,
	})

	syncDrainer, err := drainer.New(drainer.Config{
		Queue:    queue,
		Remote:   client,
		Monitor:  monitor,
		Interval: appConfig.DrainInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Queue:   queue,
		Monitor: monitor,
		Channel: channel,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session.OnTeardown(func() {
		logger.Warn("session rejected by backend, shutting down")
		stop()
	})

	go prober.Run(signalCtx)
	go syncDrainer.Run(signalCtx)

	disposeChannelRetry := channel.RetryOnOnline(signalCtx, monitor)
	defer disposeChannelRetry()

	if err := channel.Connect(signalCtx); err != nil {
		// The reconnect loop inside the channel handles drops after a
		// successful connect; a failed first dial leaves the agent
		// disconnected until the prober reports the backend reachable, which
		// re-attempts the connect.
		logger.Warn("initial channel connect failed", zap.Error(err))
	}
	defer channel.Disconnect()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("status server starting", zap.String("address", appConfig.HTTPAddress))
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
