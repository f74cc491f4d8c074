package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldquote/bookd/backend/internal/alerting"
	"github.com/fieldquote/bookd/backend/internal/auth"
	"github.com/fieldquote/bookd/backend/internal/booking"
	"github.com/fieldquote/bookd/backend/internal/calendar"
	"github.com/fieldquote/bookd/backend/internal/config"
	"github.com/fieldquote/bookd/backend/internal/database"
	"github.com/fieldquote/bookd/backend/internal/ids"
	"github.com/fieldquote/bookd/backend/internal/leads"
	"github.com/fieldquote/bookd/backend/internal/logging"
	"github.com/fieldquote/bookd/backend/internal/server"
	"github.com/fieldquote/bookd/backend/internal/slots"
	"github.com/fieldquote/bookd/backend/internal/tasks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "bookd-api",
		Short: "Inspection appointment booking backend service",
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
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Staff token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Staff session signing secret (overrides env)")
	cmd.PersistentFlags().String("calendar-id", defaults.GetString("calendar.id"), "External calendar identifier")
	cmd.PersistentFlags().String("calendar-base-url", defaults.GetString("calendar.base_url"), "External calendar API base URL")
	cmd.PersistentFlags().String("webhook-url", defaults.GetString("calendar.webhook_url"), "Public URL for calendar push notifications")
	cmd.PersistentFlags().String("sync-schedule", defaults.GetString("sync.schedule"), "Cron spec for incremental calendar sync")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "calendar.id", "calendar-id")
	bindFlag(cmd, "calendar.base_url", "calendar-base-url")
	bindFlag(cmd, "calendar.webhook_url", "webhook-url")
	bindFlag(cmd, "sync.schedule", "sync-schedule")
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

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	idProvider := ids.NewUUIDProvider()

	notifier := alerting.NewWebhookNotifier(alerting.WebhookNotifierConfig{
		WebhookURL: appConfig.AlertWebhookURL,
		Logger:     logger,
	})
	runner := tasks.NewRunner(tasks.RunnerConfig{
		Logger:   logger,
		Notifier: notifier,
		Timeout:  appConfig.CalendarTimeout * 3,
	})

	tokenManager := auth.NewStaffTokenManager(auth.StaffTokenManagerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		StaffUser:     appConfig.StaffUser,
		StaffPassword: appConfig.StaffPassword,
		TokenTTL:      appConfig.TokenTTL,
	})

	slotStore, err := slots.NewStore(slots.StoreConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	leadService, err := leads.NewService(leads.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	providerClient, err := calendar.NewClient(calendar.ClientConfig{
		BaseURL:     appConfig.CalendarBaseURL,
		CalendarID:  appConfig.CalendarID,
		BearerToken: appConfig.CalendarToken,
		Timeout:     appConfig.CalendarTimeout,
	})
	if err != nil {
		return err
	}

	stateStore, err := calendar.NewStateStore(db)
	if err != nil {
		return err
	}

	syncEngine, err := calendar.NewEngine(calendar.EngineConfig{
		Database:   db,
		Provider:   providerClient,
		State:      stateStore,
		Logger:     logger,
		WebhookURL: appConfig.WebhookURL,
		Secret:     appConfig.WebhookSecret,
		IDProvider: idProvider,
	})
	if err != nil {
		return err
	}

	mirror, err := calendar.NewMirrorAdapter(calendar.MirrorAdapterConfig{
		Database: db,
		Provider: providerClient,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	bookingService, err := booking.NewService(booking.ServiceConfig{
		Database:   db,
		Slots:      slotStore,
		Leads:      leadService,
		IDProvider: idProvider,
		Logger:     logger,
		Runner:     runner,
		Mirror:     mirror,
		Notifier:   notifier,
	})
	if err != nil {
		return err
	}

	scheduler, err := calendar.NewScheduler(calendar.SchedulerConfig{
		Engine:        syncEngine,
		Logger:        logger,
		Notifier:      notifier,
		SyncSchedule:  appConfig.SyncSchedule,
		RenewSchedule: appConfig.RenewSchedule,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:        tokenManager,
		Slots:               slotStore,
		Leads:               leadService,
		Booking:             bookingService,
		Engine:              syncEngine,
		Notifier:            notifier,
		Logger:              logger,
		WebhookSecret:       appConfig.WebhookSecret,
		SlotListTailDays:    appConfig.SlotListTailDays,
		DefaultSlotCapacity: appConfig.DefaultCapacity,
	})
	if err != nil {
		return err
	}

	scheduler.Start()
	defer scheduler.Stop()

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
		shutdownErr := httpServer.Shutdown(shutdownCtx)
		runner.Wait()
		return shutdownErr
	case err := <-errCh:
		return err
	}
}
