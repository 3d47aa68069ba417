package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sharestream/internal/app"
	"github.com/MarcoPoloResearchLab/sharestream/internal/auth"
	"github.com/MarcoPoloResearchLab/sharestream/internal/config"
	"github.com/MarcoPoloResearchLab/sharestream/internal/database"
	"github.com/MarcoPoloResearchLab/sharestream/internal/logging"
	"github.com/MarcoPoloResearchLab/sharestream/internal/server"
	"github.com/MarcoPoloResearchLab/sharestream/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	tokenIssuer     = "sharestream-auth"
	tokenAudience   = "sharestream-api"
	shutdownTimeout = 10 * time.Second
	metricsRetain   = 5 * time.Minute
)

var (
	cfgFile string

	errPipelineStopped = errors.New("distribution pipeline stopped unexpectedly")
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sharestream",
		Short: "Change distribution and sharing fan-out service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}
	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the distribution pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "forwarder",
		Short: "Run the PUB/SUB rendezvous point for websocket transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForwarder(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.Duration("token-ttl", defaults.GetDuration("auth.token_ttl"), "Entity token lifetime")
	flags.String("transport-mode", defaults.GetString("transport.mode"), "Distribution transport (sync, websocket, mqtt)")
	flags.String("transport-codec", defaults.GetString("transport.codec"), "Batch wire codec (json, proto)")
	flags.String("forwarder-url", defaults.GetString("transport.forwarder_url"), "Forwarder base URL for websocket transport")
	flags.String("forwarder-address", defaults.GetString("transport.forwarder_address"), "Forwarder listen address")
	flags.String("mqtt-broker", "", "MQTT broker URL for mqtt transport")
	flags.String("mqtt-topic", defaults.GetString("transport.mqtt_topic"), "MQTT topic carrying change batches")
	flags.Bool("publish-only", false, "Publish batches without consuming them")
	flags.Int("queue-size", defaults.GetInt("distribution.queue_size"), "Publish queue capacity")
	flags.Int("retry-attempts", defaults.GetInt("distribution.retry_attempts"), "Receiver attempts per batch")
	flags.Duration("retry-delay", defaults.GetDuration("distribution.retry_delay"), "Delay between receiver attempts")
	flags.Int("max-stream-size", defaults.GetInt("sharing.max_stream_size"), "Default stream read size")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl", "token-ttl")
	bindFlag(cmd, "transport.mode", "transport-mode")
	bindFlag(cmd, "transport.codec", "transport-codec")
	bindFlag(cmd, "transport.forwarder_url", "forwarder-url")
	bindFlag(cmd, "transport.forwarder_address", "forwarder-address")
	bindFlag(cmd, "transport.mqtt_broker", "mqtt-broker")
	bindFlag(cmd, "transport.mqtt_topic", "mqtt-topic")
	bindFlag(cmd, "transport.publish_only", "publish-only")
	bindFlag(cmd, "distribution.queue_size", "queue-size")
	bindFlag(cmd, "distribution.retry_attempts", "retry-attempts")
	bindFlag(cmd, "distribution.retry_delay", "retry-delay")
	bindFlag(cmd, "sharing.max_stream_size", "max-stream-size")
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

	processMetrics, err := app.NewMetrics(appConfig.MetricsInterval, metricsRetain)
	if err != nil {
		return err
	}
	if _, err := metrics.NewGlobal(metrics.DefaultConfig("sharestream"), processMetrics.Sink); err != nil {
		return err
	}
	metricsSignal := metrics.DefaultInmemSignal(processMetrics.Inmem)
	defer metricsSignal.Stop()

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	runtime, err := app.NewRuntime(app.RuntimeConfig{
		Database:      db,
		QueueSize:     appConfig.QueueSize,
		RetryAttempts: appConfig.RetryAttempts,
		RetryDelay:    appConfig.RetryDelay,
		MaxStreamSize: appConfig.MaxStreamSize,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := runtime.StartPipeline(signalCtx, app.PipelineConfig{
		Mode:         appConfig.TransportMode,
		Codec:        appConfig.TransportCodec,
		ForwarderURL: appConfig.ForwarderURL,
		MQTTBroker:   appConfig.MQTTBroker,
		MQTTTopic:    appConfig.MQTTTopic,
		ClientID:     appConfig.ClientID,
		PublishOnly:  appConfig.PublishOnly,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := pipeline.Stop(); err != nil {
			logger.Warn("pipeline stopped with error", zap.Error(err))
		}
	}()

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        tokenIssuer,
		Audience:      tokenAudience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		Content:      runtime.Content,
		Notifier:     runtime.Notifier,
		Logger:       logger,
		Metrics:      processMetrics.Handler,
	})
	if err != nil {
		return err
	}

	serveCtx, cancelServe := context.WithCancel(signalCtx)
	defer cancelServe()
	go func() {
		select {
		case <-pipeline.Dying():
			logger.Error("distribution pipeline stopped, shutting down", zap.Error(pipeline.Err()))
			cancelServe()
		case <-serveCtx.Done():
		}
	}()

	if err := serveHTTP(serveCtx, logger, appConfig.HTTPAddress, handler, nil); err != nil {
		return err
	}
	if signalCtx.Err() == nil {
		return errPipelineStopped
	}
	return nil
}

func runForwarder(ctx context.Context) error {
	appConfig, err := config.LoadForwarder(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	forwarder := transport.NewForwarder(transport.ForwarderConfig{
		Logger:           logger.Named("forwarder"),
		SubscriberBuffer: appConfig.QueueSize,
	})
	forwarder.Register(router)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serveHTTP(signalCtx, logger, appConfig.ForwarderAddress, router, forwarder.Close)
}

// serveHTTP runs handler until ctx ends. beforeShutdown releases hijacked
// connections that http.Server.Shutdown does not track.
func serveHTTP(ctx context.Context, logger *zap.Logger, address string, handler http.Handler, beforeShutdown func()) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", address))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		if beforeShutdown != nil {
			beforeShutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
