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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/platformlink/internal/platformauth"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "platformlink",
		Short:   "OAuth2 broker that keeps per-user platform access tokens fresh for a host application",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	flags := rootCmd.Flags()
	flags.String("listen_addr", ":8080", "HTTP listen address")
	flags.String("platform_url", "", "Platform base URL; authorize and token endpoints live under /oauth")
	flags.String("client_id", "", "OAuth client ID registered with the platform")
	flags.String("client_secret", "", "OAuth client secret registered with the platform")
	flags.String("backend_base_url", "http://localhost:8080", "Public base URL of this service; the callback is served under it")
	flags.String("app_return_url", "/", "Where the browser lands after connecting when no redirectUrl was supplied")
	flags.String("state_signing_key", "", "HMAC secret for the OAuth state; empty uses a per-process random secret")
	flags.Duration("state_ttl", platformauth.DefaultStateTTL, "Maximum age of an OAuth state")
	flags.Duration("cache_skew", platformauth.DefaultCacheSkew, "How long before expiry cached access tokens are dropped")
	flags.Duration("upstream_timeout", platformauth.DefaultUpstreamTimeout, "Timeout for each platform token endpoint call")
	flags.Duration("store_timeout", platformauth.DefaultStoreTimeout, "Timeout for each token store call")
	flags.String("database_url", "", "Database URL (postgres:// or sqlite:); empty uses an in-memory SQLite database")
	flags.String("store_driver", storeDriverGORM, "Token store driver: gorm or pgx (pgx requires a postgres database_url)")
	flags.String("cache_url", "", "Redis URL for the shared token cache; empty uses an in-process cache")
	flags.String("session_signing_key", "", "HS256 secret of the host application's session JWT")
	flags.String("session_issuer", "", "Issuer of the host application's session JWT")
	flags.String("session_cookie_name", "app_session", "Cookie carrying the host application's session JWT")
	flags.Bool("enable_cors", false, "Enable CORS for the host application's browser origins")
	flags.StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")

	for _, name := range []string{
		"listen_addr", "platform_url", "client_id", "client_secret", "backend_base_url", "app_return_url",
		"state_signing_key", "state_ttl", "cache_skew", "upstream_timeout", "store_timeout",
		"database_url", "store_driver", "cache_url",
		"session_signing_key", "session_issuer", "session_cookie_name",
		"enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}

	viper.SetEnvPrefix("PLATFORMLINK")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	storeDriverGORM = "gorm"
	storeDriverPGX  = "pgx"

	configCodeMissingClientID          = "config.missing_client_id"
	configCodeMissingSessionSigningKey = "config.missing_session_signing_key"
	configCodeMissingSessionIssuer     = "config.missing_session_issuer"
	configCodeInvalidStateTTL          = "config.invalid_state_ttl"
	configCodeInvalidStoreDriver       = "config.invalid_store_driver"
	configCodePGXRequiresPostgres      = "config.pgx_requires_postgres"
	configCodeUninitializedServerConf  = "config.uninitialized_server_config"
)

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	ListenAddr         string
	Broker             platformauth.BrokerConfig
	StateSigningKey    string
	DatabaseURL        string
	StoreDriver        string
	CacheURL           string
	SessionSigningKey  string
	SessionIssuer      string
	SessionCookieName  string
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig reads and validates configuration from viper.
func LoadServerConfig() (ServerConfig, error) {
	clientID := strings.TrimSpace(viper.GetString("client_id"))
	if clientID == "" {
		return ServerConfig{}, configError(configCodeMissingClientID, "client_id must be provided")
	}
	sessionSigningKey := viper.GetString("session_signing_key")
	if sessionSigningKey == "" {
		return ServerConfig{}, configError(configCodeMissingSessionSigningKey, "session_signing_key must be provided")
	}
	sessionIssuer := strings.TrimSpace(viper.GetString("session_issuer"))
	if sessionIssuer == "" {
		return ServerConfig{}, configError(configCodeMissingSessionIssuer, "session_issuer must be provided")
	}
	stateTTL := viper.GetDuration("state_ttl")
	if !viper.IsSet("state_ttl") {
		stateTTL = platformauth.DefaultStateTTL
	}
	if stateTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidStateTTL, "state_ttl must be greater than zero")
	}

	databaseURL := strings.TrimSpace(viper.GetString("database_url"))
	storeDriver := strings.ToLower(strings.TrimSpace(viper.GetString("store_driver")))
	if storeDriver == "" {
		storeDriver = storeDriverGORM
	}
	switch storeDriver {
	case storeDriverGORM:
	case storeDriverPGX:
		if !strings.HasPrefix(databaseURL, "postgres://") && !strings.HasPrefix(databaseURL, "postgresql://") {
			return ServerConfig{}, configError(configCodePGXRequiresPostgres, "store_driver pgx requires a postgres database_url")
		}
	default:
		return ServerConfig{}, configError(configCodeInvalidStoreDriver, "store_driver must be gorm or pgx")
	}

	backendBaseURL := strings.TrimSuffix(strings.TrimSpace(viper.GetString("backend_base_url")), "/")
	if backendBaseURL == "" {
		backendBaseURL = "http://localhost:8080"
	}
	returnURL := strings.TrimSpace(viper.GetString("app_return_url"))
	if returnURL == "" {
		returnURL = "/"
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return ServerConfig{
		ListenAddr: listenAddr,
		Broker: platformauth.BrokerConfig{
			Provider:         platformauth.DefaultProvider,
			PlatformURL:      strings.TrimSpace(viper.GetString("platform_url")),
			ClientID:         clientID,
			ClientSecret:     viper.GetString("client_secret"),
			RedirectURL:      backendBaseURL + platformauth.CallbackPath,
			DefaultReturnURL: returnURL,
			StateTTL:         stateTTL,
			CacheSkew:        viper.GetDuration("cache_skew"),
			UpstreamTimeout:  viper.GetDuration("upstream_timeout"),
			StoreTimeout:     viper.GetDuration("store_timeout"),
		},
		StateSigningKey:    viper.GetString("state_signing_key"),
		DatabaseURL:        databaseURL,
		StoreDriver:        storeDriver,
		CacheURL:           strings.TrimSpace(viper.GetString("cache_url")),
		SessionSigningKey:  sessionSigningKey,
		SessionIssuer:      sessionIssuer,
		SessionCookieName:  viper.GetString("session_cookie_name"),
		EnableCORS:         viper.GetBool("enable_cors"),
		CORSAllowedOrigins: viper.GetStringSlice("cors_allowed_origins"),
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	gin.SetMode(gin.ReleaseMode)
	app, buildErr := buildApplication(commandContext, serverConfig, logger)
	if buildErr != nil {
		return buildErr
	}
	defer app.Close()

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	logger.Info("token metrics", zap.Any("counters", app.metrics.Snapshot()))
	return nil
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
