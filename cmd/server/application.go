package main

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/platformlink/internal/database"
	"github.com/tyemirov/platformlink/internal/platformauth"
	"github.com/tyemirov/platformlink/internal/tokenpg"
	"github.com/tyemirov/platformlink/internal/web"
	"github.com/tyemirov/platformlink/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const inMemoryDatabaseURL = "sqlite:file:platformlink?mode=memory&cache=shared"

type application struct {
	router  *gin.Engine
	tokens  *platformauth.TokenLifecycleManager
	metrics *platformauth.CounterMetrics
	closers []func()
}

func (app *application) Close() {
	for index := len(app.closers) - 1; index >= 0; index-- {
		app.closers[index]()
	}
}

// buildApplication wires stores, cache, token lifecycle, flow, and routes.
func buildApplication(ctx context.Context, serverConfig ServerConfig, logger *zap.Logger) (*application, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	app := &application{metrics: platformauth.NewCounterMetrics()}
	built := false
	defer func() {
		if !built {
			app.Close()
		}
	}()

	databaseURL := serverConfig.DatabaseURL
	if databaseURL == "" {
		databaseURL = inMemoryDatabaseURL
		logger.Warn("no database_url configured; tokens will not survive a restart",
			zap.String("code", "config.in_memory_database"))
	}
	handle, openErr := database.Open(ctx, databaseURL)
	if openErr != nil {
		return nil, openErr
	}
	app.closers = append(app.closers, func() { _ = handle.Close() })

	var tokenStore platformauth.TokenStore
	switch serverConfig.StoreDriver {
	case storeDriverPGX:
		pool, poolErr := tokenpg.BuildPool(ctx, serverConfig.DatabaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		app.closers = append(app.closers, pool.Close)
		if schemaErr := tokenpg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		tokenStore = tokenpg.NewPostgresTokenStore(pool)
		logger.Info("using pgx token store", zap.String("driver", "pgx"))
	default:
		databaseStore, storeErr := platformauth.NewDatabaseTokenStore(ctx, handle)
		if storeErr != nil {
			return nil, storeErr
		}
		tokenStore = databaseStore
		logger.Info("using gorm token store", zap.String("driver", databaseStore.Driver()))
	}

	quickLinks, quickLinkErr := web.NewQuickLinkStore(ctx, handle)
	if quickLinkErr != nil {
		return nil, quickLinkErr
	}

	clock := platformauth.NewSystemClock()
	var cacheBackend platformauth.CacheBackend
	var consumedStates platformauth.ConsumedStateRegistry
	if serverConfig.CacheURL != "" {
		redisBackend, redisErr := platformauth.NewRedisCacheBackendFromURL(ctx, serverConfig.CacheURL, platformauth.DefaultRedisKeyPrefix)
		if redisErr != nil {
			return nil, redisErr
		}
		app.closers = append(app.closers, func() { _ = redisBackend.Close() })
		cacheBackend = redisBackend
		consumedStates = platformauth.NewRedisConsumedStates(redisBackend.Client(), platformauth.DefaultRedisKeyPrefix, clock)
		logger.Info("using redis token cache")
	} else {
		memoryBackend := platformauth.NewMemoryCacheBackend()
		app.closers = append(app.closers, func() { _ = memoryBackend.Close() })
		cacheBackend = memoryBackend
		consumedStates = platformauth.NewMemoryConsumedStates(clock)
		logger.Info("using in-process token cache")
	}

	codec, codecErr := buildStateCodec(serverConfig.StateSigningKey, logger)
	if codecErr != nil {
		return nil, codecErr
	}

	if serverConfig.Broker.TokenEndpoint() == "" {
		logger.Warn("no platform_url configured; every user will report not connected",
			zap.String("code", "config.missing_platform_url"))
	}

	tokenClient := platformauth.NewOAuth2TokenClient(serverConfig.Broker, nil)
	tokens, managerErr := platformauth.NewTokenLifecycleManager(platformauth.ManagerDependencies{
		Config:  serverConfig.Broker,
		Store:   tokenStore,
		Cache:   platformauth.NewAccessTokenCache(cacheBackend, serverConfig.Broker.CacheSkew, clock),
		Client:  tokenClient,
		Logger:  logger,
		Metrics: app.metrics,
		Clock:   clock,
	})
	if managerErr != nil {
		return nil, managerErr
	}
	app.tokens = tokens

	flow, flowErr := platformauth.NewAuthorizationFlow(platformauth.FlowDependencies{
		Config:         serverConfig.Broker,
		Codec:          codec,
		Tokens:         tokens,
		Client:         tokenClient,
		ConsumedStates: consumedStates,
		Logger:         logger,
		Metrics:        app.metrics,
		Clock:          clock,
	})
	if flowErr != nil {
		return nil, flowErr
	}

	validator, validatorErr := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(serverConfig.SessionSigningKey),
		Issuer:     serverConfig.SessionIssuer,
		CookieName: serverConfig.SessionCookieName,
	})
	if validatorErr != nil {
		return nil, validatorErr
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins)
		if corsErr != nil {
			return nil, fmt.Errorf("config.invalid_cors: %w", corsErr)
		}
		router.Use(corsMiddleware)
	}

	web.MountHealthRoute(router)
	platformauth.MountSessionRoutes(router, flow, tokens, validator, logger)

	protected := router.Group("/")
	protected.Use(platformauth.RequirePrincipal(validator))
	web.MountPlatformRoutes(protected, tokens, web.NewPlatformClient(serverConfig.Broker.PlatformURL, nil), logger)
	web.MountQuickLinkRoutes(protected, quickLinks, logger)

	app.router = router
	built = true
	return app, nil
}

func buildStateCodec(signingKey string, logger *zap.Logger) (*platformauth.StateCodec, error) {
	if signingKey != "" {
		return platformauth.NewStateCodec([]byte(signingKey))
	}
	logger.Warn("no state_signing_key configured; in-flight authorizations will fail after a restart or on another instance",
		zap.String("code", "config.ephemeral_state_key"))
	return platformauth.NewEphemeralStateCodec()
}
