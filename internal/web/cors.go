package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

// ConfigureCORS allows credentialed requests from the host application's origins.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := normalizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type", "Location"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}), nil
}

func normalizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	sorted := append([]string(nil), allowed...)
	sort.Strings(sorted)

	seen := make(map[string]struct{}, len(sorted))
	origins := make([]string, 0, len(sorted))
	for _, candidate := range sorted {
		trimmed := strings.TrimSpace(candidate)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			return nil, errWildcardOrigin
		}
		origin, err := canonicalOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[origin.String()]; duplicate {
			continue
		}
		if origin.Scheme == "http" && !isLoopbackHost(origin.Hostname()) {
			logger.Warn("plain http cors origin configured",
				zap.String("code", "cors.origin.unsafe"),
				zap.String("origin", origin.String()))
		}
		seen[origin.String()] = struct{}{}
		origins = append(origins, origin.String())
	}
	if len(origins) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	return origins, nil
}

func canonicalOrigin(raw string) (*url.URL, error) {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidOrigin, raw)
	}
	if (parsed.Path != "" && parsed.Path != "/") || parsed.RawQuery != "" || parsed.Fragment != "" {
		return nil, fmt.Errorf("%w: %s must be scheme://host[:port]", errInvalidOrigin, raw)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "https" && scheme != "http" {
		return nil, fmt.Errorf("%w: %s uses unsupported scheme", errInvalidOrigin, raw)
	}
	return &url.URL{Scheme: scheme, Host: strings.ToLower(parsed.Host)}, nil
}

func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	default:
		return false
	}
}
