package platformauth

import (
	"strings"
	"time"
)

const (
	// DefaultProvider namespaces cache keys for the platform.
	DefaultProvider = "platform"
	// DefaultScopeKey is the scope key used for every cache get, set, and delete.
	DefaultScopeKey = ""
	// DefaultCacheSkew is subtracted from token lifetimes before they are cached.
	DefaultCacheSkew = 60 * time.Second
	// DefaultStateTTL bounds the authorize to callback round trip.
	DefaultStateTTL = 10 * time.Minute
	// DefaultUpstreamTimeout bounds each call to the token endpoint.
	DefaultUpstreamTimeout = 15 * time.Second
	// DefaultStoreTimeout bounds each durable store call.
	DefaultStoreTimeout = 5 * time.Second

	// CallbackPath is where the platform redirects the browser after consent.
	CallbackPath = "/oauth/callback"
)

// BrokerConfig configures the platform OAuth client and the redirect flow.
type BrokerConfig struct {
	Provider         string
	PlatformURL      string
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	DefaultReturnURL string
	StateTTL         time.Duration
	CacheSkew        time.Duration
	UpstreamTimeout  time.Duration
	StoreTimeout     time.Duration
}

// AuthorizeEndpoint returns the platform authorize URL, or empty when no platform is configured.
func (configuration BrokerConfig) AuthorizeEndpoint() string {
	base := configuration.platformBase()
	if base == "" {
		return ""
	}
	return base + "/oauth/authorize"
}

// TokenEndpoint returns the platform token URL, or empty when no platform is configured.
func (configuration BrokerConfig) TokenEndpoint() string {
	base := configuration.platformBase()
	if base == "" {
		return ""
	}
	return base + "/oauth/token"
}

func (configuration BrokerConfig) platformBase() string {
	return strings.TrimSuffix(strings.TrimSpace(configuration.PlatformURL), "/")
}

func (configuration BrokerConfig) withDefaults() BrokerConfig {
	if strings.TrimSpace(configuration.Provider) == "" {
		configuration.Provider = DefaultProvider
	}
	if configuration.StateTTL <= 0 {
		configuration.StateTTL = DefaultStateTTL
	}
	if configuration.CacheSkew <= 0 {
		configuration.CacheSkew = DefaultCacheSkew
	}
	if configuration.UpstreamTimeout <= 0 {
		configuration.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if configuration.StoreTimeout <= 0 {
		configuration.StoreTimeout = DefaultStoreTimeout
	}
	return configuration
}
