package platformauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// OAuth2TokenClient exchanges and refreshes tokens against the platform token endpoint.
type OAuth2TokenClient struct {
	config     *oauth2.Config
	httpClient *http.Client
	timeout    time.Duration
}

// NewOAuth2TokenClient builds a client that sends client credentials in the form body.
func NewOAuth2TokenClient(configuration BrokerConfig, httpClient *http.Client) *OAuth2TokenClient {
	configuration = configuration.withDefaults()
	if httpClient == nil {
		httpClient = &http.Client{Timeout: configuration.UpstreamTimeout}
	}
	return &OAuth2TokenClient{
		config:     newOAuth2Config(configuration),
		httpClient: httpClient,
		timeout:    configuration.UpstreamTimeout,
	}
}

func newOAuth2Config(configuration BrokerConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     configuration.ClientID,
		ClientSecret: configuration.ClientSecret,
		RedirectURL:  configuration.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   configuration.AuthorizeEndpoint(),
			TokenURL:  configuration.TokenEndpoint(),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// ExchangeCode performs the grant_type=authorization_code request.
func (client *OAuth2TokenClient) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	requestContext, cancel := client.requestContext(ctx)
	defer cancel()
	token, err := client.config.Exchange(requestContext, code)
	if err != nil {
		return TokenResponse{}, classifyTokenError("token_client.exchange", err)
	}
	return tokenResponseFromOAuth2(token), nil
}

// Refresh performs the grant_type=refresh_token request.
func (client *OAuth2TokenClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	requestContext, cancel := client.requestContext(ctx)
	defer cancel()
	source := client.config.TokenSource(requestContext, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenResponse{}, classifyTokenError("token_client.refresh", err)
	}
	response := tokenResponseFromOAuth2(token)
	if response.RefreshToken == "" {
		response.RefreshToken = refreshToken
	}
	return response, nil
}

func (client *OAuth2TokenClient) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	bounded, cancel := context.WithTimeout(ctx, client.timeout)
	return context.WithValue(bounded, oauth2.HTTPClient, client.httpClient), cancel
}

// classifyTokenError separates upstream rejections from transport failures.
func classifyTokenError(operation string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		statusCode := 0
		if retrieveErr.Response != nil {
			statusCode = retrieveErr.Response.StatusCode
		}
		return fmt.Errorf("%s: %w: status %d", operation, ErrUpstreamRejected, statusCode)
	}
	if strings.Contains(err.Error(), "missing access_token") {
		return fmt.Errorf("%s: %w: %v", operation, ErrUpstreamRejected, err)
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrUpstreamUnavailable, err)
}

func tokenResponseFromOAuth2(token *oauth2.Token) TokenResponse {
	response := TokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if rawExpiresIn := token.Extra("expires_in"); rawExpiresIn != nil {
		if expiresIn, ok := extraInt64(rawExpiresIn); ok {
			response.ExpiresIn = &expiresIn
		}
	}
	if scope, ok := token.Extra("scope").(string); ok {
		response.Scope = scope
	}
	return response
}

// extraInt64 reads a numeric token field, clamped to [-MaximumExpiresInSeconds, MaximumExpiresInSeconds].
// ok is false when the value is not a number.
func extraInt64(value any) (int64, bool) {
	var parsed float64
	switch typed := value.(type) {
	case float64:
		parsed = typed
	case int64:
		parsed = float64(typed)
	case int:
		parsed = float64(typed)
	case json.Number:
		number, err := typed.Float64()
		if err != nil {
			return 0, false
		}
		parsed = number
	case string:
		number, err := strconv.ParseFloat(strings.TrimSpace(typed), 64)
		if err != nil {
			return 0, false
		}
		parsed = number
	default:
		return 0, false
	}
	if math.IsNaN(parsed) {
		return 0, false
	}
	switch {
	case parsed > MaximumExpiresInSeconds:
		return MaximumExpiresInSeconds, true
	case parsed < -MaximumExpiresInSeconds:
		return -MaximumExpiresInSeconds, true
	}
	return int64(parsed), true
}
