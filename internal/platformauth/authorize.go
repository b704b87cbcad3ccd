package platformauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const stateFutureTolerance = time.Minute

var (
	errMissingUserRef   = errors.New("authorization_flow.missing_user_ref")
	errMissingCodec     = errors.New("authorization_flow.missing_state_codec")
	errMissingLifecycle = errors.New("authorization_flow.missing_token_lifecycle")
)

// FlowDependencies wires an AuthorizationFlow.
type FlowDependencies struct {
	Config         BrokerConfig
	Codec          *StateCodec
	Tokens         *TokenLifecycleManager
	Client         TokenClient
	ConsumedStates ConsumedStateRegistry
	Logger         *zap.Logger
	Metrics        MetricsRecorder
	Clock          Clock
	NewNonce       func() string
}

// AuthorizationFlow drives the authorization-code redirect round trip.
type AuthorizationFlow struct {
	configuration  BrokerConfig
	oauthConfig    *oauth2.Config
	codec          *StateCodec
	tokens         *TokenLifecycleManager
	client         TokenClient
	consumedStates ConsumedStateRegistry
	logger         *zap.Logger
	metrics        MetricsRecorder
	clock          Clock
	newNonce       func() string
}

// NewAuthorizationFlow validates dependencies and fills defaults.
func NewAuthorizationFlow(dependencies FlowDependencies) (*AuthorizationFlow, error) {
	if dependencies.Codec == nil {
		return nil, fmt.Errorf("authorization_flow.new: %w", errMissingCodec)
	}
	if dependencies.Tokens == nil {
		return nil, fmt.Errorf("authorization_flow.new: %w", errMissingLifecycle)
	}
	configuration := dependencies.Config.withDefaults()
	flow := &AuthorizationFlow{
		configuration:  configuration,
		oauthConfig:    newOAuth2Config(configuration),
		codec:          dependencies.Codec,
		tokens:         dependencies.Tokens,
		client:         dependencies.Client,
		consumedStates: dependencies.ConsumedStates,
		logger:         dependencies.Logger,
		metrics:        dependencies.Metrics,
		clock:          dependencies.Clock,
		newNonce:       dependencies.NewNonce,
	}
	if flow.logger == nil {
		flow.logger = zap.NewNop()
	}
	if flow.metrics == nil {
		flow.metrics = noopMetrics{}
	}
	if flow.clock == nil {
		flow.clock = NewSystemClock()
	}
	if flow.consumedStates == nil {
		flow.consumedStates = NewMemoryConsumedStates(flow.clock)
	}
	if flow.newNonce == nil {
		flow.newNonce = uuid.NewString
	}
	return flow, nil
}

// BeginAuthorize signs {userRef, issuedAt, returnURL, nonce} into the state and returns the authorize URL.
func (flow *AuthorizationFlow) BeginAuthorize(ctx context.Context, userRef string, returnURL string) (string, error) {
	if strings.TrimSpace(userRef) == "" {
		return "", fmt.Errorf("authorization_flow.begin: %w", errMissingUserRef)
	}
	if flow.configuration.AuthorizeEndpoint() == "" {
		return "", fmt.Errorf("authorization_flow.begin: %w", ErrTokenEndpointNotConfigured)
	}
	if strings.TrimSpace(returnURL) == "" {
		returnURL = flow.configuration.DefaultReturnURL
	}
	encoded, err := EncodeStatePayload(StatePayload{
		UserRef:        userRef,
		IssuedAtMillis: flow.clock.Now().UnixMilli(),
		ReturnURL:      returnURL,
		Nonce:          flow.newNonce(),
	})
	if err != nil {
		return "", fmt.Errorf("authorization_flow.begin: %w", err)
	}
	authorizeURL := flow.oauthConfig.AuthCodeURL(flow.codec.Sign(encoded))
	flow.metrics.Increment(MetricAuthorizeStarted)
	flow.logger.Info("authorize redirect issued",
		zap.String("code", "oauth.authorize.started"),
		zap.String("user_ref", userRef))
	return authorizeURL, nil
}

// CompleteCallback verifies state, exchanges the code, stores the tokens, and returns the browser target.
func (flow *AuthorizationFlow) CompleteCallback(ctx context.Context, code string, state string) (string, error) {
	return flow.CompleteCallbackForSession(ctx, code, state, "")
}

// CompleteCallbackForSession behaves like CompleteCallback and additionally rejects the
// callback with ErrSessionMismatch when sessionUserRef is set and differs from the user
// that started the flow. The state is left unredeemed in that case.
func (flow *AuthorizationFlow) CompleteCallbackForSession(ctx context.Context, code string, state string, sessionUserRef string) (string, error) {
	payload, stateErr := flow.verifyState(state)
	if stateErr != nil {
		flow.metrics.Increment(MetricCallbackInvalid)
		flow.logger.Warn("callback state rejected",
			zap.String("code", "oauth.callback.invalid_state"),
			zap.Error(stateErr))
		return "", fmt.Errorf("authorization_flow.callback: %w", ErrInvalidState)
	}
	if sessionUserRef != "" && sessionUserRef != payload.UserRef {
		flow.metrics.Increment(MetricCallbackSessionMismatch)
		flow.logger.Warn("callback session belongs to another user",
			zap.String("code", "oauth.callback.session_mismatch"),
			zap.String("user_ref", payload.UserRef),
			zap.String("session_user_ref", sessionUserRef))
		return "", fmt.Errorf("authorization_flow.callback: %w", ErrSessionMismatch)
	}
	if strings.TrimSpace(code) == "" {
		return "", fmt.Errorf("authorization_flow.callback: %w", ErrMissingCode)
	}
	if flow.configuration.TokenEndpoint() == "" || flow.client == nil {
		return "", fmt.Errorf("authorization_flow.callback: %w", ErrTokenEndpointNotConfigured)
	}

	stateExpiry := time.UnixMilli(payload.IssuedAtMillis).Add(flow.configuration.StateTTL)
	if markErr := flow.consumedStates.MarkConsumed(ctx, payload.Nonce, stateExpiry); markErr != nil {
		if errors.Is(markErr, ErrStateReplayed) {
			flow.metrics.Increment(MetricCallbackInvalid)
			flow.logger.Warn("callback state replayed",
				zap.String("code", "oauth.callback.replayed_state"),
				zap.String("user_ref", payload.UserRef))
			return "", fmt.Errorf("authorization_flow.callback: %w: %w", ErrInvalidState, markErr)
		}
		return "", fmt.Errorf("authorization_flow.callback: %w", markErr)
	}

	response, exchangeErr := flow.client.ExchangeCode(ctx, code)
	if exchangeErr != nil {
		flow.metrics.Increment(MetricCallbackExchangeErr)
		flow.logger.Warn("authorization code exchange failed",
			zap.String("code", "oauth.callback.exchange_failed"),
			zap.String("user_ref", payload.UserRef),
			zap.Error(exchangeErr))
		return "", fmt.Errorf("authorization_flow.callback: %w: %w", ErrExchangeFailed, exchangeErr)
	}

	if _, err := flow.tokens.StoreTokenResponse(ctx, payload.UserRef, response); err != nil {
		return "", fmt.Errorf("authorization_flow.callback: %w", err)
	}
	flow.metrics.Increment(MetricCallbackSuccess)
	flow.logger.Info("platform connected",
		zap.String("code", "oauth.callback.success"),
		zap.String("user_ref", payload.UserRef))

	if strings.TrimSpace(payload.ReturnURL) != "" {
		return payload.ReturnURL, nil
	}
	return flow.configuration.DefaultReturnURL, nil
}

func (flow *AuthorizationFlow) verifyState(state string) (StatePayload, error) {
	if strings.TrimSpace(state) == "" {
		return StatePayload{}, errors.New("empty state")
	}
	encoded, ok := flow.codec.Verify(state)
	if !ok {
		return StatePayload{}, errors.New("signature mismatch")
	}
	payload, err := DecodeStatePayload(encoded)
	if err != nil {
		return StatePayload{}, err
	}
	if strings.TrimSpace(payload.UserRef) == "" {
		return StatePayload{}, errors.New("state without user reference")
	}
	issuedAt := time.UnixMilli(payload.IssuedAtMillis)
	now := flow.clock.Now()
	if now.Sub(issuedAt) > flow.configuration.StateTTL {
		return StatePayload{}, fmt.Errorf("state issued %s ago", now.Sub(issuedAt).Round(time.Second))
	}
	if issuedAt.Sub(now) > stateFutureTolerance {
		return StatePayload{}, errors.New("state issued in the future")
	}
	return payload, nil
}
