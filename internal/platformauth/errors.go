package platformauth

import "errors"

var (
	// ErrNotConnected indicates no usable token exists for the user; re-authorization is required.
	ErrNotConnected = errors.New("platform_auth.not_connected")
	// ErrInvalidState indicates the callback state failed signature, decoding, age, or replay checks.
	ErrInvalidState = errors.New("platform_auth.invalid_state")
	// ErrSessionMismatch indicates the callback arrived with a host session for a different user than the one that started the flow.
	ErrSessionMismatch = errors.New("platform_auth.session_mismatch")
	// ErrMissingCode indicates the callback carried no authorization code.
	ErrMissingCode = errors.New("platform_auth.missing_code")
	// ErrExchangeFailed indicates the authorization-code exchange did not succeed.
	ErrExchangeFailed = errors.New("platform_auth.exchange_failed")
	// ErrRefreshFailed indicates the upstream rejected a refresh token.
	ErrRefreshFailed = errors.New("platform_auth.refresh_failed")
	// ErrTokenEndpointNotConfigured indicates no platform URL was configured.
	ErrTokenEndpointNotConfigured = errors.New("platform_auth.token_endpoint_not_configured")

	// ErrUpstreamRejected indicates the token endpoint answered with a non-success status.
	ErrUpstreamRejected = errors.New("token_client.rejected")
	// ErrUpstreamUnavailable indicates the token endpoint could not be reached or timed out.
	ErrUpstreamUnavailable = errors.New("token_client.unavailable")

	// ErrTokenRecordNotFound indicates no token record exists for the user reference.
	ErrTokenRecordNotFound = errors.New("token_store.not_found")
	// ErrStorageUnavailable wraps failures of the durable token store.
	ErrStorageUnavailable = errors.New("token_store.unavailable")
	// ErrTokenRecordCorrupt indicates a persisted blob could not be decoded.
	ErrTokenRecordCorrupt = errors.New("token_store.corrupt_record")

	// ErrCacheUnavailable wraps failures of the access token cache backend.
	ErrCacheUnavailable = errors.New("token_cache.unavailable")
)
