package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const platformResponseLimit = 4 << 20

// ErrPlatformRequestFailed wraps transport failures and non-2xx answers from the platform API.
var ErrPlatformRequestFailed = errors.New("platform_client.request_failed")

// PlatformClient calls the platform REST API with a user's access token.
type PlatformClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewPlatformClient builds a client rooted at the platform base URL.
func NewPlatformClient(baseURL string, httpClient *http.Client) *PlatformClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &PlatformClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// ListWorkspaces returns the caller's personal workspaces as opaque JSON objects.
func (client *PlatformClient) ListWorkspaces(ctx context.Context, accessToken string) ([]json.RawMessage, error) {
	var envelope struct {
		Workspaces []json.RawMessage `json:"workspaces"`
	}
	if err := client.do(ctx, http.MethodGet, "/v1/personal_workspaces", accessToken, nil, &envelope); err != nil {
		return nil, fmt.Errorf("platform_client.list_workspaces: %w", err)
	}
	if envelope.Workspaces == nil {
		return []json.RawMessage{}, nil
	}
	return envelope.Workspaces, nil
}

// UserInfo returns the platform's user_info document unchanged.
func (client *PlatformClient) UserInfo(ctx context.Context, accessToken string) (json.RawMessage, error) {
	var document json.RawMessage
	if err := client.do(ctx, http.MethodGet, "/v1/user_info", accessToken, nil, &document); err != nil {
		return nil, fmt.Errorf("platform_client.user_info: %w", err)
	}
	return document, nil
}

// UpdateWorkspaceState posts {"state": state} to the workspace.
func (client *PlatformClient) UpdateWorkspaceState(ctx context.Context, accessToken string, projectID string, workspaceID string, state json.RawMessage) error {
	body, err := json.Marshal(struct {
		State json.RawMessage `json:"state"`
	}{State: state})
	if err != nil {
		return fmt.Errorf("platform_client.update_state: %w", err)
	}
	path := "/v1/projects/" + url.PathEscape(projectID) + "/workspaces/" + url.PathEscape(workspaceID) + "/state"
	if err := client.do(ctx, http.MethodPost, path, accessToken, body, nil); err != nil {
		return fmt.Errorf("platform_client.update_state: %w", err)
	}
	return nil
}

func (client *PlatformClient) do(ctx context.Context, method string, path string, accessToken string, body []byte, target any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlatformRequestFailed, err)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPlatformRequestFailed, err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, platformResponseLimit))
		return fmt.Errorf("%w: status %d", ErrPlatformRequestFailed, response.StatusCode)
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(response.Body, platformResponseLimit)).Decode(target); err != nil {
		return fmt.Errorf("%w: decode: %w", ErrPlatformRequestFailed, err)
	}
	return nil
}
