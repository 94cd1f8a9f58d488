/**
 * @description
 * This file implements the bearer token lifecycle for one QPay credential
 * profile. Tokens are obtained via an OAuth-style client-credentials grant
 * with HTTP Basic auth and cached until shortly before expiry.
 *
 * @notes
 * - Each Client owns exactly one tokenManager; tokens are scoped to one
 *   client identity and must never be shared across profiles.
 * - The cache applies a 60 second early-expiry margin so a token is never
 *   presented at the edge of its validity window.
 */
package qpay

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const tokenExpiryMargin = 60 * time.Second

// tokenResponse is the gateway's reply to POST {baseUrl}/auth/token.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// tokenManager caches a bearer token for a single credential profile.
type tokenManager struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func newTokenManager(baseURL, clientID, clientSecret string, httpClient *http.Client, now func() time.Time) *tokenManager {
	return &tokenManager{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   httpClient,
		now:          now,
	}
}

// getToken returns the cached token when still valid, otherwise performs a
// client-credentials exchange. Refreshes are serialized under the mutex, so
// concurrent callers ride along on a single authentication call.
func (m *tokenManager) getToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && m.now().Before(m.expiresAt) {
		return m.token, nil
	}

	body, err := json.Marshal(map[string]string{"grant_type": "client_credentials"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/auth/token", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	basicAuth := base64.StdEncoding.EncodeToString([]byte(m.clientID + ":" + m.clientSecret))
	req.Header.Set("Authorization", "Basic "+basicAuth)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", &TimeoutError{Op: "auth", Err: err}
		}
		return "", &AuthError{Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &AuthError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var tok tokenResponse
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", &AuthError{Status: resp.StatusCode, Body: "empty access_token in response"}
	}

	m.token = tok.AccessToken
	m.expiresAt = m.now().Add(time.Duration(tok.ExpiresIn)*time.Second - tokenExpiryMargin)
	return m.token, nil
}

// invalidate discards the cached token so the next call re-authenticates.
// Used when the gateway answers 401 mid-window.
func (m *tokenManager) invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = ""
	m.expiresAt = time.Time{}
}
