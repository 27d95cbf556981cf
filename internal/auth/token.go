package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrAuth marks failures against the OAuth2 token endpoint.
var ErrAuth = errors.New("auth: token request failed")

// refreshMargin is how close to expiry a cached token may get before a
// call to Token triggers a synchronous refresh.
const refreshMargin = 5 * time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// TokenManager owns the process-wide bearer token for the market-data
// API. It refreshes via the OAuth2 client-credentials grant; the mutex
// serializes refreshes so concurrent callers never race a half-updated
// token or fire duplicate refresh requests.
type TokenManager struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	logger       *logrus.Logger

	mu        chan struct{} // acts as the refresh mutex; see Token
	token     string
	expiresAt time.Time

	now func() time.Time
}

func NewTokenManager(tokenURL, clientID, clientSecret string, timeout time.Duration, logger *logrus.Logger) *TokenManager {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	m := &TokenManager{
		httpClient:   &http.Client{Timeout: timeout},
		tokenURL:     strings.TrimSuffix(tokenURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		logger:       logger,
		mu:           make(chan struct{}, 1),
		now:          time.Now,
	}
	m.mu <- struct{}{}
	return m
}

// Token returns a bearer token, refreshing the cached one when it is
// within the safety margin of expiry. The channel-based mutex lets a
// caller whose context is cancelled give up instead of queueing behind a
// slow refresh.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	select {
	case <-m.mu:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { m.mu <- struct{}{} }()

	if m.token != "" && m.now().Before(m.expiresAt.Add(-refreshMargin)) {
		return m.token, nil
	}

	if err := m.refresh(ctx); err != nil {
		return "", err
	}
	return m.token, nil
}

// refresh performs the client-credentials grant. Callers must hold the
// mutex.
func (m *TokenManager) refresh(ctx context.Context) error {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", m.clientID)
	form.Set("client_secret", m.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.WithError(cerr).Warn("Error closing token response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", ErrAuth, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: token endpoint returned %d", ErrAuth, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrAuth, err)
	}
	if tr.AccessToken == "" {
		return fmt.Errorf("%w: empty access token", ErrAuth)
	}

	m.token = tr.AccessToken
	m.expiresAt = m.now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	m.logger.WithField("expires_in", tr.ExpiresIn).Debug("Refreshed API access token")
	return nil
}
