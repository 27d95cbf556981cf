package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenServer(t *testing.T, calls *int64, expiresIn int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.PostForm.Get("grant_type"))
		require.Equal(t, "id", r.PostForm.Get("client_id"))
		require.Equal(t, "secret", r.PostForm.Get("client_secret"))

		n := atomic.AddInt64(calls, 1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token": "token-%d", "expires_in": %d}`, n, expiresIn)
	}))
}

func TestTokenManager_CachesToken(t *testing.T) {
	var calls int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "id", "secret", 5*time.Second, logrus.New())

	first, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", first)

	second, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestTokenManager_RefreshesNearExpiry(t *testing.T) {
	var calls int64
	// Expires in 60s, which is already inside the 5 minute margin.
	srv := tokenServer(t, &calls, 60)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "id", "secret", 5*time.Second, logrus.New())

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	_, err = m.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(2), atomic.LoadInt64(&calls))
}

func TestTokenManager_SingleRefreshUnderConcurrency(t *testing.T) {
	var calls int64
	srv := tokenServer(t, &calls, 3600)
	defer srv.Close()

	m := NewTokenManager(srv.URL, "id", "secret", 5*time.Second, logrus.New())

	var wg sync.WaitGroup
	tokens := make([]string, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Token(context.Background())
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestTokenManager_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	m := NewTokenManager(srv.URL, "id", "secret", 5*time.Second, logrus.New())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTokenManager_Unreachable(t *testing.T) {
	m := NewTokenManager("http://127.0.0.1:1", "id", "secret", time.Second, logrus.New())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuth)
}

func TestTokenManager_EmptyAccessToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token": "", "expires_in": 3600}`)
	}))
	defer srv.Close()

	m := NewTokenManager(srv.URL, "id", "secret", 5*time.Second, logrus.New())

	_, err := m.Token(context.Background())
	assert.ErrorIs(t, err, ErrAuth)
}
