package test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/2beens/dashgate/internal/dashboard"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (s *IntegrationTestSuite) TestSecretsReload() {
	t := s.T()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.redisDataCleanup(ctx))
	defer func() {
		require.NoError(t, writeSecretsFile(s.secretsPath, map[string]string{testUsername: testPassword}))
		assert.Eventually(t, func() bool {
			return s.loginStatus(ctx, testUsername, testPassword) == http.StatusOK
		}, 10*time.Second, 500*time.Millisecond)
		require.NoError(t, s.redisDataCleanup(ctx))
	}()

	require.NoError(t, writeSecretsFile(s.secretsPath, map[string]string{
		testUsername: "rotated-pass",
		"viewer":     "viewer-pass",
	}))

	// the watcher picks the change up without a restart
	assert.Eventually(t, func() bool {
		return s.loginStatus(ctx, testUsername, "rotated-pass") == http.StatusOK
	}, 10*time.Second, 500*time.Millisecond)

	assert.Equal(t, http.StatusUnauthorized, s.loginStatus(ctx, testUsername, testPassword))
	assert.Equal(t, http.StatusOK, s.loginStatus(ctx, "viewer", "viewer-pass"))

	// API token endpoints need a session
	token := doLogin(ctx, t, s.httpClient, "viewer", "viewer-pass")
	resp, err := s.httpClient.Do(authorizedReq(ctx, t, "GET", "/token", token))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, resp.Body.Close())
}

// loginStatus clears the rate limit counters before each attempt, polling must not trip them.
// It returns 0 when the attempt could not be made.
func (s *IntegrationTestSuite) loginStatus(ctx context.Context, username, password string) int {
	if err := s.redisDataCleanup(ctx); err != nil {
		return 0
	}

	loginReqJson, err := json.Marshal(dashboard.LoginRequest{Username: username, Password: password})
	if err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(ctx, "POST", serverEndpoint+"/a/login", bytes.NewBuffer(loginReqJson))
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	return resp.StatusCode
}
