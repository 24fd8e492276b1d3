package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/2beens/dashgate/internal/dashboard"
	"github.com/2beens/dashgate/internal/session"

	"github.com/stretchr/testify/require"
)

func loginReq(ctx context.Context, t *testing.T, username, password string) *http.Request {
	loginReqJson, err := json.Marshal(dashboard.LoginRequest{
		Username: username,
		Password: password,
	})
	require.NoError(t, err)

	req, err := http.NewRequestWithContext(ctx, "POST", fmt.Sprintf("%s/a/login", serverEndpoint), bytes.NewBuffer(loginReqJson))
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set("Content-Type", "application/json")
	return req
}

func doLogin(ctx context.Context, t *testing.T, client *http.Client, username, password string) string {
	resp, err := client.Do(loginReq(ctx, t, username, password))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	respBytes, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NotEmpty(t, respBytes)

	var loginResp dashboard.LoginResponse
	require.NoError(t, json.Unmarshal(respBytes, &loginResp))

	return loginResp.Token
}

func authorizedReq(ctx context.Context, t *testing.T, method, path, token string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, method, serverEndpoint+path, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	req.Header.Set(session.TokenHeader, token)
	return req
}

// writeSecretsFile replaces the secrets file in one rename, the way secret mounts do.
func writeSecretsFile(path string, users map[string]string) error {
	usernames := make([]string, 0, len(users))
	for username := range users {
		usernames = append(usernames, username)
	}
	sort.Strings(usernames)

	var sb strings.Builder
	sb.WriteString("[credentials.users]\n")
	for _, username := range usernames {
		sb.WriteString(fmt.Sprintf("%q = %q\n", username, users[username]))
	}

	tmp := filepath.Join(filepath.Dir(path), ".secrets.tmp")
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
