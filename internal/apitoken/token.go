// Package apitoken keeps the upstream metrics API token that the dashboard uses for
// data collection. The token is stored in a small JSON file next to the service.
package apitoken

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
)

const retrievedByDashboard = "dashgate"

var (
	ErrNoToken   = errors.New("no api token")
	ErrMalformed = errors.New("malformed api token")
)

type Record struct {
	Token       string     `json:"token"`
	RetrievedAt time.Time  `json:"retrieved_at"`
	RetrievedBy string     `json:"retrieved_by"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	User        string     `json:"user,omitempty"`
}

func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

// ExpiresIn is zero for tokens without expiry and negative for expired ones.
func (r *Record) ExpiresIn(now time.Time) time.Duration {
	if r.ExpiresAt == nil {
		return 0
	}
	return r.ExpiresAt.Sub(now)
}

// Preview returns the first few characters of the token, safe to show in the UI.
func (r *Record) Preview() string {
	const previewLen = 12
	if len(r.Token) <= previewLen {
		return r.Token
	}
	return r.Token[:previewLen] + "..."
}

type Claims struct {
	Subject   string
	ExpiresAt *time.Time
}

// Decode reads the JWT payload without verifying the signature; the dashboard only
// needs the expiry and the subject for display, the upstream API does the verification.
func Decode(token string) (*Claims, error) {
	if len(strings.Split(token, ".")) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformed, err)
	}

	claims := &Claims{}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: exp: %s", ErrMalformed, err)
	}
	if exp != nil {
		expiresAt := exp.Time.UTC()
		claims.ExpiresAt = &expiresAt
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil {
		return nil, fmt.Errorf("%w: sub: %s", ErrMalformed, err)
	}
	claims.Subject = sub

	return claims, nil
}

func Load(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read api token file: %w", err)
	}

	record := &Record{}
	if err := json.Unmarshal(data, record); err != nil {
		return nil, fmt.Errorf("unmarshal api token file: %w", err)
	}
	if record.Token == "" {
		return nil, ErrNoToken
	}

	return record, nil
}

// Save stores a freshly pasted token. Expiry and user are taken from the JWT payload
// when it can be decoded.
func Save(path, token string, now time.Time) (*Record, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrNoToken
	}
	if len(strings.Split(token, ".")) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments", ErrMalformed)
	}

	record := &Record{
		Token:       token,
		RetrievedAt: now.UTC(),
		RetrievedBy: retrievedByDashboard,
	}
	if claims, err := Decode(token); err != nil {
		log.Warnf("api token payload not decoded, saving without expiry: %s", err)
	} else {
		record.ExpiresAt = claims.ExpiresAt
		record.User = claims.Subject
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal api token: %w", err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return nil, err
	}

	return record, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".apitoken-*")
	if err != nil {
		return fmt.Errorf("create temp api token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write api token file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod api token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close api token file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename api token file: %w", err)
	}
	return nil
}
