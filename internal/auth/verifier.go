package auth

import (
	"errors"

	"github.com/2beens/dashgate/pkg"
)

// ErrDenied is returned for every rejected login. Unknown users and wrong
// passwords get the same error.
var ErrDenied = errors.New("username or password incorrect")

// Credentials maps a username to the hex SHA-256 digest of its configured secret.
type Credentials map[string]string

// NewCredentials hashes plaintext secrets from the secrets file once, at configuration time.
func NewCredentials(users map[string]string) Credentials {
	known := make(Credentials, len(users))
	for username, secret := range users {
		known[username] = pkg.HashPassword(secret)
	}
	return known
}

// Verify hashes the submitted password and compares it with the stored digest for username.
// It returns the username on success and ErrDenied otherwise.
func Verify(username, password string, known Credentials) (string, error) {
	if username == "" || password == "" {
		return "", ErrDenied
	}

	expectedHash, ok := known[username]
	if !ok {
		return "", ErrDenied
	}

	if !pkg.CheckPasswordHash(password, expectedHash) {
		return "", ErrDenied
	}

	return username, nil
}
