// Package secrets reads dashboard users from the TOML secrets file:
//
//	[credentials.users]
//	admin = "admin"
//
// The file is not meant to be checked into version control.
package secrets

import (
	"errors"
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

var ErrInvalidSecrets = errors.New("invalid secrets")

// DefaultUsers is used when the secrets file has no [credentials.users] table.
// Only meant for local development.
var DefaultUsers = map[string]string{
	"admin": "admin",
}

type File struct {
	Credentials struct {
		Users map[string]string `toml:"users"`
	} `toml:"credentials"`
}

// Load parses the secrets file and returns the username to password mapping.
func Load(path string) (map[string]string, error) {
	return load(path, true)
}

func load(path string, allowDefaults bool) (map[string]string, error) {
	var f File
	md, err := toml.DecodeFile(path, &f)
	if err != nil {
		return nil, fmt.Errorf("decode secrets file %s: %w", path, err)
	}
	return users(md, &f, allowDefaults)
}

// Parse is Load for in-memory TOML data.
func Parse(data string) (map[string]string, error) {
	var f File
	md, err := toml.Decode(data, &f)
	if err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return users(md, &f, true)
}

func users(md toml.MetaData, f *File, allowDefaults bool) (map[string]string, error) {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		log.Debugf("secrets: ignoring unknown keys: %v", undecoded)
	}

	if !md.IsDefined("credentials", "users") {
		if !allowDefaults {
			return nil, fmt.Errorf("%w: no [credentials.users] table", ErrInvalidSecrets)
		}
		log.Warnln("secrets: no [credentials.users] table, using default development credentials")
		return copyUsers(DefaultUsers), nil
	}

	for username, password := range f.Credentials.Users {
		if strings.TrimSpace(username) == "" {
			return nil, fmt.Errorf("%w: empty username", ErrInvalidSecrets)
		}
		if password == "" {
			return nil, fmt.Errorf("%w: empty password for user [%s]", ErrInvalidSecrets, username)
		}
	}

	return copyUsers(f.Credentials.Users), nil
}

func copyUsers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
