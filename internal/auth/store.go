package auth

import (
	"sort"
	"sync"

	"github.com/2beens/dashgate/pkg"
)

// Store holds the live credentials. Updates are visible to the next Verify call.
type Store struct {
	mutex sync.RWMutex
	known Credentials
}

func NewStore(known Credentials) *Store {
	s := &Store{}
	s.Replace(known)
	return s
}

func (s *Store) Verify(username, password string) (string, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return Verify(username, password, s.known)
}

// Replace swaps in a full credentials set, e.g. after the secrets file was reloaded.
func (s *Store) Replace(known Credentials) {
	copied := make(Credentials, len(known))
	for username, hash := range known {
		copied[username] = hash
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.known = copied
}

// Set adds or overwrites a single user; secret is plaintext.
func (s *Store) Set(username, secret string) {
	hash := pkg.HashPassword(secret)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.known[username] = hash
}

func (s *Store) Remove(username string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.known, username)
}

func (s *Store) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.known)
}

func (s *Store) Usernames() []string {
	s.mutex.RLock()
	usernames := make([]string, 0, len(s.known))
	for username := range s.known {
		usernames = append(usernames, username)
	}
	s.mutex.RUnlock()

	sort.Strings(usernames)
	return usernames
}
