package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2beens/dashgate/pkg"

	"github.com/coocood/freecache"
	"github.com/go-redis/redis/v8"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultTTL       = 24 * time.Hour
	sessionKeyPrefix = "dashgate-session||"
	tokensSetKey     = "dashgate-sessions"
	tokenLength      = 35

	cacheSize          = 8 * 1024 * 1024
	cacheExpirySeconds = 5
)

var ErrNotFound = errors.New("session not found")

type Service struct {
	redisClient *redis.Client
	cache       *freecache.Cache
	ttl         time.Duration
	// ability to inject random string generator func for tokens (for unit and dev testing)
	RandStringFunc func(s int) (string, error)
}

func NewService(ttl time.Duration, redisClient *redis.Client) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{
		ttl:            ttl,
		redisClient:    redisClient,
		cache:          freecache.NewCache(cacheSize),
		RandStringFunc: pkg.GenerateRandomString,
	}
}

func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Login creates an authenticated session for an already verified username.
func (s *Service) Login(ctx context.Context, username string, createdAt time.Time) (*Session, error) {
	token, err := s.RandStringFunc(tokenLength)
	if err != nil {
		return nil, fmt.Errorf("generate token: %w", err)
	}

	sess := &Session{
		Token:         token,
		Username:      username,
		Authenticated: true,
		CreatedAt:     createdAt.UTC().Truncate(time.Second),
	}
	sessJson, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.redisClient.Set(ctx, sessionKeyPrefix+token, sessJson, s.ttl).Err(); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}

	// add token to list of sessions
	if err := s.redisClient.SAdd(ctx, tokensSetKey, token).Err(); err != nil {
		return nil, fmt.Errorf("register session token: %w", err)
	}

	return sess, nil
}

// Get returns the session for the token, or ErrNotFound if it is unknown, logged out or expired.
func (s *Service) Get(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrNotFound
	}

	sessionKey := sessionKeyPrefix + token
	sessJson, err := s.cache.Get([]byte(sessionKey))
	if err == nil {
		// cached, but another instance may have logged it out in the meantime
		exists, existsErr := s.redisClient.Exists(ctx, sessionKey).Result()
		if existsErr != nil {
			return nil, fmt.Errorf("check session: %w", existsErr)
		}
		if exists == 0 {
			s.cache.Del([]byte(sessionKey))
			return nil, ErrNotFound
		}
	} else {
		sessJson, err = s.redisClient.Get(ctx, sessionKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("get session: %w", err)
		}
	}

	sess := &Session{}
	if err := json.Unmarshal(sessJson, sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	sess.Token = token

	if sess.Expired(time.Now(), s.ttl) || !sess.Authenticated {
		s.cache.Del([]byte(sessionKey))
		return nil, ErrNotFound
	}

	if err := s.cache.Set([]byte(sessionKey), sessJson, cacheExpirySeconds); err != nil {
		log.Debugf("session cache set: %s", err)
	}

	return sess, nil
}

// Logout clears the session. The returned bool reports whether a session existed.
func (s *Service) Logout(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	sessionKey := sessionKeyPrefix + token
	s.cache.Del([]byte(sessionKey))

	deleted, err := s.redisClient.Del(ctx, sessionKey).Result()
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}

	// remove token from the list of sessions
	if err := s.redisClient.SRem(ctx, tokensSetKey, token).Err(); err != nil {
		return false, fmt.Errorf("unregister session token: %w", err)
	}

	return deleted > 0, nil
}

// Count returns the number of registered session tokens, including not yet cleaned ones.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.redisClient.SCard(ctx, tokensSetKey).Result()
}

// ScanAndClean will run through all sessions, check the TTL, and clean them if old
func (s *Service) ScanAndClean(ctx context.Context) int {
	sessionTokens, err := s.redisClient.SMembers(ctx, tokensSetKey).Result()
	if err != nil {
		log.Errorf("!!! session service, scan and clean, get sessions: %s", err)
		return 0
	}

	if len(sessionTokens) == 0 {
		log.Debugln("=> session service, scan and clean abort, no sessions")
		return 0
	}

	log.Debugf("=> session service, scan and clean [%d sessions] start ...", len(sessionTokens))
	now := time.Now()
	var toRemove []string
	for _, token := range sessionTokens {
		sessJson, err := s.redisClient.Get(ctx, sessionKeyPrefix+token).Bytes()
		if errors.Is(err, redis.Nil) {
			// already expired in redis, only the set entry is left
			toRemove = append(toRemove, token)
			continue
		}
		if err != nil {
			log.Errorf("=> session service, scan and clean token: %s", err)
			continue
		}

		sess := &Session{}
		if err := json.Unmarshal(sessJson, sess); err != nil {
			log.Errorf("=> session service, scan and clean, bad session data: %s", err)
			toRemove = append(toRemove, token)
			continue
		}

		if sess.Expired(now, s.ttl) {
			toRemove = append(toRemove, token)
		}
	}

	removed := 0
	for _, token := range toRemove {
		if _, err := s.Logout(ctx, token); err != nil {
			log.Errorf("=> session service, clean token: %s", err)
			continue
		}
		removed++
	}

	log.Debugf("=> session service, scan and clean done, removed [%d] sessions", removed)
	return removed
}
