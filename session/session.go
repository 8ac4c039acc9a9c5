// Package session owns the current user identity and the profile cache.
// The service is an explicitly constructed object with a lifecycle
// (create at start, SignOut on teardown); consumers receive it by
// reference instead of importing ambient global state.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"taskdeck/domain"
)

// ProfileFetcher loads the canonical profile record for a user.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, userID string) (domain.Profile, error)
}

// Service validates tokens, tracks the active user id and serves the
// profile through a TTL cache. Identity changes (sign-in as someone else,
// sign-out) are published to registered listeners so the page controller
// can reset its projector and caches.
type Service struct {
	auth     *Auth
	profiles ProfileFetcher
	redis    *redis.Client
	ttl      time.Duration

	mu        sync.Mutex
	userID    string
	listeners []func(userID string)
}

// New creates a session service. A nil Redis client or zero TTL disables
// profile caching.
func New(auth *Auth, profiles ProfileFetcher, client *redis.Client, ttl time.Duration) *Service {
	if auth == nil {
		panic("session.New: auth is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Service{auth: auth, profiles: profiles, redis: client, ttl: ttl}
}

// UserIDFromAuthHeader validates the bearer token and returns the user
// id. When the identity differs from the active one, the service swaps it,
// evicts the previous user's cached profile and notifies listeners.
func (s *Service) UserIDFromAuthHeader(ctx context.Context, header string) (string, error) {
	userID, err := s.auth.UserIDFromAuthHeader(header)
	if err != nil {
		return "", err
	}
	s.switchIdentity(ctx, userID)
	return userID, nil
}

// CurrentUserID returns the active user id, empty when signed out.
func (s *Service) CurrentUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// OnChange registers a listener invoked with the new user id on every
// identity change; sign-out delivers an empty id.
func (s *Service) OnChange(fn func(userID string)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SignOut clears the active identity, evicts the cached profile and
// notifies listeners.
func (s *Service) SignOut(ctx context.Context) {
	s.switchIdentity(ctx, "")
}

func (s *Service) switchIdentity(ctx context.Context, userID string) {
	s.mu.Lock()
	previous := s.userID
	if previous == userID {
		s.mu.Unlock()
		return
	}
	s.userID = userID
	listeners := make([]func(string), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if previous != "" {
		s.evictProfile(ctx, previous)
	}
	for _, fn := range listeners {
		fn(userID)
	}
}

// Profile returns the user's profile, served from the TTL cache when
// fresh. Cache failures degrade to a direct fetch.
func (s *Service) Profile(ctx context.Context, userID string) (domain.Profile, error) {
	if p, ok := s.loadProfileFromCache(ctx, userID); ok {
		return p, nil
	}

	p, err := s.profiles.FetchProfile(ctx, userID)
	if err != nil {
		return domain.Profile{}, err
	}

	s.storeProfile(ctx, userID, p)
	return p, nil
}

func (s *Service) loadProfileFromCache(ctx context.Context, userID string) (domain.Profile, bool) {
	if s.redis == nil {
		return domain.Profile{}, false
	}
	data, err := s.redis.Get(ctx, profileCacheKey(userID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			_ = s.redis.Del(ctx, profileCacheKey(userID)).Err()
		}
		return domain.Profile{}, false
	}
	var p domain.Profile
	if err := json.Unmarshal(data, &p); err != nil {
		_ = s.redis.Del(ctx, profileCacheKey(userID)).Err()
		return domain.Profile{}, false
	}
	return p, true
}

func (s *Service) storeProfile(ctx context.Context, userID string, p domain.Profile) {
	if s.redis == nil || s.ttl == 0 {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.redis.Set(ctx, profileCacheKey(userID), data, s.ttl).Err()
}

func (s *Service) evictProfile(ctx context.Context, userID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Del(ctx, profileCacheKey(userID)).Err()
}

func profileCacheKey(userID string) string {
	return "profile:" + userID
}
