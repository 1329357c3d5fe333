package profile

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/matheus3301/roomsync/internal/chat"
	"go.uber.org/zap"
)

const (
	// DefaultCacheSize bounds the profile cache when no size is configured.
	DefaultCacheSize = 1024
	// DefaultAvatarBase is the generator used for participants without an avatar.
	DefaultAvatarBase = "https://api.dicebear.com/9.x/initials/svg"

	shortIDLen = 8
)

// Resolver maps participant ids to display profiles. Successful lookups are
// kept in an LRU cache; the least recently resolved participant is evicted
// first once the bound is reached.
type Resolver struct {
	lookup     chat.ProfileLookup
	cache      *lru.Cache[string, chat.Profile]
	avatarBase string
	logger     *zap.Logger

	mu   sync.RWMutex
	self *chat.Profile
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAvatarBase overrides the fallback avatar generator URL.
func WithAvatarBase(base string) Option {
	return func(r *Resolver) { r.avatarBase = base }
}

// NewResolver creates a resolver backed by lookup. size <= 0 uses DefaultCacheSize.
func NewResolver(lookup chat.ProfileLookup, size int, logger *zap.Logger, opts ...Option) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, chat.Profile](size)
	if err != nil {
		return nil, fmt.Errorf("profile cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		lookup:     lookup,
		cache:      cache,
		avatarBase: DefaultAvatarBase,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SetSelf records the local user's profile from session identity data so
// self-sent messages never trigger a remote lookup.
func (r *Resolver) SetSelf(p chat.Profile) {
	if p.DisplayName == "" {
		p.DisplayName = FallbackName(p.UserID)
	}
	if p.AvatarURL == "" {
		p.AvatarURL = FallbackAvatar(r.avatarBase, p.DisplayName)
	}
	r.mu.Lock()
	r.self = &p
	r.mu.Unlock()
}

// Resolve returns a usable profile for userID. It never fails: lookup errors
// and missing profiles produce a deterministic fallback, which is not cached.
func (r *Resolver) Resolve(ctx context.Context, userID string) chat.Profile {
	r.mu.RLock()
	self := r.self
	r.mu.RUnlock()
	if self != nil && self.UserID == userID {
		return *self
	}

	if p, ok := r.cache.Get(userID); ok {
		return p
	}

	p, err := r.lookup.GetProfile(ctx, userID)
	switch {
	case err == nil:
		p.UserID = userID
		if p.DisplayName == "" {
			p.DisplayName = FallbackName(userID)
		}
		if p.AvatarURL == "" {
			p.AvatarURL = FallbackAvatar(r.avatarBase, p.DisplayName)
		}
		r.cache.Add(userID, p)
		return p
	case errors.Is(err, chat.ErrProfileNotFound):
		r.logger.Debug("profile not found, using fallback", zap.String("user_id", userID))
	default:
		r.logger.Warn("profile lookup failed, using fallback", zap.String("user_id", userID), zap.Error(err))
	}
	return r.Fallback(userID)
}

// Fallback synthesizes the profile used when none can be resolved.
func (r *Resolver) Fallback(userID string) chat.Profile {
	name := FallbackName(userID)
	return chat.Profile{
		UserID:      userID,
		DisplayName: name,
		AvatarURL:   FallbackAvatar(r.avatarBase, name),
	}
}

// Cached returns the number of cached profiles.
func (r *Resolver) Cached() int {
	return r.cache.Len()
}

// FallbackName returns "User " followed by the first characters of userID.
func FallbackName(userID string) string {
	short := []rune(userID)
	if len(short) > shortIDLen {
		short = short[:shortIDLen]
	}
	return "User " + string(short)
}

// FallbackAvatar builds a generated avatar URL keyed by name. The background
// colour comes from a name-based UUID so equal names always render the same.
func FallbackAvatar(base, name string) string {
	seed := uuid.NewSHA1(uuid.NameSpaceURL, []byte(name))
	q := url.Values{}
	q.Set("seed", name)
	q.Set("backgroundColor", hex.EncodeToString(seed[:3]))
	return base + "?" + q.Encode()
}
