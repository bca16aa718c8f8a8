package prefs

import (
	"context"
	"fmt"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// FlagDMWarningShown marks that the user saw the note about reminders
// created in direct messages.
const FlagDMWarningShown = "dm_warning_shown"

const DefaultTTL = 30 * time.Minute

// Service is the user preference store: timezone and boolean flags, backed
// by storage with a read-through timezone cache.
type Service struct {
	store storage.Store
	cache Cache
	ttl   time.Duration
	log   logx.Logger
}

func New(store storage.Store, cache Cache, ttl time.Duration, log logx.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, cache: cache, ttl: ttl, log: log}
}

// Timezone returns the user's IANA zone name, or "" when none is set.
func (s *Service) Timezone(ctx context.Context, userID string) (string, error) {
	if tz, ok, err := s.cache.Get(ctx, userID); err != nil {
		s.log.Warn("timezone cache get failed", logx.String("user_id", userID), logx.Err(err))
	} else if ok {
		return tz, nil
	}

	p, _, err := s.store.GetUserPrefs(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load prefs: %w", err)
	}
	if err := s.cache.Set(ctx, userID, p.Timezone, s.ttl); err != nil {
		s.log.Warn("timezone cache set failed", logx.String("user_id", userID), logx.Err(err))
	}
	return p.Timezone, nil
}

// Location resolves the user's zone. It returns reminder.ErrTimezoneNotSet
// when the user has none.
func (s *Service) Location(ctx context.Context, userID string) (*time.Location, error) {
	tz, err := s.Timezone(ctx, userID)
	if err != nil {
		return nil, err
	}
	return reminder.LoadZone(tz)
}

// SetTimezone validates and stores tz, then drops the cached value.
func (s *Service) SetTimezone(ctx context.Context, userID, tz string) (*time.Location, error) {
	loc, err := reminder.LoadZone(tz)
	if err != nil {
		return nil, err
	}
	err = s.update(ctx, userID, func(p *storage.UserPrefs) { p.Timezone = loc.String() })
	if err != nil {
		return nil, err
	}
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.log.Warn("timezone cache invalidate failed", logx.String("user_id", userID), logx.Err(err))
	}
	return loc, nil
}

func (s *Service) Flag(ctx context.Context, userID, name string) (bool, error) {
	p, _, err := s.store.GetUserPrefs(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load prefs: %w", err)
	}
	return p.Flags[name], nil
}

func (s *Service) SetFlag(ctx context.Context, userID, name string, v bool) error {
	return s.update(ctx, userID, func(p *storage.UserPrefs) {
		if p.Flags == nil {
			p.Flags = map[string]bool{}
		}
		p.Flags[name] = v
	})
}

func (s *Service) update(ctx context.Context, userID string, fn func(p *storage.UserPrefs)) error {
	p, _, err := s.store.GetUserPrefs(ctx, userID)
	if err != nil {
		return fmt.Errorf("load prefs: %w", err)
	}
	p.UserID = userID
	fn(&p)
	p.UpdatedAt = time.Now()
	if err := s.store.PutUserPrefs(ctx, p); err != nil {
		return fmt.Errorf("save prefs: %w", err)
	}
	return nil
}

func (s *Service) Close() error { return s.cache.Close() }
