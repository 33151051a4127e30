package persistent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buzkaaclicker/agora"
	"github.com/buzkaaclicker/agora/token"
	"github.com/sirupsen/logrus"
)

const (
	sessionKeyPrefix      = "session:"
	userSessionsKeyPrefix = "user_sessions:"

	DefaultMaxSessionsPerUser = 5
)

// SessionStore keeps encrypted session records under `session:<id>` and one
// `user_sessions:<user key>` set per user. Both expire after TTL.
type SessionStore struct {
	KV                 agora.KV
	Sealer             *token.Sealer
	TTL                time.Duration
	MaxSessionsPerUser int

	// OnEvict is called for every session removed by the session limit.
	OnEvict func(ctx context.Context, session agora.Session)
}

var _ agora.SessionStore = (*SessionStore)(nil)

func sessionKey(sessionId string) string {
	return sessionKeyPrefix + sessionId
}

func userSessionsKey(userKey agora.UserKey) string {
	return userSessionsKeyPrefix + string(userKey)
}

func (s *SessionStore) maxSessions() int {
	if s.MaxSessionsPerUser <= 0 {
		return DefaultMaxSessionsPerUser
	}
	return s.MaxSessionsPerUser
}

func (s *SessionStore) Create(ctx context.Context, session agora.Session, userKey agora.UserKey) (agora.Session, error) {
	if session.Id == "" {
		return agora.Session{}, errors.New("session without id")
	}
	if strings.Contains(session.Id, ":") {
		return agora.Session{}, fmt.Errorf("invalid session id '%s'", session.Id)
	}

	if userKey != "" {
		if err := s.enforceLimit(ctx, userKey); err != nil {
			return agora.Session{}, fmt.Errorf("enforce session limit: %w", err)
		}
	}

	if err := s.put(ctx, session); err != nil {
		return agora.Session{}, err
	}

	if userKey != "" {
		indexKey := userSessionsKey(userKey)
		if err := s.KV.SAdd(ctx, indexKey, session.Id); err != nil {
			return agora.Session{}, fmt.Errorf("register in user index: %w", err)
		}
		if err := s.KV.Expire(ctx, indexKey, s.TTL); err != nil {
			return agora.Session{}, fmt.Errorf("expire user index: %w", err)
		}
	}
	return session, nil
}

// enforceLimit evicts the oldest created sessions (FIFO, not by last access)
// until there is room for one more.
func (s *SessionStore) enforceLimit(ctx context.Context, userKey agora.UserKey) error {
	sessions, err := s.UserSessions(ctx, userKey)
	if err != nil {
		return err
	}
	for len(sessions) >= s.maxSessions() {
		oldest := sessions[0]
		sessions = sessions[1:]
		if _, err := s.Destroy(ctx, oldest.Id); err != nil {
			return fmt.Errorf("evict session: %w", err)
		}
		if err := s.RemoveFromUser(ctx, userKey, oldest.Id); err != nil {
			return fmt.Errorf("evict session from user index: %w", err)
		}
		if s.OnEvict != nil {
			s.OnEvict(ctx, oldest)
		}
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, sessionId string) (agora.Session, error) {
	sealed, err := s.KV.Get(ctx, sessionKey(sessionId))
	if err != nil {
		if errors.Is(err, agora.ErrKeyNotFound) {
			return agora.Session{}, agora.ErrSessionNotFound
		}
		return agora.Session{}, fmt.Errorf("get sealed session: %w", err)
	}
	serialized, err := s.Sealer.OpenString(sealed)
	if err != nil {
		return agora.Session{}, fmt.Errorf("open session record: %w", err)
	}
	var session agora.Session
	if err := json.Unmarshal(serialized, &session); err != nil {
		return agora.Session{}, fmt.Errorf("deserialize session: %w", err)
	}
	return session, nil
}

func (s *SessionStore) Update(ctx context.Context, session agora.Session) (agora.Session, error) {
	if err := s.put(ctx, session); err != nil {
		return agora.Session{}, err
	}
	return session, nil
}

func (s *SessionStore) put(ctx context.Context, session agora.Session) error {
	serialized, err := json.Marshal(&session)
	if err != nil {
		return fmt.Errorf("serialize session: %w", err)
	}
	sealed, err := s.Sealer.SealString(serialized)
	if err != nil {
		return fmt.Errorf("seal session record: %w", err)
	}
	if err := s.KV.Set(ctx, sessionKey(session.Id), sealed, s.TTL); err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

func (s *SessionStore) Destroy(ctx context.Context, sessionId string) (bool, error) {
	key := sessionKey(sessionId)
	_, err := s.KV.Get(ctx, key)
	if err != nil {
		if errors.Is(err, agora.ErrKeyNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("lookup session: %w", err)
	}
	if err := s.KV.Del(ctx, key); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return true, nil
}

func (s *SessionStore) RemoveFromUser(ctx context.Context, userKey agora.UserKey, sessionId string) error {
	if userKey == "" {
		return nil
	}
	if err := s.KV.SRem(ctx, userSessionsKey(userKey), sessionId); err != nil {
		return fmt.Errorf("remove from user index: %w", err)
	}
	return nil
}

// UserSessions returns the user's sessions oldest first. Index entries whose
// record is gone (reaped by TTL or unreadable) are pruned.
func (s *SessionStore) UserSessions(ctx context.Context, userKey agora.UserKey) ([]agora.Session, error) {
	indexKey := userSessionsKey(userKey)
	ids, err := s.KV.SMembers(ctx, indexKey)
	if err != nil {
		return nil, fmt.Errorf("user index members: %w", err)
	}

	sessions := make([]agora.Session, 0, len(ids))
	stale := make([]string, 0)
	for _, id := range ids {
		session, err := s.Get(ctx, id)
		if err != nil {
			if !errors.Is(err, agora.ErrSessionNotFound) {
				logrus.WithError(err).
					WithField("user", userKey).
					Warningln("Dropping unreadable session record.")
			}
			stale = append(stale, id)
			continue
		}
		sessions = append(sessions, session)
	}
	if len(stale) > 0 {
		if err := s.KV.SRem(ctx, indexKey, stale...); err != nil {
			return nil, fmt.Errorf("prune user index: %w", err)
		}
	}

	sort.SliceStable(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].Id < sessions[j].Id
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *SessionStore) Users(ctx context.Context) ([]agora.UserKey, error) {
	keys, err := s.KV.Keys(ctx, userSessionsKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan user indexes: %w", err)
	}
	users := make([]agora.UserKey, len(keys))
	for i, key := range keys {
		users[i] = agora.UserKey(strings.TrimPrefix(key, userSessionsKeyPrefix))
	}
	return users, nil
}

func (s *SessionStore) Stats(ctx context.Context) (agora.SessionStats, error) {
	sessionKeys, err := s.KV.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return agora.SessionStats{}, fmt.Errorf("scan sessions: %w", err)
	}
	userKeys, err := s.KV.Keys(ctx, userSessionsKeyPrefix+"*")
	if err != nil {
		return agora.SessionStats{}, fmt.Errorf("scan user indexes: %w", err)
	}
	return agora.SessionStats{TotalSessions: len(sessionKeys), ActiveUsers: len(userKeys)}, nil
}
