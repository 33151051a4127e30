package mock

import (
	"context"

	"github.com/buzkaaclicker/agora"
)

type SessionStore struct {
	CreateFn func(ctx context.Context, session agora.Session, userKey agora.UserKey) (agora.Session, error)

	GetFn func(ctx context.Context, sessionId string) (agora.Session, error)

	UpdateFn func(ctx context.Context, session agora.Session) (agora.Session, error)

	DestroyFn func(ctx context.Context, sessionId string) (bool, error)

	RemoveFromUserFn func(ctx context.Context, userKey agora.UserKey, sessionId string) error

	UserSessionsFn func(ctx context.Context, userKey agora.UserKey) ([]agora.Session, error)

	UsersFn func(ctx context.Context) ([]agora.UserKey, error)

	StatsFn func(ctx context.Context) (agora.SessionStats, error)
}

var _ agora.SessionStore = SessionStore{}

func (s SessionStore) Create(ctx context.Context, session agora.Session, userKey agora.UserKey) (agora.Session, error) {
	return s.CreateFn(ctx, session, userKey)
}

func (s SessionStore) Get(ctx context.Context, sessionId string) (agora.Session, error) {
	return s.GetFn(ctx, sessionId)
}

func (s SessionStore) Update(ctx context.Context, session agora.Session) (agora.Session, error) {
	return s.UpdateFn(ctx, session)
}

func (s SessionStore) Destroy(ctx context.Context, sessionId string) (bool, error) {
	return s.DestroyFn(ctx, sessionId)
}

func (s SessionStore) RemoveFromUser(ctx context.Context, userKey agora.UserKey, sessionId string) error {
	return s.RemoveFromUserFn(ctx, userKey, sessionId)
}

func (s SessionStore) UserSessions(ctx context.Context, userKey agora.UserKey) ([]agora.Session, error) {
	return s.UserSessionsFn(ctx, userKey)
}

func (s SessionStore) Users(ctx context.Context) ([]agora.UserKey, error) {
	return s.UsersFn(ctx)
}

func (s SessionStore) Stats(ctx context.Context) (agora.SessionStats, error) {
	return s.StatsFn(ctx)
}
