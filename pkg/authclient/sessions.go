package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNoCurrentSession is returned by Current when the backend lists no
// session flagged as this one.
var ErrNoCurrentSession = errors.New("authclient: current session not listed")

// Sessions reads and revokes the signed-in user's device sessions. Nothing
// is mirrored locally; every call asks the backend.
type Sessions struct {
	requester *Requester
}

// List returns every active session of the user.
func (s *Sessions) List(ctx context.Context) ([]Session, error) {
	resp, err := s.requester.Call(ctx, Request{
		Method:       http.MethodGet,
		Path:         "/sessions",
		RequiresAuth: true,
	})
	if err != nil {
		return nil, err
	}

	var sessions []Session
	if err := resp.Decode(&sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// Current returns the session this device holds.
func (s *Sessions) Current(ctx context.Context) (Session, error) {
	sessions, err := s.List(ctx)
	if err != nil {
		return Session{}, err
	}
	for _, sess := range sessions {
		if sess.IsCurrentSession {
			return sess, nil
		}
	}
	return Session{}, ErrNoCurrentSession
}

// Revoke ends the session with the given id.
func (s *Sessions) Revoke(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: session id is required", ErrInvalidRequest)
	}
	_, err := s.requester.Call(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/sessions/logout",
		Body:         revokeSessionRequest{SessionID: id},
		RequiresAuth: true,
	})
	return err
}

// RevokeAllOthers ends every session except this one.
func (s *Sessions) RevokeAllOthers(ctx context.Context) error {
	_, err := s.requester.Call(ctx, Request{
		Method:       http.MethodPost,
		Path:         "/sessions/logout-all-other",
		RequiresAuth: true,
	})
	return err
}
