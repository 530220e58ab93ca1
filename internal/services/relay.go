package services

import (
	"context"
	"sync"

	"github.com/fieldtrace/fieldtrace/internal/logger"
	"github.com/fieldtrace/fieldtrace/internal/models"
	"github.com/fieldtrace/fieldtrace/internal/session"
)

// Relay buffers the paths touched by deferred side effects in the client's
// session until the client's next request for that interview picks them up.
// Only paths are buffered: values are resolved against the latest interview
// at drain time, so another update in between cannot leave stale values here.
type Relay struct {
	sessions session.Store
	log      *logger.Logger
	// One session may be hit by a deferred completion and a new request at
	// the same time; stash/drain are serialized so a drain cannot observe a
	// half-written buffer.
	mu sync.Mutex
}

func NewRelay(sessions session.Store, log *logger.Logger) *Relay {
	return &Relay{sessions: sessions, log: log}
}

// Stash records that the given interview paths now hold deferred results. If
// the session already buffers paths for a different interview, that buffer is
// discarded: a session reused across interviews (an administrator reviewing
// another participant) must never leak paths between them.
func (r *Relay) Stash(ctx context.Context, sessionKey, interviewID string, updatedPaths []string) error {
	if sessionKey == "" || len(updatedPaths) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sessions.Reload(ctx, sessionKey); err != nil {
		return err
	}
	buf, err := r.sessions.Get(ctx, sessionKey)
	if err != nil {
		return err
	}
	if buf == nil || buf.InterviewID != interviewID {
		buf = &models.PendingRelayBuffer{InterviewID: interviewID}
	}
	buf.UpdatedPaths = append(buf.UpdatedPaths, updatedPaths...)
	return r.sessions.Set(ctx, sessionKey, buf)
}

// Drain returns the buffered paths for the interview and clears the buffer.
// A buffer held for a different interview is left untouched and nothing is
// returned. Errors are logged and swallowed: a broken session must not fail
// the update request that triggered the drain.
func (r *Relay) Drain(ctx context.Context, sessionKey, interviewID string) []string {
	if sessionKey == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.sessions.Reload(ctx, sessionKey); err != nil {
		r.log.Error("relay session reload failed", "error", err)
		return nil
	}
	buf, err := r.sessions.Get(ctx, sessionKey)
	if err != nil {
		r.log.Error("relay session read failed", "error", err)
		return nil
	}
	if buf == nil || buf.InterviewID != interviewID || len(buf.UpdatedPaths) == 0 {
		return nil
	}
	if err := r.sessions.Clear(ctx, sessionKey); err != nil {
		r.log.Error("relay session clear failed", "error", err)
		return nil
	}
	return buf.UpdatedPaths
}
