// Package collab holds live collaboration sessions for notes.
//
// A Registry owns one session per note that has at least one collaborator.
// Sessions live only in memory; a note's session is created by its first
// join and discarded when its last collaborator leaves, disconnects or the
// session is evicted for inactivity.
package collab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

const maxJoinAttempts = 8

type entry struct {
	mu      sync.Mutex
	session *session
	closed  bool
}

type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	notes    NoteSource
	users    UserDirectory
	authz    Authorizer
	archiver Archiver
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Registry)

// WithArchiver sets the sink for modified sessions when they close.
func WithArchiver(archiver Archiver) Option {
	return func(r *Registry) { r.archiver = archiver }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(notes NoteSource, users UserDirectory, authz Authorizer, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		notes:   notes,
		users:   users,
		authz:   authz,
		log:     slog.New(slog.DiscardHandler),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Join adds the user behind email to the note's session, creating the
// session from the persisted note when none exists yet.
func (r *Registry) Join(ctx context.Context, noteID, email string) (JoinResult, error) {
	email = normalizeEmail(email)
	user, err := r.users.FindUserByEmail(ctx, email)
	if err != nil {
		return JoinResult{}, fmt.Errorf("%w: resolve user %q: %v", ErrAccessDenied, email, err)
	}
	if user.Email == "" {
		user.Email = email
	}

	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return JoinResult{}, err
		}

		var loaded *Note
		orgID, ok := r.organizationOf(noteID)
		if !ok {
			note, err := r.notes.FindNoteByID(ctx, noteID)
			if err != nil {
				if errors.Is(err, ErrNoteNotFound) {
					return JoinResult{}, err
				}
				return JoinResult{}, fmt.Errorf("load note %s: %w", noteID, err)
			}
			note.ID = noteID
			loaded = &note
			orgID = note.OrganizationID
		}

		if err := r.authz.CheckOrganizationAccess(ctx, orgID, user.ID); err != nil {
			if errors.Is(err, ErrAccessDenied) {
				return JoinResult{}, err
			}
			return JoinResult{}, fmt.Errorf("check organization access: %w", err)
		}

		e := r.install(noteID, loaded)
		if e == nil {
			continue
		}

		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		now := r.now()
		collaborator, rejoined := e.session.join(user, now)
		result := JoinResult{
			State: e.session.state(),
			Event: UserJoinedEvent{
				NoteID:            noteID,
				Collaborator:      collaborator,
				CollaboratorCount: len(e.session.collaborators),
			},
			Rejoined: rejoined,
		}
		e.mu.Unlock()

		r.log.Debug("collaborator joined", "note_id", noteID, "user_id", user.ID, "color", collaborator.Color, "collaborators", result.Event.CollaboratorCount)
		return result, nil
	}
	return JoinResult{}, fmt.Errorf("join note %s: session closed repeatedly while joining", noteID)
}

// Leave removes the user from the note's session and discards the session
// once it is empty.
func (r *Registry) Leave(ctx context.Context, noteID, email string) (LeftEvent, error) {
	email = normalizeEmail(email)
	e := r.lookup(noteID)
	if e == nil {
		return LeftEvent{}, ErrSessionNotFound
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return LeftEvent{}, ErrSessionNotFound
	}
	c := e.session.findByEmail(email)
	if c == nil {
		e.mu.Unlock()
		return LeftEvent{}, ErrNotCollaborator
	}
	event, closed := r.removeLocked(noteID, e, c)
	e.mu.Unlock()

	r.log.Debug("collaborator left", "note_id", noteID, "user_id", event.UserID, "collaborators", event.CollaboratorCount)
	if closed != nil {
		r.archive(ctx, *closed)
	}
	return event, nil
}

// HandleDisconnect removes the user from every session they are part of.
// Calling it again for the same user returns no events.
func (r *Registry) HandleDisconnect(ctx context.Context, email string) []LeftEvent {
	email = normalizeEmail(email)

	var (
		events []LeftEvent
		closed []ClosedSession
	)
	for noteID, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		c := e.session.findByEmail(email)
		if c == nil {
			e.mu.Unlock()
			continue
		}
		event, done := r.removeLocked(noteID, e, c)
		e.mu.Unlock()

		events = append(events, event)
		if done != nil {
			closed = append(closed, *done)
		}
	}

	sort.Slice(events, func(i, j int) bool { return events[i].NoteID < events[j].NoteID })
	if len(events) > 0 {
		r.log.Debug("collaborator disconnected", "email", email, "sessions", len(events))
	}
	for _, c := range closed {
		r.archive(ctx, c)
	}
	return events
}

// Snapshot returns a copy of the note's session, if one is active.
func (r *Registry) Snapshot(noteID string) (SessionState, bool) {
	e := r.lookup(noteID)
	if e == nil {
		return SessionState{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return SessionState{}, false
	}
	return e.session.state(), true
}

func (r *Registry) Stats() Stats {
	var stats Stats
	for _, e := range r.snapshotEntries() {
		e.mu.Lock()
		if !e.closed {
			stats.Sessions++
			stats.Collaborators += len(e.session.collaborators)
		}
		e.mu.Unlock()
	}
	return stats
}

// EvictIdle closes sessions with no activity for at least maxIdle.
func (r *Registry) EvictIdle(ctx context.Context, maxIdle time.Duration) []ExpiredEvent {
	if maxIdle <= 0 {
		return nil
	}
	now := r.now()

	var (
		events []ExpiredEvent
		closed []ClosedSession
	)
	for noteID, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		idle := now.Sub(e.session.lastActivity)
		if idle < maxIdle {
			e.mu.Unlock()
			continue
		}
		event, final := r.expireLocked(noteID, e, now)
		e.mu.Unlock()

		events = append(events, event)
		closed = append(closed, final)
		r.log.Info("idle session evicted", "note_id", noteID, "idle", idle, "collaborators", len(event.UserIDs))
	}

	sort.Slice(events, func(i, j int) bool { return events[i].NoteID < events[j].NoteID })
	for _, c := range closed {
		r.archive(ctx, c)
	}
	return events
}

// CloseAll closes every open session and archives the modified ones. It is
// meant for shutdown; joins racing it may open new sessions.
func (r *Registry) CloseAll(ctx context.Context) []ExpiredEvent {
	now := r.now()

	var (
		events []ExpiredEvent
		closed []ClosedSession
	)
	for noteID, e := range r.snapshotEntries() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			continue
		}
		event, final := r.expireLocked(noteID, e, now)
		e.mu.Unlock()

		events = append(events, event)
		closed = append(closed, final)
	}

	sort.Slice(events, func(i, j int) bool { return events[i].NoteID < events[j].NoteID })
	if len(events) > 0 {
		r.log.Info("closed all sessions", "sessions", len(events))
	}
	for _, c := range closed {
		r.archive(ctx, c)
	}
	return events
}

// expireLocked closes the session held by e regardless of who is still in
// it. The caller holds e.mu.
func (r *Registry) expireLocked(noteID string, e *entry, now time.Time) (ExpiredEvent, ClosedSession) {
	userIDs := make([]string, 0, len(e.session.collaborators))
	for _, c := range e.session.state().Collaborators {
		userIDs = append(userIDs, c.UserID)
	}
	idle := now.Sub(e.session.lastActivity)
	e.closed = true
	r.remove(noteID, e)
	return ExpiredEvent{NoteID: noteID, UserIDs: userIDs, IdleSeconds: int64(idle / time.Second)}, e.session.closed(now)
}

// removeLocked drops c from the session held by e. The caller holds e.mu.
func (r *Registry) removeLocked(noteID string, e *entry, c *Collaborator) (LeftEvent, *ClosedSession) {
	now := r.now()
	delete(e.session.collaborators, c.UserID)
	e.session.lastActivity = now

	event := LeftEvent{
		NoteID:            noteID,
		UserID:            c.UserID,
		Email:             c.Email,
		DisplayName:       c.DisplayName,
		CollaboratorCount: len(e.session.collaborators),
	}
	if event.CollaboratorCount > 0 {
		return event, nil
	}

	event.SessionClosed = true
	e.closed = true
	r.remove(noteID, e)
	final := e.session.closed(now)
	return event, &final
}

func (r *Registry) archive(ctx context.Context, closed ClosedSession) {
	if r.archiver == nil || closed.Version <= 1 {
		return
	}
	if err := r.archiver.ArchiveNote(ctx, closed); err != nil {
		r.log.Error("archive closed session failed", "note_id", closed.NoteID, "version", closed.Version, "error", err)
	}
}

func (r *Registry) organizationOf(noteID string) (string, bool) {
	e := r.lookup(noteID)
	if e == nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", false
	}
	return e.session.organizationID, true
}

func (r *Registry) lookup(noteID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[noteID]
}

// install returns the note's current entry, creating one from loaded when
// none exists. It returns nil when there is no entry and nothing was loaded.
// Lock order is entry before registry, so r.mu never waits on an entry.
func (r *Registry) install(noteID string, loaded *Note) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[noteID]; ok {
		return e
	}
	if loaded == nil {
		return nil
	}
	e := &entry{session: newSession(*loaded, r.now())}
	r.entries[noteID] = e
	return e
}

func (r *Registry) remove(noteID string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[noteID] == e {
		delete(r.entries, noteID)
	}
}

func (r *Registry) snapshotEntries() map[string]*entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*entry, len(r.entries))
	for noteID, e := range r.entries {
		out[noteID] = e
	}
	return out
}
