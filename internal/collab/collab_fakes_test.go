package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type fakeNotes struct {
	notes        map[string]Note
	calls        atomic.Int32
	findNoteByFn func(context.Context, string) (Note, error)
}

func (f *fakeNotes) FindNoteByID(ctx context.Context, noteID string) (Note, error) {
	f.calls.Add(1)
	if f.findNoteByFn != nil {
		return f.findNoteByFn(ctx, noteID)
	}
	note, ok := f.notes[noteID]
	if !ok {
		return Note{}, ErrNoteNotFound
	}
	return note, nil
}

type fakeUsers struct {
	users map[string]User
}

func (f *fakeUsers) FindUserByEmail(_ context.Context, email string) (User, error) {
	user, ok := f.users[email]
	if !ok {
		return User{}, errors.New("no rows")
	}
	return user, nil
}

type fakeAuthz struct {
	denied map[string]bool // organizationID + "/" + userID
	calls  atomic.Int32
}

func (f *fakeAuthz) CheckOrganizationAccess(_ context.Context, organizationID, userID string) error {
	f.calls.Add(1)
	if f.denied[organizationID+"/"+userID] {
		return ErrAccessDenied
	}
	return nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived []ClosedSession
	err      error
}

func (f *fakeArchiver) ArchiveNote(_ context.Context, closed ClosedSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, closed)
	return f.err
}

func (f *fakeArchiver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	registry *Registry
	notes    *fakeNotes
	users    *fakeUsers
	authz    *fakeAuthz
	archiver *fakeArchiver
	clock    *fakeClock
}

func newFixture() *fixture {
	f := &fixture{
		notes: &fakeNotes{notes: map[string]Note{
			"note-1": {ID: "note-1", OrganizationID: "org-1", Title: "Roadmap", Content: "Q3 goals"},
			"note-2": {ID: "note-2", OrganizationID: "org-1", Title: "Retro", Content: ""},
			"note-3": {ID: "note-3", OrganizationID: "org-2", Title: "Budget", Content: "draft"},
		}},
		users: &fakeUsers{users: map[string]User{
			"ada@example.com":   {ID: "u-ada", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
			"grace@example.com": {ID: "u-grace", Email: "grace@example.com", FirstName: "Grace", LastName: "Hopper"},
			"linus@example.com": {ID: "u-linus", Email: "linus@example.com", FirstName: "Linus", LastName: "Torvalds"},
		}},
		authz:    &fakeAuthz{denied: map[string]bool{"org-2/u-linus": true}},
		archiver: &fakeArchiver{},
		clock:    newFakeClock(),
	}
	f.registry = NewRegistry(f.notes, f.users, f.authz,
		WithArchiver(f.archiver),
		WithClock(f.clock.Now),
	)
	return f
}

func strPtr(s string) *string { return &s }
