package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"

	"notesuite/api/internal/auth"
	"notesuite/api/internal/config"
	"notesuite/api/internal/presence"
	"notesuite/api/internal/search"
	"notesuite/api/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	pingFn func(context.Context) error
	saveFn func(context.Context, store.NoteArchive) error

	users map[string]store.User
	notes map[string]store.Note
	roles map[string]string // organizationID + "/" + userID

	mu    sync.Mutex
	saved []store.NoteArchive
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users: map[string]store.User{
			"ada@example.com":   {ID: "u-ada", Email: "ada@example.com", FirstName: "Ada", LastName: "Lovelace"},
			"grace@example.com": {ID: "u-grace", Email: "grace@example.com", FirstName: "Grace", LastName: "Hopper"},
			"eve@example.com":   {ID: "u-eve", Email: "eve@example.com"},
		},
		notes: map[string]store.Note{
			"note-1": {ID: "note-1", OrganizationID: "org-1", Title: "Roadmap", Content: "Q3 goals", Revision: 4},
			"note-2": {ID: "note-2", OrganizationID: "org-2", Title: "Payroll", Content: "secret"},
		},
		roles: map[string]string{
			"org-1/u-ada":   "owner",
			"org-1/u-grace": "viewer",
			"org-1/u-eve":   "auditor",
		},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) FindUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return store.User{}, fmt.Errorf("find user by email: %w", sql.ErrNoRows)
	}
	return user, nil
}

func (f *fakeStore) FindNoteByID(_ context.Context, noteID string) (store.Note, error) {
	note, ok := f.notes[noteID]
	if !ok {
		return store.Note{}, fmt.Errorf("find note %s: %w", noteID, sql.ErrNoRows)
	}
	return note, nil
}

func (f *fakeStore) OrganizationRole(_ context.Context, organizationID, userID string) (string, error) {
	role, ok := f.roles[organizationID+"/"+userID]
	if !ok {
		return "", fmt.Errorf("read organization role: %w", sql.ErrNoRows)
	}
	return role, nil
}

func (f *fakeStore) SaveNoteContent(ctx context.Context, archive store.NoteArchive) error {
	if f.saveFn != nil {
		if err := f.saveFn(ctx, archive); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, archive)
	return nil
}

func (f *fakeStore) ListNoteArchives(_ context.Context, noteID string, limit int) ([]store.NoteArchive, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.NoteArchive
	for i := len(f.saved) - 1; i >= 0 && len(out) < limit; i-- {
		if f.saved[i].NoteID == noteID {
			out = append(out, f.saved[i])
		}
	}
	return out, nil
}

func (f *fakeStore) archives() []store.NoteArchive {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.NoteArchive(nil), f.saved...)
}

type fakeIndexer struct {
	mu      sync.Mutex
	healthy bool
	records []search.NoteRecord
	err     error
}

func (f *fakeIndexer) IndexNote(note search.NoteRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, note)
	return f.err
}

func (f *fakeIndexer) Healthy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:  testSecret,
		AccessTTL:  time.Hour,
		DevLogin:   true,
		CORSOrigin: "*",
	}
}

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

func newTestService(fs *fakeStore) *Service {
	return NewService(testConfig(), fs, presence.NewLocalBroadcaster(32), nil, testLogger())
}

func newTestServer(svc *Service) *HTTPServer {
	return NewHTTPServer(svc, "*", SocketOptions{WriteTimeout: time.Second}, testLogger())
}

func tokenFor(t *testing.T, userID, email, name string) string {
	t.Helper()
	token, _, err := auth.IssueToken([]byte(testSecret), userID, email, name, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func principalFor(t *testing.T, svc *Service, userID, email, name string) Principal {
	t.Helper()
	p, err := svc.SessionFromToken(context.Background(), tokenFor(t, userID, email, name))
	if err != nil {
		t.Fatalf("session from token: %v", err)
	}
	return p
}
