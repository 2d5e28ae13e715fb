package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("NOTES_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("NOTES_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn, DefaultPoolOptions())
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if _, err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	seed := []string{
		`INSERT INTO users (id, email, first_name, last_name) VALUES ('u-ada', 'Ada@Example.com', 'Ada', 'Lovelace')`,
		`INSERT INTO users (id, email) VALUES ('u-eve', 'eve@example.com')`,
		`INSERT INTO organizations (id, name) VALUES ('org-1', 'Analytical Engines')`,
		`INSERT INTO organization_members (organization_id, user_id, role) VALUES ('org-1', 'u-ada', 'owner')`,
		`INSERT INTO notes (id, organization_id, title, content) VALUES ('note-1', 'org-1', 'Roadmap', 'Q3 goals')`,
		`INSERT INTO notes (id, organization_id, title, deleted_at) VALUES ('note-gone', 'org-1', 'Old', NOW())`,
	}
	for _, stmt := range seed {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return NewPostgresStore(db), ctx
}

func TestPostgresStore_Lookups(t *testing.T) {
	s, ctx := openTestStore(t)
	req := require.New(t)

	user, err := s.FindUserByEmail(ctx, "  ada@EXAMPLE.com ")
	req.NoError(err)
	req.Equal("u-ada", user.ID)
	req.Equal("Lovelace", user.LastName)

	_, err = s.FindUserByEmail(ctx, "nobody@example.com")
	req.True(errors.Is(err, sql.ErrNoRows))

	note, err := s.FindNoteByID(ctx, "note-1")
	req.NoError(err)
	req.Equal("org-1", note.OrganizationID)
	req.Nil(note.UpdatedBy)

	_, err = s.FindNoteByID(ctx, "note-gone")
	req.True(errors.Is(err, sql.ErrNoRows))

	role, err := s.OrganizationRole(ctx, "org-1", "u-ada")
	req.NoError(err)
	req.Equal("owner", role)

	_, err = s.OrganizationRole(ctx, "org-1", "u-eve")
	req.True(errors.Is(err, sql.ErrNoRows))
}

func TestPostgresStore_SaveNoteContent(t *testing.T) {
	s, ctx := openTestStore(t)
	req := require.New(t)
	closedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	err := s.SaveNoteContent(ctx, NoteArchive{
		NoteID:         "note-1",
		SessionVersion: 4,
		Title:          "Roadmap v2",
		Content:        "Q3 and Q4 goals",
		LastEditedBy:   "u-ada",
		ArchivedAt:     closedAt,
	})
	req.NoError(err)

	note, err := s.FindNoteByID(ctx, "note-1")
	req.NoError(err)
	req.Equal("Roadmap v2", note.Title)
	req.Equal("Q3 and Q4 goals", note.Content)
	req.Equal(int64(1), note.Revision)
	req.NotNil(note.UpdatedBy)
	req.Equal("u-ada", *note.UpdatedBy)

	archives, err := s.ListNoteArchives(ctx, "note-1", 0)
	req.NoError(err)
	req.Len(archives, 1)
	req.Equal(int64(4), archives[0].SessionVersion)
	req.True(closedAt.Equal(archives[0].ArchivedAt))

	err = s.SaveNoteContent(ctx, NoteArchive{NoteID: "note-gone", SessionVersion: 2, ArchivedAt: closedAt})
	req.True(errors.Is(err, sql.ErrNoRows))
}
