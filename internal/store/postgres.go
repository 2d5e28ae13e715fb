package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindUserByEmail matches emails case-insensitively. Missing users surface
// as sql.ErrNoRows.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, email, first_name, last_name, created_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, strings.TrimSpace(email)).
		Scan(&user.ID, &user.Email, &user.FirstName, &user.LastName, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("find user by email: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) FindNoteByID(ctx context.Context, noteID string) (Note, error) {
	const query = `
		SELECT id, organization_id, title, content, revision, updated_by, updated_at
		FROM notes
		WHERE id = $1 AND deleted_at IS NULL
	`
	var note Note
	var updatedBy sql.NullString
	err := s.db.QueryRowContext(ctx, query, noteID).
		Scan(&note.ID, &note.OrganizationID, &note.Title, &note.Content, &note.Revision, &updatedBy, &note.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("find note %s: %w", noteID, err)
	}
	if updatedBy.Valid {
		note.UpdatedBy = &updatedBy.String
	}
	return note, nil
}

// OrganizationRole returns the member's role, or sql.ErrNoRows when the user
// does not belong to the organization.
func (s *PostgresStore) OrganizationRole(ctx context.Context, organizationID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM organization_members
		WHERE organization_id = $1 AND user_id = $2
	`, organizationID, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("read organization role: %w", err)
	}
	return role, nil
}

// SaveNoteContent writes a closed session back to its note and keeps a copy
// in note_collab_archives.
func (s *PostgresStore) SaveNoteContent(ctx context.Context, archive NoteArchive) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	editedBy := sql.NullString{String: archive.LastEditedBy, Valid: archive.LastEditedBy != ""}
	result, err := tx.ExecContext(ctx, `
		UPDATE notes
		SET title = $2, content = $3, updated_by = COALESCE($4, updated_by), updated_at = NOW(), revision = revision + 1
		WHERE id = $1 AND deleted_at IS NULL
	`, archive.NoteID, archive.Title, archive.Content, editedBy)
	if err != nil {
		return fmt.Errorf("update note content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update note content: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("update note %s: %w", archive.NoteID, sql.ErrNoRows)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO note_collab_archives (note_id, session_version, title, content, last_edited_by, archived_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, archive.NoteID, archive.SessionVersion, archive.Title, archive.Content, editedBy, archive.ArchivedAt); err != nil {
		return fmt.Errorf("insert note archive: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive tx: %w", err)
	}
	return nil
}

// ListNoteArchives returns up to limit archives of noteID, newest first.
func (s *PostgresStore) ListNoteArchives(ctx context.Context, noteID string, limit int) ([]NoteArchive, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT note_id, session_version, title, content, COALESCE(last_edited_by, ''), archived_at
		FROM note_collab_archives
		WHERE note_id = $1
		ORDER BY archived_at DESC, id DESC
		LIMIT $2
	`, noteID, limit)
	if err != nil {
		return nil, fmt.Errorf("list note archives: %w", err)
	}
	defer rows.Close()

	var archives []NoteArchive
	for rows.Next() {
		var a NoteArchive
		if err := rows.Scan(&a.NoteID, &a.SessionVersion, &a.Title, &a.Content, &a.LastEditedBy, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan note archive: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}
