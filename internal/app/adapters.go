package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"notesuite/api/internal/collab"
	"notesuite/api/internal/rbac"
	"notesuite/api/internal/search"
	"notesuite/api/internal/store"
)

type noteSource struct {
	store dataStore
}

func (n noteSource) FindNoteByID(ctx context.Context, noteID string) (collab.Note, error) {
	note, err := n.store.FindNoteByID(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return collab.Note{}, fmt.Errorf("%w: %s", collab.ErrNoteNotFound, noteID)
		}
		return collab.Note{}, err
	}
	return collab.Note{
		ID:             note.ID,
		OrganizationID: note.OrganizationID,
		Title:          note.Title,
		Content:        note.Content,
	}, nil
}

type userDirectory struct {
	store dataStore
}

func (u userDirectory) FindUserByEmail(ctx context.Context, email string) (collab.User, error) {
	user, err := u.store.FindUserByEmail(ctx, email)
	if err != nil {
		return collab.User{}, err
	}
	return collab.User{
		ID:        user.ID,
		Email:     user.Email,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	}, nil
}

// orgAuthorizer grants access to members whose role can read the organization.
type orgAuthorizer struct {
	store dataStore
}

func (a orgAuthorizer) CheckOrganizationAccess(ctx context.Context, organizationID, userID string) error {
	role, err := a.store.OrganizationRole(ctx, organizationID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: not a member of organization %s", collab.ErrAccessDenied, organizationID)
		}
		return err
	}
	if !rbac.Can(rbac.Normalize(role), rbac.ActionRead) {
		return fmt.Errorf("%w: role %q cannot read organization %s", collab.ErrAccessDenied, role, organizationID)
	}
	return nil
}

// noteArchiver writes closed sessions back to the notes table and refreshes
// the search index.
type noteArchiver struct {
	store   dataStore
	indexer search.Indexer
	log     *slog.Logger
}

func (a *noteArchiver) ArchiveNote(ctx context.Context, closed collab.ClosedSession) error {
	err := a.store.SaveNoteContent(ctx, store.NoteArchive{
		NoteID:         closed.NoteID,
		SessionVersion: closed.Version,
		Title:          closed.Title,
		Content:        closed.Content,
		LastEditedBy:   closed.LastEditedBy,
		ArchivedAt:     closed.ClosedAt,
	})
	if err != nil {
		return fmt.Errorf("save note %s: %w", closed.NoteID, err)
	}

	if a.indexer == nil || !a.indexer.Healthy() {
		return nil
	}
	record := search.NewNoteRecord(closed.NoteID, closed.OrganizationID, closed.Title, closed.Content, closed.ClosedAt)
	if err := a.indexer.IndexNote(record); err != nil {
		a.log.Warn("index archived note", "note_id", closed.NoteID, "error", err)
	}
	return nil
}
