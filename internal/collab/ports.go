package collab

import (
	"context"
	"time"
)

// Note is the persisted snapshot a session starts from.
type Note struct {
	ID             string
	OrganizationID string
	Title          string
	Content        string
}

// User is the identity behind an authenticated email.
type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
}

// NoteSource loads notes. Implementations return ErrNoteNotFound for unknown IDs.
type NoteSource interface {
	FindNoteByID(ctx context.Context, noteID string) (Note, error)
}

// UserDirectory resolves users by the email carried in their access token.
type UserDirectory interface {
	FindUserByEmail(ctx context.Context, email string) (User, error)
}

// Authorizer returns ErrAccessDenied when the user may not read the organization's notes.
type Authorizer interface {
	CheckOrganizationAccess(ctx context.Context, organizationID, userID string) error
}

// ClosedSession is the final state of a session that lost its last collaborator.
type ClosedSession struct {
	NoteID         string
	OrganizationID string
	Title          string
	Content        string
	Version        int64
	LastEditedBy   string
	ClosedAt       time.Time
}

// Archiver receives modified sessions once they close.
type Archiver interface {
	ArchiveNote(ctx context.Context, closed ClosedSession) error
}
