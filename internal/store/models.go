package store

import "time"

type User struct {
	ID        string
	Email     string
	FirstName string
	LastName  string
	CreatedAt time.Time
}

type Note struct {
	ID             string
	OrganizationID string
	Title          string
	Content        string
	Revision       int64
	UpdatedBy      *string
	UpdatedAt      time.Time
}

// NoteArchive is the final state of a collaboration session written back to a note.
type NoteArchive struct {
	NoteID         string
	SessionVersion int64
	Title          string
	Content        string
	LastEditedBy   string
	ArchivedAt     time.Time
}
