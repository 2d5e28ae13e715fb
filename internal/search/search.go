package search

import "time"

// NoteRecord is the data indexed for a note.
type NoteRecord struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organizationId"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	UpdatedAt      int64  `json:"updatedAt"`
}

func NewNoteRecord(id, organizationID, title, content string, updatedAt time.Time) NoteRecord {
	return NoteRecord{
		ID:             id,
		OrganizationID: organizationID,
		Title:          title,
		Content:        content,
		UpdatedAt:      updatedAt.Unix(),
	}
}

// Indexer pushes notes into a search index.
type Indexer interface {
	IndexNote(note NoteRecord) error
	Healthy() bool
}
