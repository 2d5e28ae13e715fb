package collab

import "errors"

var (
	ErrAccessDenied    = errors.New("access denied")
	ErrNoteNotFound    = errors.New("note not found")
	ErrSessionNotFound = errors.New("collaboration session not found")
	ErrNotCollaborator = errors.New("user is not a collaborator in this session")
	ErrInvalidEdit     = errors.New("invalid edit")
)
