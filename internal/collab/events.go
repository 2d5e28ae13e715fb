package collab

import "time"

// JoinResult is returned to the joining user. Event goes to everyone else.
type JoinResult struct {
	State    SessionState    `json:"state"`
	Event    UserJoinedEvent `json:"event"`
	Rejoined bool            `json:"rejoined"`
}

type UserJoinedEvent struct {
	NoteID            string       `json:"noteId"`
	Collaborator      Collaborator `json:"collaborator"`
	CollaboratorCount int          `json:"collaboratorCount"`
}

type LeftEvent struct {
	NoteID            string `json:"noteId"`
	UserID            string `json:"userId"`
	Email             string `json:"email"`
	DisplayName       string `json:"displayName"`
	CollaboratorCount int    `json:"collaboratorCount"`
	SessionClosed     bool   `json:"sessionClosed"`
}

// EditResult is the canonical state after an accepted edit.
type EditResult struct {
	NoteID          string       `json:"noteId"`
	Type            EditType     `json:"editType"`
	Title           string       `json:"title"`
	Content         string       `json:"content"`
	Version         int64        `json:"version"`
	BaseVersion     int64        `json:"baseVersion"`
	HasConflict     bool         `json:"hasConflict"`
	ConflictMessage string       `json:"conflictMessage,omitempty"`
	EditedBy        Collaborator `json:"editedBy"`
	At              time.Time    `json:"at"`
}

type CursorEvent struct {
	NoteID         string `json:"noteId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName"`
	Color          string `json:"color"`
	Position       int    `json:"position"`
	SelectionStart int    `json:"selectionStart"`
	SelectionEnd   int    `json:"selectionEnd"`
}

type TypingEvent struct {
	NoteID      string `json:"noteId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// ExpiredEvent announces a session removed for inactivity.
type ExpiredEvent struct {
	NoteID      string   `json:"noteId"`
	UserIDs     []string `json:"userIds"`
	IdleSeconds int64    `json:"idleSeconds"`
}

type Stats struct {
	Sessions      int `json:"sessions"`
	Collaborators int `json:"collaborators"`
}
