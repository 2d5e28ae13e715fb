package collab

import (
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Collaborator is a user currently present in a session.
type Collaborator struct {
	UserID         string    `json:"userId"`
	Email          string    `json:"email"`
	DisplayName    string    `json:"displayName"`
	Initials       string    `json:"initials"`
	Color          string    `json:"color"`
	CursorPosition int       `json:"cursorPosition"`
	SelectionStart int       `json:"selectionStart"`
	SelectionEnd   int       `json:"selectionEnd"`
	IsTyping       bool      `json:"isTyping"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// SessionState is a copy of a session safe to hand to callers.
type SessionState struct {
	NoteID         string         `json:"noteId"`
	OrganizationID string         `json:"organizationId"`
	Title          string         `json:"title"`
	Content        string         `json:"content"`
	Version        int64          `json:"version"`
	Collaborators  []Collaborator `json:"collaborators"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivity   time.Time      `json:"lastActivity"`
}

type session struct {
	noteID         string
	organizationID string
	title          string
	content        string
	version        int64
	collaborators  map[string]*Collaborator
	createdAt      time.Time
	lastActivity   time.Time
	lastEditedBy   string
}

func newSession(note Note, now time.Time) *session {
	return &session{
		noteID:         note.ID,
		organizationID: note.OrganizationID,
		title:          note.Title,
		content:        note.Content,
		version:        1,
		collaborators:  make(map[string]*Collaborator),
		createdAt:      now,
		lastActivity:   now,
	}
}

func (s *session) findByEmail(email string) *Collaborator {
	for _, c := range s.collaborators {
		if strings.EqualFold(c.Email, email) {
			return c
		}
	}
	return nil
}

func (s *session) usedColors() map[string]struct{} {
	used := make(map[string]struct{}, len(s.collaborators))
	for _, c := range s.collaborators {
		used[c.Color] = struct{}{}
	}
	return used
}

// join adds the user or refreshes an existing collaborator. A returning user
// keeps their color and cursor.
func (s *session) join(user User, now time.Time) (Collaborator, bool) {
	displayName, initials := describe(user)
	if existing, ok := s.collaborators[user.ID]; ok {
		existing.Email = normalizeEmail(user.Email)
		existing.DisplayName = displayName
		existing.Initials = initials
		s.lastActivity = now
		return *existing, true
	}

	c := &Collaborator{
		UserID:      user.ID,
		Email:       normalizeEmail(user.Email),
		DisplayName: displayName,
		Initials:    initials,
		Color:       assignColor(s.usedColors()),
		JoinedAt:    now,
	}
	s.collaborators[user.ID] = c
	s.lastActivity = now
	return *c, false
}

func (s *session) state() SessionState {
	collaborators := lo.Map(lo.Values(s.collaborators), func(c *Collaborator, _ int) Collaborator {
		return *c
	})
	sort.Slice(collaborators, func(i, j int) bool {
		if collaborators[i].JoinedAt.Equal(collaborators[j].JoinedAt) {
			return collaborators[i].UserID < collaborators[j].UserID
		}
		return collaborators[i].JoinedAt.Before(collaborators[j].JoinedAt)
	})
	return SessionState{
		NoteID:         s.noteID,
		OrganizationID: s.organizationID,
		Title:          s.title,
		Content:        s.content,
		Version:        s.version,
		Collaborators:  collaborators,
		CreatedAt:      s.createdAt,
		LastActivity:   s.lastActivity,
	}
}

func (s *session) closed(now time.Time) ClosedSession {
	return ClosedSession{
		NoteID:         s.noteID,
		OrganizationID: s.organizationID,
		Title:          s.title,
		Content:        s.content,
		Version:        s.version,
		LastEditedBy:   s.lastEditedBy,
		ClosedAt:       now,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
