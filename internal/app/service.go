package app

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notesuite/api/internal/auth"
	"notesuite/api/internal/collab"
	"notesuite/api/internal/config"
	"notesuite/api/internal/presence"
	"notesuite/api/internal/search"
	"notesuite/api/internal/store"
)

// Event types broadcast to the other collaborators of a note.
const (
	EventUserJoined     = "user-joined"
	EventUserLeft       = "user-left"
	EventNoteUpdated    = "note-updated"
	EventCursorMoved    = "cursor-moved"
	EventTyping         = "typing"
	EventSessionExpired = "session-expired"
)

// Principal is the caller behind a verified access token.
type Principal struct {
	Token     string
	UserID    string
	Email     string
	Name      string
	ExpiresAt time.Time
}

type dataStore interface {
	Ping(context.Context) error
	FindUserByEmail(context.Context, string) (store.User, error)
	FindNoteByID(context.Context, string) (store.Note, error)
	OrganizationRole(context.Context, string, string) (string, error)
	SaveNoteContent(context.Context, store.NoteArchive) error
	ListNoteArchives(context.Context, string, int) ([]store.NoteArchive, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	registry *collab.Registry
	presence presence.Broadcaster
	log      *slog.Logger
}

// NewService wires the collaboration registry to the store. indexer may be nil.
func NewService(cfg config.Config, dataStore dataStore, broadcaster presence.Broadcaster, indexer search.Indexer, log *slog.Logger, opts ...collab.Option) *Service {
	s := &Service{
		cfg:      cfg,
		store:    dataStore,
		presence: broadcaster,
		log:      log,
	}
	opts = append([]collab.Option{
		collab.WithLogger(log.With("component", "collab")),
		collab.WithArchiver(&noteArchiver{store: dataStore, indexer: indexer, log: log}),
	}, opts...)
	s.registry = collab.NewRegistry(
		noteSource{store: dataStore},
		userDirectory{store: dataStore},
		orgAuthorizer{store: dataStore},
		opts...,
	)
	return s
}

func (s *Service) Registry() *collab.Registry {
	return s.registry
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Stats() collab.Stats {
	return s.registry.Stats()
}

// Login issues a token for an existing user without a password. It is only
// available when development login is enabled.
func (s *Service) Login(ctx context.Context, email string) (Principal, error) {
	if !s.cfg.DevLogin {
		return Principal{}, domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return Principal{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "email is required", nil)
	}

	user, err := s.store.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Principal{}, domainError(http.StatusUnauthorized, "UNKNOWN_USER", "No user with that email", nil)
		}
		return Principal{}, err
	}

	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	token, expiresAt, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.Email, name, s.cfg.AccessTTL)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		Name:      name,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Principal, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Principal{}, err
	}
	principal := Principal{
		Token:  token,
		UserID: claims.Subject,
		Email:  claims.Email,
		Name:   claims.Name,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}

func (s *Service) Join(ctx context.Context, p Principal, noteID, origin string) (collab.JoinResult, error) {
	result, err := s.registry.Join(ctx, noteID, p.Email)
	if err != nil {
		return collab.JoinResult{}, err
	}
	s.publish(ctx, EventUserJoined, noteID, origin, result.Event)
	return result, nil
}

func (s *Service) Leave(ctx context.Context, p Principal, noteID, origin string) (collab.LeftEvent, error) {
	event, err := s.registry.Leave(ctx, noteID, p.Email)
	if err != nil {
		return collab.LeftEvent{}, err
	}
	s.publish(ctx, EventUserLeft, noteID, origin, event)
	return event, nil
}

// Disconnect drops the caller from every note they are editing.
func (s *Service) Disconnect(ctx context.Context, p Principal, origin string) []collab.LeftEvent {
	events := s.registry.HandleDisconnect(ctx, p.Email)
	for _, event := range events {
		s.publish(ctx, EventUserLeft, event.NoteID, origin, event)
	}
	return events
}

// Edit publishes note-updated while the note is still locked so subscribers
// receive updates in version order.
func (s *Service) Edit(ctx context.Context, p Principal, noteID string, edit collab.Edit, origin string) (collab.EditResult, error) {
	result, err := s.registry.ProcessEditAndNotify(noteID, p.Email, edit, func(result collab.EditResult) {
		s.publish(ctx, EventNoteUpdated, noteID, origin, result)
	})
	if err != nil {
		return collab.EditResult{}, err
	}
	return result, nil
}

// MoveCursor returns nil when the caller has no place in the note's session.
func (s *Service) MoveCursor(ctx context.Context, p Principal, noteID string, position, selectionStart, selectionEnd int, origin string) *collab.CursorEvent {
	event := s.registry.UpdateCursor(noteID, p.Email, position, selectionStart, selectionEnd)
	if event != nil {
		s.publish(ctx, EventCursorMoved, noteID, origin, event)
	}
	return event
}

func (s *Service) SetTyping(ctx context.Context, p Principal, noteID string, isTyping bool, origin string) (*collab.TypingEvent, error) {
	event, err := s.registry.CreateTypingEvent(noteID, p.Email, isTyping)
	if err != nil || event == nil {
		return event, err
	}
	s.publish(ctx, EventTyping, noteID, origin, event)
	return event, nil
}

// Expire tells the remaining sockets of an evicted session that it is gone.
func (s *Service) Expire(ctx context.Context, event collab.ExpiredEvent) {
	s.publish(ctx, EventSessionExpired, event.NoteID, "", event)
}

// CloseSessions ends every live session, archiving modified ones, and tells
// any remaining subscribers the sessions are gone.
func (s *Service) CloseSessions(ctx context.Context) []collab.ExpiredEvent {
	events := s.registry.CloseAll(ctx)
	for _, event := range events {
		s.Expire(ctx, event)
	}
	return events
}

// NoteSession returns the live session of a note the caller may read.
// active is false when nobody is editing the note.
func (s *Service) NoteSession(ctx context.Context, p Principal, noteID string) (state collab.SessionState, active bool, err error) {
	if err := s.authorizeNote(ctx, p, noteID); err != nil {
		return collab.SessionState{}, false, err
	}
	state, active = s.registry.Snapshot(noteID)
	return state, active, nil
}

// NoteArchives lists the saved ends of past sessions, newest first.
func (s *Service) NoteArchives(ctx context.Context, p Principal, noteID string, limit int) ([]store.NoteArchive, error) {
	if err := s.authorizeNote(ctx, p, noteID); err != nil {
		return nil, err
	}
	return s.store.ListNoteArchives(ctx, noteID, limit)
}

func (s *Service) authorizeNote(ctx context.Context, p Principal, noteID string) error {
	note, err := s.store.FindNoteByID(ctx, noteID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return collab.ErrNoteNotFound
		}
		return err
	}
	return orgAuthorizer{store: s.store}.CheckOrganizationAccess(ctx, note.OrganizationID, p.UserID)
}

func (s *Service) Subscribe(ctx context.Context, noteID string) (presence.Subscription, error) {
	return s.presence.Subscribe(ctx, noteID)
}

func (s *Service) publish(ctx context.Context, eventType, noteID, origin string, payload any) {
	env, err := presence.NewEnvelope(eventType, noteID, origin, payload)
	if err != nil {
		s.log.Error("build event envelope", "type", eventType, "note_id", noteID, "error", err)
		return
	}
	if err := s.presence.Publish(ctx, env); err != nil {
		s.log.Warn("publish event", "type", eventType, "note_id", noteID, "error", err)
	}
}
