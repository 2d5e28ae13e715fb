package collab

import "fmt"

type EditType string

const (
	EditContent EditType = "content"
	EditTitle   EditType = "title"
	EditFull    EditType = "full"
)

// Edit is a change submitted against the version the client last saw.
// Nil fields are left untouched.
type Edit struct {
	Type        EditType
	Title       *string
	Content     *string
	BaseVersion int64
}

func (e Edit) validate() error {
	switch e.Type {
	case EditContent:
		if e.Content == nil {
			return fmt.Errorf("%w: content edit without content", ErrInvalidEdit)
		}
	case EditTitle:
		if e.Title == nil {
			return fmt.Errorf("%w: title edit without title", ErrInvalidEdit)
		}
	case EditFull:
		if e.Title == nil || e.Content == nil {
			return fmt.Errorf("%w: full edit requires title and content", ErrInvalidEdit)
		}
	default:
		return fmt.Errorf("%w: unknown edit type %q", ErrInvalidEdit, e.Type)
	}
	return nil
}

// ProcessEdit applies edit to the note's session. Edits against any version
// other than the current one are still applied, last writer wins, and come
// back flagged with HasConflict. Every accepted edit bumps the version by one.
func (r *Registry) ProcessEdit(noteID, email string, edit Edit) (EditResult, error) {
	return r.ProcessEditAndNotify(noteID, email, edit, nil)
}

// ProcessEditAndNotify is ProcessEdit with onAccepted called before the note
// is unlocked, so calls for one note see strictly increasing versions.
// onAccepted must not call back into the registry.
func (r *Registry) ProcessEditAndNotify(noteID, email string, edit Edit, onAccepted func(EditResult)) (EditResult, error) {
	if err := edit.validate(); err != nil {
		return EditResult{}, err
	}
	email = normalizeEmail(email)

	e := r.lookup(noteID)
	if e == nil {
		return EditResult{}, ErrSessionNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return EditResult{}, ErrSessionNotFound
	}
	s := e.session
	c := s.findByEmail(email)
	if c == nil {
		return EditResult{}, ErrNotCollaborator
	}

	current := s.version
	if edit.Title != nil && edit.Type != EditContent {
		s.title = *edit.Title
	}
	if edit.Content != nil && edit.Type != EditTitle {
		s.content = *edit.Content
	}
	s.version++
	now := r.now()
	s.lastActivity = now
	s.lastEditedBy = c.UserID

	result := EditResult{
		NoteID:      noteID,
		Type:        edit.Type,
		Title:       s.title,
		Content:     s.content,
		Version:     s.version,
		BaseVersion: edit.BaseVersion,
		EditedBy:    *c,
		At:          now,
	}
	if edit.BaseVersion != current {
		result.HasConflict = true
		result.ConflictMessage = conflictMessage(edit.BaseVersion, current)
		r.log.Debug("conflicting edit applied", "note_id", noteID, "user_id", c.UserID, "base_version", edit.BaseVersion, "server_version", current)
	}
	if onAccepted != nil {
		onAccepted(result)
	}
	return result, nil
}

func conflictMessage(base, current int64) string {
	if base < current {
		return fmt.Sprintf("Your edit was based on version %d but the note was already at version %d; it was applied over the newer changes.", base, current)
	}
	return fmt.Sprintf("Your edit referenced version %d, ahead of the server's version %d; it was applied as the latest change.", base, current)
}

// UpdateCursor records the caller's cursor. It returns nil when the note has
// no session or the caller is not in it.
func (r *Registry) UpdateCursor(noteID, email string, position, selectionStart, selectionEnd int) *CursorEvent {
	email = normalizeEmail(email)
	e := r.lookup(noteID)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	c := e.session.findByEmail(email)
	if c == nil {
		return nil
	}

	c.CursorPosition = position
	c.SelectionStart = selectionStart
	c.SelectionEnd = selectionEnd
	e.session.lastActivity = r.now()

	return &CursorEvent{
		NoteID:         noteID,
		UserID:         c.UserID,
		DisplayName:    c.DisplayName,
		Color:          c.Color,
		Position:       position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
	}
}

// CreateTypingEvent sets the caller's typing flag. Like cursor updates it is
// a no-op for notes without a session.
func (r *Registry) CreateTypingEvent(noteID, email string, isTyping bool) (*TypingEvent, error) {
	email = normalizeEmail(email)
	e := r.lookup(noteID)
	if e == nil {
		return nil, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil
	}
	c := e.session.findByEmail(email)
	if c == nil {
		return nil, ErrNotCollaborator
	}

	c.IsTyping = isTyping
	e.session.lastActivity = r.now()

	return &TypingEvent{
		NoteID:      noteID,
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		IsTyping:    isTyping,
	}, nil
}
