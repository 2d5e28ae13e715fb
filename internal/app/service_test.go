package app

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"notesuite/api/internal/collab"
	"notesuite/api/internal/presence"
	"notesuite/api/internal/store"
)

func TestService_EditArchivesAndIndexesOnLastLeave(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fs := newFakeStore()
	indexer := &fakeIndexer{healthy: true}
	svc := NewService(testConfig(), fs, presence.NewLocalBroadcaster(8), indexer, testLogger())
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")

	// Given Ada edits the note
	_, err := svc.Join(ctx, ada, "note-1", "conn-1")
	req.NoError(err)
	content := "Q3 goals, revised"
	result, err := svc.Edit(ctx, ada, "note-1", collab.Edit{Type: collab.EditContent, Content: &content, BaseVersion: 1}, "conn-1")
	req.NoError(err)
	req.Equal(int64(2), result.Version)

	// When she leaves
	left, err := svc.Leave(ctx, ada, "note-1", "conn-1")
	req.NoError(err)
	req.True(left.SessionClosed)

	// Then the note is written back and re-indexed
	archives := fs.archives()
	req.Len(archives, 1)
	req.Equal("note-1", archives[0].NoteID)
	req.Equal(int64(2), archives[0].SessionVersion)
	req.Equal(content, archives[0].Content)
	req.Equal("u-ada", archives[0].LastEditedBy)

	req.Len(indexer.records, 1)
	req.Equal("org-1", indexer.records[0].OrganizationID)
	req.Equal(content, indexer.records[0].Content)
}

func TestService_UnmodifiedSessionIsNotArchived(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fs := newFakeStore()
	svc := newTestService(fs)
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")

	_, err := svc.Join(ctx, ada, "note-1", "conn-1")
	req.NoError(err)
	events := svc.Disconnect(ctx, ada, "conn-1")
	req.Len(events, 1)
	req.True(events[0].SessionClosed)
	req.Empty(fs.archives())
}

func TestService_ArchiveFailureDoesNotFailLeave(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fs := newFakeStore()
	fs.saveFn = func(context.Context, store.NoteArchive) error { return errors.New("disk full") }
	indexer := &fakeIndexer{healthy: true}
	svc := NewService(testConfig(), fs, presence.NewLocalBroadcaster(8), indexer, testLogger())
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")

	_, err := svc.Join(ctx, ada, "note-1", "conn-1")
	req.NoError(err)
	title := "New title"
	_, err = svc.Edit(ctx, ada, "note-1", collab.Edit{Type: collab.EditTitle, Title: &title, BaseVersion: 1}, "conn-1")
	req.NoError(err)

	_, err = svc.Leave(ctx, ada, "note-1", "conn-1")
	req.NoError(err)
	req.Empty(indexer.records)
}

func TestService_PublishesEventsWithOrigin(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := presence.NewLocalBroadcaster(8)
	svc := NewService(testConfig(), newFakeStore(), hub, nil, testLogger())
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")
	grace := principalFor(t, svc, "u-grace", "grace@example.com", "Grace Hopper")

	sub, err := svc.Subscribe(ctx, "note-1")
	req.NoError(err)
	defer sub.Close()

	_, err = svc.Join(ctx, ada, "note-1", "conn-ada")
	req.NoError(err)
	env := next(t, sub)
	req.Equal(EventUserJoined, env.Type)
	req.Equal("conn-ada", env.Origin)

	_, err = svc.Join(ctx, grace, "note-1", "conn-grace")
	req.NoError(err)
	_ = next(t, sub)

	req.NotNil(svc.MoveCursor(ctx, grace, "note-1", 4, 2, 6, "conn-grace"))
	env = next(t, sub)
	req.Equal(EventCursorMoved, env.Type)
	var cursor collab.CursorEvent
	req.NoError(json.Unmarshal(env.Payload, &cursor))
	req.Equal("u-grace", cursor.UserID)
	req.Equal(4, cursor.Position)

	typing, err := svc.SetTyping(ctx, ada, "note-1", true, "conn-ada")
	req.NoError(err)
	req.True(typing.IsTyping)
	env = next(t, sub)
	req.Equal(EventTyping, env.Type)

	// Cursor and typing updates for notes without a session publish nothing
	req.Nil(svc.MoveCursor(ctx, ada, "note-9", 1, 1, 1, "conn-ada"))
	typing, err = svc.SetTyping(ctx, ada, "note-9", true, "conn-ada")
	req.NoError(err)
	req.Nil(typing)

	svc.Expire(ctx, collab.ExpiredEvent{NoteID: "note-1", UserIDs: []string{"u-ada", "u-grace"}, IdleSeconds: 1800})
	env = next(t, sub)
	req.Equal(EventSessionExpired, env.Type)
	req.Empty(env.Origin)
}

func next(t *testing.T, sub presence.Subscription) presence.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return presence.Envelope{}
	}
}

func TestAdapters(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fs := newFakeStore()

	_, err := noteSource{store: fs}.FindNoteByID(ctx, "missing")
	req.ErrorIs(err, collab.ErrNoteNotFound)

	note, err := noteSource{store: fs}.FindNoteByID(ctx, "note-1")
	req.NoError(err)
	req.Equal("org-1", note.OrganizationID)

	user, err := userDirectory{store: fs}.FindUserByEmail(ctx, "grace@example.com")
	req.NoError(err)
	req.Equal("Hopper", user.LastName)

	authz := orgAuthorizer{store: fs}
	req.NoError(authz.CheckOrganizationAccess(ctx, "org-1", "u-ada"))
	req.NoError(authz.CheckOrganizationAccess(ctx, "org-1", "u-grace"))
	req.ErrorIs(authz.CheckOrganizationAccess(ctx, "org-1", "u-eve"), collab.ErrAccessDenied)
	req.ErrorIs(authz.CheckOrganizationAccess(ctx, "org-2", "u-ada"), collab.ErrAccessDenied)
}

func TestService_EditBroadcastsInVersionOrder(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	hub := presence.NewLocalBroadcaster(4096)
	svc := NewService(testConfig(), newFakeStore(), hub, nil, testLogger())
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")
	grace := principalFor(t, svc, "u-grace", "grace@example.com", "Grace Hopper")

	_, err := svc.Join(ctx, ada, "note-1", "conn-ada")
	req.NoError(err)
	_, err = svc.Join(ctx, grace, "note-1", "conn-grace")
	req.NoError(err)

	sub, err := svc.Subscribe(ctx, "note-1")
	req.NoError(err)
	defer sub.Close()

	const perWriter = 1000
	var wg sync.WaitGroup
	for _, p := range []Principal{ada, grace} {
		wg.Add(1)
		go func(p Principal) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				content := p.Name
				_, err := svc.Edit(ctx, p, "note-1", collab.Edit{Type: collab.EditContent, Content: &content, BaseVersion: 1}, "conn-"+p.UserID)
				req.NoError(err)
			}
		}(p)
	}
	wg.Wait()

	var last int64
	for i := 0; i < 2*perWriter; i++ {
		env := next(t, sub)
		req.Equal(EventNoteUpdated, env.Type)
		var result collab.EditResult
		req.NoError(json.Unmarshal(env.Payload, &result))
		req.Greater(result.Version, last, "broadcast %d went backwards", i)
		last = result.Version
	}

	state, ok := svc.Registry().Snapshot("note-1")
	req.True(ok)
	req.Equal(state.Version, last)
}

func TestService_CloseSessionsArchivesLiveEdits(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	fs := newFakeStore()
	hub := presence.NewLocalBroadcaster(8)
	svc := NewService(testConfig(), fs, hub, nil, testLogger())
	ada := principalFor(t, svc, "u-ada", "ada@example.com", "Ada Lovelace")

	_, err := svc.Join(ctx, ada, "note-1", "conn-ada")
	req.NoError(err)
	content := "unsaved draft"
	_, err = svc.Edit(ctx, ada, "note-1", collab.Edit{Type: collab.EditContent, Content: &content, BaseVersion: 1}, "conn-ada")
	req.NoError(err)

	sub, err := svc.Subscribe(ctx, "note-1")
	req.NoError(err)
	defer sub.Close()

	// When the service shuts down with Ada still connected
	closed := svc.CloseSessions(ctx)

	// Then her edit is saved and subscribers learn the session ended
	req.Len(closed, 1)
	archives := fs.archives()
	req.Len(archives, 1)
	req.Equal("unsaved draft", archives[0].Content)
	req.Equal(int64(2), archives[0].SessionVersion)
	env := next(t, sub)
	req.Equal(EventSessionExpired, env.Type)
	req.Equal(0, svc.Stats().Sessions)
}
