package search

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxNotes = "notes"

var ErrUnhealthy = errors.New("meilisearch unhealthy")

// Meili implements Indexer via Meilisearch.
type Meili struct {
	client   meili.ServiceManager
	log      *slog.Logger
	interval time.Duration
	healthy  atomic.Bool
	done     chan struct{}
}

// NewMeili creates a Meilisearch client and configures the notes index.
// An unreachable server is not an error: the health loop keeps probing and
// configures the index once it comes up.
func NewMeili(url, apiKey string, log *slog.Logger) *Meili {
	return newMeili(url, apiKey, log, 10*time.Second)
}

func newMeili(url, apiKey string, log *slog.Logger, interval time.Duration) *Meili {
	m := &Meili{
		client:   meili.New(url, meili.WithAPIKey(apiKey)),
		log:      log,
		interval: interval,
		done:     make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxNotes,
		PrimaryKey: "id",
	}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxNotes, "error", err)
	}

	index := m.client.Index(idxNotes)
	filterable := []interface{}{"organizationId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxNotes, "error", err)
	}
	searchable := []string{"title", "content"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxNotes, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index", "index", idxNotes)
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexNote adds or replaces a note in the index.
func (m *Meili) IndexNote(note NoteRecord) error {
	if !m.healthy.Load() {
		return ErrUnhealthy
	}
	if _, err := m.client.Index(idxNotes).AddDocuments([]NoteRecord{note}, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index note %s: %w", note.ID, err)
	}
	return nil
}
