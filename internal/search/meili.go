package search

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"quire/api/internal/blocks"
	"quire/api/internal/store"
)

const idxPosts = "quire_posts"

const defaultHealthInterval = 10 * time.Second

// Meili indexes published posts into Meilisearch. Indexing is fire-and-forget
// and skipped while the server is unreachable.
type Meili struct {
	client   meili.ServiceManager
	logger   zerolog.Logger
	healthy  atomic.Bool
	interval time.Duration
	inflight conc.WaitGroup
	done     chan struct{}
}

type Option func(*Meili)

// WithHealthInterval overrides how often an unreachable server is re-probed.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Meili) {
		if d > 0 {
			m.interval = d
		}
	}
}

// NewMeili creates a Meilisearch client and configures the posts index. The
// initial connection may fail; the health loop keeps probing.
func NewMeili(url, apiKey string, logger zerolog.Logger, opts ...Option) *Meili {
	m := &Meili{
		client:   meili.New(url, meili.WithAPIKey(apiKey)),
		logger:   logger,
		interval: defaultHealthInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn().Err(err).Str("url", url).Msg("meilisearch unavailable")
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxPosts,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug().Err(err).Str("index", idxPosts).Msg("create index (may already exist)")
	}

	index := m.client.Index(idxPosts)
	filterable := []interface{}{"groupId", "tags", "mood", "eventAt", "createdBy"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn().Err(err).Str("index", idxPosts).Msg("update filterable attributes")
	}
	searchable := []string{"title", "text", "tags", "location"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn().Err(err).Str("index", idxPosts).Msg("update searchable attributes")
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
				m.logger.Info().Msg("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the health monitor and waits for in-flight index requests.
func (m *Meili) Close() {
	close(m.done)
	m.inflight.Wait()
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexPost pushes a published post in the background.
func (m *Meili) IndexPost(_ context.Context, post store.Post, list []blocks.Block) {
	if !m.Healthy() {
		m.logger.Debug().Str("post_id", post.ID).Msg("search unhealthy, skipping index")
		return
	}
	rec := BuildRecord(post, list)
	m.inflight.Go(func() {
		if err := m.add([]PostRecord{rec}); err != nil {
			m.logger.Warn().Err(err).Str("post_id", post.ID).Msg("index post")
		}
	})
}

// DeletePost removes a post from the index in the background.
func (m *Meili) DeletePost(postID string) {
	if !m.Healthy() {
		return
	}
	m.inflight.Go(func() {
		if _, err := m.client.Index(idxPosts).DeleteDocument(postID, nil); err != nil {
			m.logger.Warn().Err(err).Str("post_id", postID).Msg("delete post from index")
		}
	})
}

// Reindex reads every post from src and pushes them in one batch.
func (m *Meili) Reindex(ctx context.Context, src PostSource) (int, error) {
	if !m.Healthy() {
		return 0, fmt.Errorf("meilisearch unhealthy")
	}
	posts, err := src.ListPosts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list posts: %w", err)
	}
	records := make([]PostRecord, 0, len(posts))
	for _, p := range posts {
		rows, err := src.ListPostBlocks(ctx, p.ID)
		if err != nil {
			return 0, fmt.Errorf("list blocks for %s: %w", p.ID, err)
		}
		records = append(records, recordFromRows(p, rows))
	}
	if len(records) == 0 {
		return 0, nil
	}
	if err := m.add(records); err != nil {
		return 0, err
	}
	return len(records), nil
}

func (m *Meili) add(records []PostRecord) error {
	if _, err := m.client.Index(idxPosts).AddDocuments(records, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("meilisearch add documents: %w", err)
	}
	return nil
}
