package search

import (
	"context"
	"encoding/json"
	"strings"

	"quire/api/internal/blocks"
	"quire/api/internal/store"
)

// PostRecord is the data we index for a published post.
type PostRecord struct {
	ID        string   `json:"id"`
	GroupID   string   `json:"groupId"`
	CreatedBy string   `json:"createdBy"`
	Title     string   `json:"title"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
	Mood      string   `json:"mood,omitempty"`
	Location  string   `json:"location,omitempty"`
	EventAt   int64    `json:"eventAt"`
}

// PostSource lists what a full reindex reads.
type PostSource interface {
	ListPosts(ctx context.Context) ([]store.Post, error)
	ListPostBlocks(ctx context.Context, postID string) ([]store.PostBlock, error)
}

// BuildRecord flattens a post and its blocks into a search record. Text
// blocks are joined in the order given, table cells included.
func BuildRecord(post store.Post, list []blocks.Block) PostRecord {
	rec := PostRecord{
		ID:        post.ID,
		GroupID:   post.GroupID,
		CreatedBy: post.CreatedBy,
		Title:     strings.TrimSpace(post.Title),
		Tags:      []string{},
		EventAt:   post.EventAt.Unix(),
	}

	var text []string
	for _, b := range list {
		switch b.Type {
		case blocks.TypeText:
			if s, err := b.StringValue(); err == nil && strings.TrimSpace(s) != "" {
				text = append(text, strings.TrimSpace(s))
			}
		case blocks.TypeTag:
			if s, err := b.StringValue(); err == nil && s != "" {
				rec.Tags = append(rec.Tags, s)
			}
		case blocks.TypeMood:
			if s, err := b.StringValue(); err == nil {
				rec.Mood = s
			}
		case blocks.TypeLocation:
			if v, err := b.LocationValue(); err == nil {
				rec.Location = v.Name
			}
		}
	}
	rec.Text = strings.Join(text, "\n")
	return rec
}

// recordFromRows rebuilds a record from stored rows during reindex.
func recordFromRows(post store.Post, rows []store.PostBlock) PostRecord {
	list := make([]blocks.Block, 0, len(rows))
	for _, r := range rows {
		b := blocks.Block{
			ID:    r.BlockID,
			Type:  blocks.Type(r.Type),
			Row:   r.Row,
			Col:   r.Col,
			Span:  r.Span,
			Value: json.RawMessage(r.Value),
		}
		if r.ParentID != nil {
			b.ParentID = *r.ParentID
		}
		list = append(list, b)
	}
	return BuildRecord(post, list)
}
