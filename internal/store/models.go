package store

import (
	"encoding/json"
	"errors"
	"time"
)

const (
	DraftKindNew  = "NEW"
	DraftKindEdit = "EDIT"

	RoleAuthor = "AUTHOR"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrActiveDraftExists = errors.New("group already has an active draft")
)

type Group struct {
	ID        string
	Name      string
	Timezone  string
	CreatedAt time.Time
}

type Membership struct {
	GroupID string
	ActorID string
	Role    string
}

type Draft struct {
	ID           string
	GroupID      string
	OwnerID      string
	Kind         string
	TargetPostID *string
	Snapshot     json.RawMessage
	Version      int64
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CommitResult reports a version compare-and-swap. When Applied is false,
// Version is the draft's current version.
type CommitResult struct {
	Applied bool
	Version int64
}

// PatchEntry is one committed command batch. Commands is the JSON batch.
type PatchEntry struct {
	DraftID   string
	Version   int64
	ActorID   string
	SessionID string
	Commands  json.RawMessage
	CreatedAt time.Time
}

type Post struct {
	ID        string
	GroupID   string
	CreatedBy string
	Title     string
	EventAt   time.Time
	Meta      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

type PostBlock struct {
	PostID   string
	BlockID  string
	Type     string
	Row      int
	Col      int
	Span     int
	ParentID *string
	Value    json.RawMessage
}

type Contributor struct {
	PostID  string
	ActorID string
	Role    string
}
