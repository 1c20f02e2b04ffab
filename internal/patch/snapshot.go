package patch

import (
	"encoding/json"
	"fmt"

	"quire/api/internal/blocks"
)

// Snapshot is the in-progress post a draft carries between commits.
type Snapshot struct {
	Title  string         `json:"title"`
	Blocks []blocks.Block `json:"blocks"`
}

func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Title: s.Title, Blocks: make([]blocks.Block, len(s.Blocks))}
	for i, b := range s.Blocks {
		out.Blocks[i] = b.Clone()
	}
	return out
}

// Find returns the index of the block with id, or -1.
func (s Snapshot) Find(id string) int {
	for i, b := range s.Blocks {
		if b.ID == id {
			return i
		}
	}
	return -1
}

func (s Snapshot) Marshal() ([]byte, error) {
	if s.Blocks == nil {
		s.Blocks = []blocks.Block{}
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return raw, nil
}

func ParseSnapshot(raw []byte) (Snapshot, error) {
	var s Snapshot
	if len(raw) == 0 {
		return Snapshot{Blocks: []blocks.Block{}}, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.Blocks == nil {
		s.Blocks = []blocks.Block{}
	}
	return s, nil
}
