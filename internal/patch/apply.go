package patch

import (
	"errors"
	"fmt"

	"quire/api/internal/blocks"
)

var (
	ErrBlockNotFound  = errors.New("block not found")
	ErrDuplicateBlock = errors.New("block already exists")
)

// Apply returns the snapshot produced by running cmds in order. The input is
// not modified; on error nothing is applied.
func Apply(snap Snapshot, cmds []Command) (Snapshot, error) {
	out := snap.Clone()
	for i, cmd := range cmds {
		var err error
		out, err = applyOne(out, cmd)
		if err != nil {
			return snap, fmt.Errorf("command %d (%s): %w", i, opName(cmd), err)
		}
	}
	return out, nil
}

func opName(cmd Command) Op {
	if cmd == nil {
		return ""
	}
	return cmd.Op()
}

// applyOne mutates s in place and returns it.
func applyOne(s Snapshot, cmd Command) (Snapshot, error) {
	switch c := cmd.(type) {
	case InsertBlock:
		if c.Block.ID == "" || !c.Block.Type.Valid() {
			return s, ErrInvalidCommand
		}
		if c.Block.ID == blocks.ReservedID {
			return s, fmt.Errorf("%w: block id %q is reserved", ErrInvalidCommand, blocks.ReservedID)
		}
		if s.Find(c.Block.ID) >= 0 {
			return s, fmt.Errorf("%w: %s", ErrDuplicateBlock, c.Block.ID)
		}
		if c.Block.ParentID != "" && s.Find(c.Block.ParentID) < 0 {
			return s, fmt.Errorf("%w: parent %s", ErrBlockNotFound, c.Block.ParentID)
		}
		s.Blocks = append(s.Blocks, c.Block.Clone())
	case DeleteBlock:
		if s.Find(c.BlockID) < 0 {
			return s, fmt.Errorf("%w: %s", ErrBlockNotFound, c.BlockID)
		}
		kept := s.Blocks[:0]
		for _, b := range s.Blocks {
			if b.ID == c.BlockID || b.ParentID == c.BlockID {
				continue
			}
			kept = append(kept, b)
		}
		s.Blocks = kept
	case MoveBlocks:
		for _, m := range c.Moves {
			idx := s.Find(m.BlockID)
			if idx < 0 {
				return s, fmt.Errorf("%w: %s", ErrBlockNotFound, m.BlockID)
			}
			s.Blocks[idx].Row = m.Row
			s.Blocks[idx].Col = m.Col
			if m.Span != 0 {
				s.Blocks[idx].Span = m.Span
			}
		}
	case SetBlockValue:
		idx := s.Find(c.BlockID)
		if idx < 0 {
			return s, fmt.Errorf("%w: %s", ErrBlockNotFound, c.BlockID)
		}
		s.Blocks[idx].Value = append([]byte(nil), c.Value...)
	case SetTitle:
		s.Title = c.Title
	default:
		return s, fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
	return s, nil
}

// referencedIDs lists the existing blocks cmd operates on.
func referencedIDs(cmd Command) []string {
	switch c := cmd.(type) {
	case DeleteBlock:
		return []string{c.BlockID}
	case SetBlockValue:
		return []string{c.BlockID}
	case MoveBlocks:
		ids := make([]string, len(c.Moves))
		for i, m := range c.Moves {
			ids[i] = m.BlockID
		}
		return ids
	default:
		return nil
	}
}
