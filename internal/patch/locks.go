package patch

import (
	"fmt"

	"quire/api/internal/blocks"
	"quire/api/internal/lock"
)

// Requirement says command Command may only run if the sender holds at least
// one of AnyOf.
type Requirement struct {
	Command int
	Target  string
	AnyOf   []string
}

// Plan is the ownership check for a batch plus the blocks it creates.
type Plan struct {
	Requirements []Requirement
	Inserted     []blocks.Block
}

// PlanLocks walks cmds against a scratch copy of snap and lists the locks each
// command needs. Blocks inserted earlier in the same batch need no lock.
func PlanLocks(snap Snapshot, cmds []Command) (Plan, error) {
	scratch := snap.Clone()
	inserted := make(map[string]bool)
	var plan Plan

	for i, cmd := range cmds {
		switch c := cmd.(type) {
		case InsertBlock:
			inserted[c.Block.ID] = true
		case SetTitle:
			plan.Requirements = append(plan.Requirements, Requirement{Command: i, Target: "title", AnyOf: []string{lock.TitleKey}})
		default:
			for _, id := range referencedIDs(cmd) {
				if inserted[id] {
					continue
				}
				idx := scratch.Find(id)
				if idx < 0 {
					return Plan{}, fmt.Errorf("command %d (%s): %w: %s", i, opName(cmd), ErrBlockNotFound, id)
				}
				plan.Requirements = append(plan.Requirements, Requirement{Command: i, Target: id, AnyOf: LockKeysFor(scratch.Blocks[idx])})
			}
		}

		var err error
		scratch, err = applyOne(scratch, cmd)
		if err != nil {
			return Plan{}, fmt.Errorf("command %d (%s): %w", i, opName(cmd), err)
		}
	}

	for _, b := range scratch.Blocks {
		if inserted[b.ID] {
			plan.Inserted = append(plan.Inserted, b)
		}
	}
	return plan, nil
}

// LockKeysFor lists the locks that grant edit rights over b: its own field
// lock, the lock of the table it sits in, and for a table its container lock.
func LockKeysFor(b blocks.Block) []string {
	keys := []string{lock.BlockKey(b.ID)}
	if b.ParentID != "" {
		keys = append(keys, lock.TableKey(b.ParentID))
	}
	if b.Type == blocks.TypeTable {
		keys = append(keys, lock.TableKey(b.ID))
	}
	return keys
}

// AutoLockKey is the lock an inserting actor receives for a new block.
func AutoLockKey(b blocks.Block) string {
	if b.Type == blocks.TypeTable {
		return lock.TableKey(b.ID)
	}
	return lock.BlockKey(b.ID)
}
