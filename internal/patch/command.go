package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	"quire/api/internal/blocks"
)

type Op string

const (
	OpInsertBlock   Op = "insert-block"
	OpDeleteBlock   Op = "delete-block"
	OpMoveBlocks    Op = "move-blocks"
	OpSetBlockValue Op = "set-block-value"
	OpSetTitle      Op = "set-title"

	// opMoveBlock is accepted on decode as a single-move shorthand.
	opMoveBlock Op = "move-block"
)

var ErrInvalidCommand = errors.New("invalid patch command")

// Command is one of InsertBlock, DeleteBlock, MoveBlocks, SetBlockValue or
// SetTitle. The set is closed.
type Command interface {
	Op() Op
	isCommand()
}

type InsertBlock struct {
	Block blocks.Block
}

type DeleteBlock struct {
	BlockID string
}

type Move struct {
	BlockID string `json:"blockId"`
	Row     int    `json:"row"`
	Col     int    `json:"col"`
	Span    int    `json:"span,omitempty"`
}

type MoveBlocks struct {
	Moves []Move
}

type SetBlockValue struct {
	BlockID string
	Value   json.RawMessage
}

type SetTitle struct {
	Title string
}

func (InsertBlock) Op() Op   { return OpInsertBlock }
func (DeleteBlock) Op() Op   { return OpDeleteBlock }
func (MoveBlocks) Op() Op    { return OpMoveBlocks }
func (SetBlockValue) Op() Op { return OpSetBlockValue }
func (SetTitle) Op() Op      { return OpSetTitle }

func (InsertBlock) isCommand()   {}
func (DeleteBlock) isCommand()   {}
func (MoveBlocks) isCommand()    {}
func (SetBlockValue) isCommand() {}
func (SetTitle) isCommand()      {}

type wireCommand struct {
	Op      Op              `json:"op"`
	Block   *blocks.Block   `json:"block,omitempty"`
	BlockID string          `json:"blockId,omitempty"`
	Moves   []Move          `json:"moves,omitempty"`
	Row     int             `json:"row,omitempty"`
	Col     int             `json:"col,omitempty"`
	Span    int             `json:"span,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Title   *string         `json:"title,omitempty"`
}

// Batch is an ordered command list with a JSON wire form.
type Batch []Command

func (b Batch) MarshalJSON() ([]byte, error) {
	out := make([]wireCommand, 0, len(b))
	for _, cmd := range b {
		w, err := toWire(cmd)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return json.Marshal(out)
}

func (b *Batch) UnmarshalJSON(raw []byte) error {
	var wire []wireCommand
	if err := json.Unmarshal(raw, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmds := make(Batch, 0, len(wire))
	for i, w := range wire {
		cmd, err := fromWire(w)
		if err != nil {
			return fmt.Errorf("command %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}
	*b = cmds
	return nil
}

func toWire(cmd Command) (wireCommand, error) {
	switch c := cmd.(type) {
	case InsertBlock:
		block := c.Block
		return wireCommand{Op: OpInsertBlock, Block: &block}, nil
	case DeleteBlock:
		return wireCommand{Op: OpDeleteBlock, BlockID: c.BlockID}, nil
	case MoveBlocks:
		return wireCommand{Op: OpMoveBlocks, Moves: c.Moves}, nil
	case SetBlockValue:
		return wireCommand{Op: OpSetBlockValue, BlockID: c.BlockID, Value: c.Value}, nil
	case SetTitle:
		title := c.Title
		return wireCommand{Op: OpSetTitle, Title: &title}, nil
	default:
		return wireCommand{}, fmt.Errorf("%w: %T", ErrInvalidCommand, cmd)
	}
}

func fromWire(w wireCommand) (Command, error) {
	switch w.Op {
	case OpInsertBlock:
		if w.Block == nil || w.Block.ID == "" {
			return nil, fmt.Errorf("%w: insert-block needs a block with an id", ErrInvalidCommand)
		}
		if w.Block.ID == blocks.ReservedID {
			return nil, fmt.Errorf("%w: block id %q is reserved", ErrInvalidCommand, blocks.ReservedID)
		}
		return InsertBlock{Block: *w.Block}, nil
	case OpDeleteBlock:
		if w.BlockID == "" {
			return nil, fmt.Errorf("%w: delete-block needs blockId", ErrInvalidCommand)
		}
		return DeleteBlock{BlockID: w.BlockID}, nil
	case OpMoveBlocks:
		if len(w.Moves) == 0 {
			return nil, fmt.Errorf("%w: move-blocks needs moves", ErrInvalidCommand)
		}
		for _, m := range w.Moves {
			if m.BlockID == "" {
				return nil, fmt.Errorf("%w: move needs blockId", ErrInvalidCommand)
			}
		}
		return MoveBlocks{Moves: w.Moves}, nil
	case opMoveBlock:
		if w.BlockID == "" {
			return nil, fmt.Errorf("%w: move-block needs blockId", ErrInvalidCommand)
		}
		return MoveBlocks{Moves: []Move{{BlockID: w.BlockID, Row: w.Row, Col: w.Col, Span: w.Span}}}, nil
	case OpSetBlockValue:
		if w.BlockID == "" || len(w.Value) == 0 {
			return nil, fmt.Errorf("%w: set-block-value needs blockId and value", ErrInvalidCommand)
		}
		return SetBlockValue{BlockID: w.BlockID, Value: w.Value}, nil
	case OpSetTitle:
		if w.Title == nil {
			return nil, fmt.Errorf("%w: set-title needs title", ErrInvalidCommand)
		}
		return SetTitle{Title: *w.Title}, nil
	default:
		return nil, fmt.Errorf("%w: unknown op %q", ErrInvalidCommand, w.Op)
	}
}
