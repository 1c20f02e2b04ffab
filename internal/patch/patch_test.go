package patch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quire/api/internal/blocks"
	"quire/api/internal/lock"
)

func sampleSnapshot() Snapshot {
	return Snapshot{
		Title: "Saturday",
		Blocks: []blocks.Block{
			{ID: "date", Type: blocks.TypeDate, Row: 1, Col: 1, Span: 1, Value: json.RawMessage(`"2026-05-04"`)},
			{ID: "time", Type: blocks.TypeTime, Row: 1, Col: 2, Span: 1, Value: json.RawMessage(`"09:00"`)},
			{ID: "body", Type: blocks.TypeText, Row: 2, Col: 1, Span: 2, Value: json.RawMessage(`"hello"`)},
			{ID: "tbl", Type: blocks.TypeTable, Row: 3, Col: 1, Span: 2},
			{ID: "cell", Type: blocks.TypeText, Row: 1, Col: 1, Span: 1, ParentID: "tbl", Value: json.RawMessage(`"x"`)},
		},
	}
}

func TestBatchRoundTripAndShorthand(t *testing.T) {
	raw := []byte(`[
		{"op":"insert-block","block":{"id":"n1","type":"text","row":4,"col":1,"span":1,"value":"new"}},
		{"op":"set-block-value","blockId":"body","value":"changed"},
		{"op":"move-block","blockId":"body","row":5,"col":1,"span":2},
		{"op":"move-blocks","moves":[{"blockId":"date","row":6,"col":1}]},
		{"op":"delete-block","blockId":"cell"},
		{"op":"set-title","title":""}
	]`)

	var batch Batch
	require.NoError(t, json.Unmarshal(raw, &batch))
	require.Len(t, batch, 6)

	assert.Equal(t, OpInsertBlock, batch[0].Op())
	assert.Equal(t, MoveBlocks{Moves: []Move{{BlockID: "body", Row: 5, Col: 1, Span: 2}}}, batch[2])
	assert.Equal(t, SetTitle{Title: ""}, batch[5])

	encoded, err := json.Marshal(batch)
	require.NoError(t, err)
	var again Batch
	require.NoError(t, json.Unmarshal(encoded, &again))
	assert.Equal(t, batch, again)
}

func TestBatchRejectsMalformedCommands(t *testing.T) {
	cases := map[string]string{
		"unknown op":        `[{"op":"rename"}]`,
		"missing block id":  `[{"op":"delete-block"}]`,
		"missing value":     `[{"op":"set-block-value","blockId":"b"}]`,
		"missing title":     `[{"op":"set-title"}]`,
		"empty moves":       `[{"op":"move-blocks","moves":[]}]`,
		"insert without id": `[{"op":"insert-block","block":{"type":"text"}}]`,
		"insert title id":   `[{"op":"insert-block","block":{"id":"title","type":"text","row":4,"col":1,"span":1}}]`,
		"not an array":      `{"op":"set-title","title":"x"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			var batch Batch
			err := json.Unmarshal([]byte(raw), &batch)
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestApply(t *testing.T) {
	snap := sampleSnapshot()
	out, err := Apply(snap, []Command{
		SetTitle{Title: "Sunday"},
		SetBlockValue{BlockID: "body", Value: json.RawMessage(`"bye"`)},
		InsertBlock{Block: blocks.Block{ID: "n1", Type: blocks.TypeTag, Row: 4, Col: 1, Span: 1, Value: json.RawMessage(`"x"`)}},
		MoveBlocks{Moves: []Move{{BlockID: "n1", Row: 4, Col: 2}}},
		DeleteBlock{BlockID: "tbl"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Sunday", out.Title)
	assert.JSONEq(t, `"bye"`, string(out.Blocks[out.Find("body")].Value))
	n1 := out.Blocks[out.Find("n1")]
	assert.Equal(t, 2, n1.Col)
	assert.Equal(t, 1, n1.Span)
	assert.Equal(t, -1, out.Find("tbl"))
	assert.Equal(t, -1, out.Find("cell"), "children go with their table")

	// Input untouched.
	assert.Equal(t, "Saturday", snap.Title)
	assert.JSONEq(t, `"hello"`, string(snap.Blocks[2].Value))
	assert.Len(t, snap.Blocks, 5)
}

func TestApplyIsAllOrNothing(t *testing.T) {
	snap := sampleSnapshot()
	out, err := Apply(snap, []Command{
		SetTitle{Title: "changed"},
		SetBlockValue{BlockID: "missing", Value: json.RawMessage(`1`)},
	})
	require.ErrorIs(t, err, ErrBlockNotFound)
	assert.Equal(t, "Saturday", out.Title)

	_, err = Apply(snap, []Command{InsertBlock{Block: blocks.Block{ID: "body", Type: blocks.TypeText}}})
	assert.ErrorIs(t, err, ErrDuplicateBlock)
}

func TestPlanLocks(t *testing.T) {
	snap := sampleSnapshot()
	plan, err := PlanLocks(snap, []Command{
		InsertBlock{Block: blocks.Block{ID: "n1", Type: blocks.TypeText, Row: 9, Col: 1, Span: 1}},
		SetBlockValue{BlockID: "n1", Value: json.RawMessage(`"typed"`)},
		SetBlockValue{BlockID: "body", Value: json.RawMessage(`"x"`)},
		SetBlockValue{BlockID: "cell", Value: json.RawMessage(`"y"`)},
		MoveBlocks{Moves: []Move{{BlockID: "tbl", Row: 8, Col: 1}}},
		SetTitle{Title: "t"},
	})
	require.NoError(t, err)

	assert.Equal(t, []Requirement{
		{Command: 2, Target: "body", AnyOf: []string{"block:body"}},
		{Command: 3, Target: "cell", AnyOf: []string{"block:cell", "table:tbl"}},
		{Command: 4, Target: "tbl", AnyOf: []string{"block:tbl", "table:tbl"}},
		{Command: 5, Target: "title", AnyOf: []string{lock.TitleKey}},
	}, plan.Requirements)

	require.Len(t, plan.Inserted, 1)
	assert.Equal(t, "n1", plan.Inserted[0].ID)
	assert.Equal(t, "block:n1", AutoLockKey(plan.Inserted[0]))
}

func TestPlanLocksInsertThenDeleteLeavesNothingToLock(t *testing.T) {
	plan, err := PlanLocks(sampleSnapshot(), []Command{
		InsertBlock{Block: blocks.Block{ID: "tmp", Type: blocks.TypeTable, Row: 9, Col: 1, Span: 2}},
		DeleteBlock{BlockID: "tmp"},
	})
	require.NoError(t, err)
	assert.Empty(t, plan.Requirements)
	assert.Empty(t, plan.Inserted)
}

func TestPlanLocksUnknownBlock(t *testing.T) {
	_, err := PlanLocks(sampleSnapshot(), []Command{DeleteBlock{BlockID: "ghost"}})
	assert.True(t, errors.Is(err, ErrBlockNotFound))
}

func TestInsertWithTitleIDIsRejected(t *testing.T) {
	cmds := []Command{InsertBlock{Block: blocks.Block{ID: blocks.ReservedID, Type: blocks.TypeText, Row: 4, Col: 1, Span: 1}}}

	_, err := PlanLocks(sampleSnapshot(), cmds)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = Apply(sampleSnapshot(), cmds)
	assert.ErrorIs(t, err, ErrInvalidCommand)
}

func TestAutoLockKeyForTable(t *testing.T) {
	assert.Equal(t, "table:t9", AutoLockKey(blocks.Block{ID: "t9", Type: blocks.TypeTable}))
}
