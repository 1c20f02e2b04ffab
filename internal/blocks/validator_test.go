package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func baseBlocks() []Block {
	return []Block{
		{ID: "date", Type: TypeDate, Row: 1, Col: 1, Span: 1, Value: raw("2026-05-04")},
		{ID: "time", Type: TypeTime, Row: 1, Col: 2, Span: 1, Value: raw("18:30")},
		{ID: "body", Type: TypeText, Row: 2, Col: 1, Span: 2, Value: raw("We went to the lake.")},
	}
}

func with(extra ...Block) []Block {
	return append(baseBlocks(), extra...)
}

func images(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	return ids
}

func TestValidateAcceptsWellFormedPost(t *testing.T) {
	list := with(
		Block{ID: "mood", Type: TypeMood, Row: 3, Col: 1, Span: 1, Value: raw("calm")},
		Block{ID: "rating", Type: TypeRating, Row: 3, Col: 2, Span: 1, Value: raw(4)},
		Block{ID: "loc", Type: TypeLocation, Row: 4, Col: 1, Span: 2, Value: raw(map[string]any{"name": "Lake", "lat": 46.1, "lng": 7.2})},
		Block{ID: "img", Type: TypeImage, Row: 5, Col: 1, Span: 2, Value: raw(ImageValue{MediaIDs: images(3)})},
		Block{ID: "tbl", Type: TypeTable, Row: 6, Col: 1, Span: 2, Value: raw(map[string]any{})},
		Block{ID: "cell-a", Type: TypeText, Row: 1, Col: 1, Span: 1, ParentID: "tbl", Value: raw("a")},
		Block{ID: "cell-b", Type: TypeText, Row: 1, Col: 2, Span: 1, ParentID: "tbl", Value: raw("b")},
	)
	if err := NewValidator(15).Validate(list); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tags := make([]Block, 0, 11)
	for i := 0; i < 11; i++ {
		tags = append(tags, Block{ID: fmt.Sprintf("tag-%d", i), Type: TypeTag, Row: 10 + i, Col: 1, Span: 1, Value: raw("t")})
	}

	cases := []struct {
		name  string
		list  []Block
		index int
		other int
	}{
		{
			name:  "span 2 at col 2",
			list:  with(Block{ID: "x", Type: TypeText, Row: 9, Col: 2, Span: 2, Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "row zero",
			list:  with(Block{ID: "x", Type: TypeText, Row: 0, Col: 1, Span: 1, Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "col three",
			list:  with(Block{ID: "x", Type: TypeText, Row: 9, Col: 3, Span: 1, Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "duplicate id",
			list:  with(Block{ID: "body", Type: TypeText, Row: 9, Col: 1, Span: 1, Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "reserved id",
			list:  with(Block{ID: "title", Type: TypeText, Row: 9, Col: 1, Span: 1, Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "unknown type",
			list:  with(Block{ID: "x", Type: "video", Row: 9, Col: 1, Span: 1}),
			index: 3, other: -1,
		},
		{
			name:  "parent is not a table",
			list:  with(Block{ID: "x", Type: TypeText, Row: 1, Col: 1, Span: 1, ParentID: "body", Value: raw("x")}),
			index: 3, other: -1,
		},
		{
			name:  "second date",
			list:  with(Block{ID: "d2", Type: TypeDate, Row: 9, Col: 1, Span: 1, Value: raw("2026-05-05")}),
			index: 3, other: -1,
		},
		{
			name: "missing time",
			list: []Block{
				{ID: "date", Type: TypeDate, Row: 1, Col: 1, Span: 1, Value: raw("2026-05-04")},
				{ID: "body", Type: TypeText, Row: 2, Col: 1, Span: 1, Value: raw("x")},
			},
			index: -1, other: -1,
		},
		{
			name:  "two moods",
			list:  with(Block{ID: "m1", Type: TypeMood, Row: 9, Col: 1, Span: 1, Value: raw("a")}, Block{ID: "m2", Type: TypeMood, Row: 9, Col: 2, Span: 1, Value: raw("b")}),
			index: 4, other: -1,
		},
		{
			name:  "eleven tags",
			list:  with(tags...),
			index: 13, other: -1,
		},
		{
			name:  "bad date",
			list:  append([]Block{{ID: "date", Type: TypeDate, Row: 1, Col: 1, Span: 1, Value: raw("04/05/2026")}}, baseBlocks()[1:]...),
			index: 0, other: -1,
		},
		{
			name:  "rating out of range",
			list:  with(Block{ID: "r", Type: TypeRating, Row: 9, Col: 1, Span: 1, Value: raw(6)}),
			index: 3, other: -1,
		},
		{
			name:  "empty image",
			list:  with(Block{ID: "img", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{})}),
			index: 3, other: -1,
		},
		{
			name:  "invalid media id",
			list:  with(Block{ID: "img", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: []string{"not-a-uuid"}})}),
			index: 3, other: -1,
		},
		{
			name: "duplicate media id",
			list: func() []Block {
				id := uuid.NewString()
				return with(Block{ID: "img", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: []string{id, id}})})
			}(),
			index: 3, other: -1,
		},
		{
			name: "duplicate media id in upper case",
			list: func() []Block {
				id := uuid.NewString()
				return with(Block{ID: "img", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: []string{id, strings.ToUpper(id)}})})
			}(),
			index: 3, other: -1,
		},
		{
			name: "duplicate media id in urn form",
			list: func() []Block {
				id := uuid.NewString()
				return with(Block{ID: "img", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: []string{id, "urn:uuid:" + id}})})
			}(),
			index: 3, other: -1,
		},
		{
			name: "too many images overall",
			list: with(
				Block{ID: "img1", Type: TypeImage, Row: 9, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: images(10)})},
				Block{ID: "img2", Type: TypeImage, Row: 9, Col: 2, Span: 1, Value: raw(ImageValue{MediaIDs: images(6)})},
			),
			index: 4, other: -1,
		},
	}

	v := NewValidator(15)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(tc.list)
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if verr.Index != tc.index || verr.Other != tc.other {
				t.Fatalf("expected index %d other %d, got %+v", tc.index, tc.other, verr)
			}
		})
	}
}

func TestValidateReportsOverlappingPair(t *testing.T) {
	list := []Block{
		{ID: "a", Type: TypeText, Row: 1, Col: 1, Span: 2, Value: raw("a")},
		{ID: "b", Type: TypeText, Row: 1, Col: 1, Span: 1, Value: raw("b")},
	}
	err := NewValidator(15).Validate(list)
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if verr.Index != 0 || verr.Other != 1 || verr.BlockID != "a" {
		t.Fatalf("unexpected overlap report %+v", verr)
	}
}

func TestValidateTableCellsUseTheirOwnGrid(t *testing.T) {
	list := with(
		Block{ID: "tbl", Type: TypeTable, Row: 3, Col: 1, Span: 2},
		Block{ID: "c1", Type: TypeText, Row: 1, Col: 1, Span: 1, ParentID: "tbl", Value: raw("x")},
		Block{ID: "c2", Type: TypeText, Row: 1, Col: 1, Span: 1, ParentID: "tbl", Value: raw("y")},
	)
	err := NewValidator(15).Validate(list)
	var verr *Error
	if !errors.As(err, &verr) || verr.Index != 4 || verr.Other != 5 {
		t.Fatalf("expected overlap between cells, got %v", err)
	}
}

func TestDeriveMeta(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Zurich")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	list := with(
		Block{ID: "tag1", Type: TypeTag, Row: 3, Col: 1, Span: 1, Value: raw("hike")},
		Block{ID: "tag2", Type: TypeTag, Row: 3, Col: 2, Span: 1, Value: raw("summer")},
		Block{ID: "rating", Type: TypeRating, Row: 4, Col: 1, Span: 1, Value: raw(5)},
		Block{ID: "loc", Type: TypeLocation, Row: 4, Col: 2, Span: 1, Value: raw(map[string]any{"name": "Lake"})},
	)

	meta, err := DeriveMeta(list, loc)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	want := time.Date(2026, 5, 4, 16, 30, 0, 0, time.UTC)
	if !meta.EventAt.Equal(want) {
		t.Fatalf("event at = %v, want %v", meta.EventAt.UTC(), want)
	}
	if len(meta.Tags) != 2 || meta.Tags[0] != "hike" || meta.Tags[1] != "summer" {
		t.Fatalf("tags = %v", meta.Tags)
	}
	if meta.Rating == nil || *meta.Rating != 5 {
		t.Fatalf("rating = %v", meta.Rating)
	}
	if meta.Location == nil || meta.Location.Name != "Lake" {
		t.Fatalf("location = %+v", meta.Location)
	}
}

func TestMediaIDs(t *testing.T) {
	ids := images(2)
	list := with(
		Block{ID: "img", Type: TypeImage, Row: 3, Col: 1, Span: 1, Value: raw(ImageValue{MediaIDs: ids})},
	)
	got := MediaIDs(list)
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Fatalf("media ids = %v", got)
	}
}
