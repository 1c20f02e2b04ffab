package blocks

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxImages = 15
	maxTagLength     = 64
)

// ReservedID is the block id that names the post title. No block may use it.
const ReservedID = "title"

// Error reports the first rule a block set breaks. Other is the index of the
// second block in an overlap, or -1.
type Error struct {
	Index   int
	BlockID string
	Other   int
	Reason  string
}

func (e *Error) Error() string {
	if e.Other >= 0 {
		return fmt.Sprintf("block %d (%s): %s with block %d", e.Index, e.BlockID, e.Reason, e.Other)
	}
	if e.Index < 0 {
		return e.Reason
	}
	return fmt.Sprintf("block %d (%s): %s", e.Index, e.BlockID, e.Reason)
}

func fail(index int, list []Block, reason string, args ...any) *Error {
	id := ""
	if index >= 0 && index < len(list) {
		id = list[index].ID
	}
	return &Error{Index: index, BlockID: id, Other: -1, Reason: fmt.Sprintf(reason, args...)}
}

// Validator checks layout and content rules over a complete block set. It
// performs no I/O and stops at the first violation.
type Validator struct {
	maxImages  int
	maxPerType map[Type]int
}

func NewValidator(maxImages int) *Validator {
	if maxImages <= 0 {
		maxImages = DefaultMaxImages
	}
	return &Validator{
		maxImages: maxImages,
		maxPerType: map[Type]int{
			TypeMood:     1,
			TypeLocation: 1,
			TypeRating:   1,
			TypeTag:      10,
		},
	}
}

func (v *Validator) Validate(list []Block) error {
	if err := v.structure(list); err != nil {
		return err
	}
	if err := v.overlap(list); err != nil {
		return err
	}
	if err := v.cardinality(list); err != nil {
		return err
	}
	if err := v.values(list); err != nil {
		return err
	}
	return v.images(list)
}

func (v *Validator) structure(list []Block) error {
	seen := make(map[string]int, len(list))
	for i, b := range list {
		if strings.TrimSpace(b.ID) == "" {
			return fail(i, list, "id is required")
		}
		if b.ID == ReservedID {
			return fail(i, list, "id %q is reserved", ReservedID)
		}
		if prev, dup := seen[b.ID]; dup {
			return fail(i, list, "duplicate id (first at block %d)", prev)
		}
		seen[b.ID] = i
		if !b.Type.Valid() {
			return fail(i, list, "unknown type %q", b.Type)
		}
		if b.Row < 1 {
			return fail(i, list, "row must be >= 1")
		}
		if b.Col != 1 && b.Col != 2 {
			return fail(i, list, "col must be 1 or 2")
		}
		if b.Span != 1 && b.Span != 2 {
			return fail(i, list, "span must be 1 or 2")
		}
		if b.Span == 2 && b.Col != 1 {
			return fail(i, list, "span 2 must start at col 1")
		}
	}
	for i, b := range list {
		if b.ParentID == "" {
			continue
		}
		p, ok := seen[b.ParentID]
		if !ok {
			return fail(i, list, "parent %q not found", b.ParentID)
		}
		parent := list[p]
		if parent.Type != TypeTable || parent.ParentID != "" {
			return fail(i, list, "parent %q is not a top-level table", b.ParentID)
		}
	}
	return nil
}

type cell struct {
	scope string
	row   int
	col   int
}

// overlap checks cells within each layout scope: the top-level grid and the
// inside of every table.
func (v *Validator) overlap(list []Block) error {
	occupied := make(map[cell]int, len(list)*2)
	for i, b := range list {
		for c := b.Col; c < b.Col+b.Span; c++ {
			key := cell{scope: b.ParentID, row: b.Row, col: c}
			if other, taken := occupied[key]; taken {
				return &Error{
					Index:   other,
					BlockID: list[other].ID,
					Other:   i,
					Reason:  fmt.Sprintf("overlaps at row %d col %d", b.Row, c),
				}
			}
			occupied[key] = i
		}
	}
	return nil
}

func (v *Validator) cardinality(list []Block) error {
	counts := make(map[Type]int)
	for i, b := range list {
		counts[b.Type]++
		if limit, bounded := v.maxPerType[b.Type]; bounded && counts[b.Type] > limit {
			return fail(i, list, "at most %d %s block(s) allowed", limit, b.Type)
		}
		if (b.Type == TypeDate || b.Type == TypeTime) && counts[b.Type] > 1 {
			return fail(i, list, "exactly one %s block is required", b.Type)
		}
	}
	for _, t := range []Type{TypeDate, TypeTime} {
		if counts[t] != 1 {
			return fail(-1, list, "exactly one %s block is required", t)
		}
	}
	if counts[TypeText] < 1 {
		return fail(-1, list, "at least one text block is required")
	}
	return nil
}

func (v *Validator) values(list []Block) error {
	for i, b := range list {
		switch b.Type {
		case TypeText:
			if _, err := b.StringValue(); err != nil {
				return fail(i, list, "%v", err)
			}
		case TypeDate:
			s, err := b.StringValue()
			if err != nil {
				return fail(i, list, "%v", err)
			}
			if _, err := time.Parse(DateLayout, s); err != nil {
				return fail(i, list, "date must be YYYY-MM-DD")
			}
		case TypeTime:
			s, err := b.StringValue()
			if err != nil {
				return fail(i, list, "%v", err)
			}
			if _, err := time.Parse(TimeLayout, s); err != nil {
				return fail(i, list, "time must be HH:MM")
			}
		case TypeMood, TypeTag:
			s, err := b.StringValue()
			if err != nil {
				return fail(i, list, "%v", err)
			}
			s = strings.TrimSpace(s)
			if s == "" {
				return fail(i, list, "%s must not be empty", b.Type)
			}
			if b.Type == TypeTag && len(s) > maxTagLength {
				return fail(i, list, "tag longer than %d characters", maxTagLength)
			}
		case TypeLocation:
			loc, err := b.LocationValue()
			if err != nil {
				return fail(i, list, "%v", err)
			}
			if strings.TrimSpace(loc.Name) == "" {
				return fail(i, list, "location name is required")
			}
			if (loc.Lat == nil) != (loc.Lng == nil) {
				return fail(i, list, "location needs both lat and lng")
			}
			if loc.Lat != nil && (*loc.Lat < -90 || *loc.Lat > 90 || *loc.Lng < -180 || *loc.Lng > 180) {
				return fail(i, list, "location coordinates out of range")
			}
		case TypeRating:
			n, err := b.RatingValue()
			if err != nil {
				return fail(i, list, "%v", err)
			}
			if n < 1 || n > 5 {
				return fail(i, list, "rating must be between 1 and 5")
			}
		}
	}
	return nil
}

func (v *Validator) images(list []Block) error {
	total := 0
	for i, b := range list {
		if b.Type != TypeImage {
			continue
		}
		img, err := b.ImageValue()
		if err != nil {
			return fail(i, list, "%v", err)
		}
		if len(img.MediaIDs) == 0 {
			return fail(i, list, "image block needs at least one media id")
		}
		seen := make(map[string]struct{}, len(img.MediaIDs))
		for _, id := range img.MediaIDs {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return fail(i, list, "invalid media id %q", id)
			}
			canonical := parsed.String()
			if _, dup := seen[canonical]; dup {
				return fail(i, list, "duplicate media id %q", id)
			}
			seen[canonical] = struct{}{}
		}
		total += len(img.MediaIDs)
		if total > v.maxImages {
			return fail(i, list, "more than %d images in post", v.maxImages)
		}
	}
	return nil
}
