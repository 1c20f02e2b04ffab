package blocks

import (
	"encoding/json"
	"fmt"
	"time"
)

type Type string

const (
	TypeText     Type = "text"
	TypeImage    Type = "image"
	TypeDate     Type = "date"
	TypeTime     Type = "time"
	TypeMood     Type = "mood"
	TypeLocation Type = "location"
	TypeTag      Type = "tag"
	TypeRating   Type = "rating"
	TypeTable    Type = "table"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeDate, TypeTime, TypeMood, TypeLocation, TypeTag, TypeRating, TypeTable:
		return true
	default:
		return false
	}
}

// Block is one cell-aligned piece of content on the two-column grid. Blocks
// with a ParentID live inside a table block and are laid out relative to it.
type Block struct {
	ID       string          `json:"id"`
	Type     Type            `json:"type"`
	Row      int             `json:"row"`
	Col      int             `json:"col"`
	Span     int             `json:"span"`
	ParentID string          `json:"parentId,omitempty"`
	Value    json.RawMessage `json:"value,omitempty"`
}

type ImageValue struct {
	MediaIDs []string `json:"mediaIds"`
}

type LocationValue struct {
	Name string   `json:"name"`
	Lat  *float64 `json:"lat,omitempty"`
	Lng  *float64 `json:"lng,omitempty"`
}

// Clone returns a deep copy.
func (b Block) Clone() Block {
	if b.Value != nil {
		b.Value = append(json.RawMessage(nil), b.Value...)
	}
	return b
}

func (b Block) StringValue() (string, error) {
	var s string
	if err := json.Unmarshal(b.Value, &s); err != nil {
		return "", fmt.Errorf("%s value must be a string", b.Type)
	}
	return s, nil
}

func (b Block) ImageValue() (ImageValue, error) {
	var v ImageValue
	if err := json.Unmarshal(b.Value, &v); err != nil {
		return ImageValue{}, fmt.Errorf("image value must be an object with mediaIds")
	}
	return v, nil
}

func (b Block) LocationValue() (LocationValue, error) {
	var v LocationValue
	if err := json.Unmarshal(b.Value, &v); err != nil {
		return LocationValue{}, fmt.Errorf("location value must be an object")
	}
	return v, nil
}

func (b Block) RatingValue() (int, error) {
	var n int
	if err := json.Unmarshal(b.Value, &n); err != nil {
		return 0, fmt.Errorf("rating value must be an integer")
	}
	return n, nil
}

// MediaIDs lists media identifiers referenced by image blocks in block order.
func MediaIDs(list []Block) []string {
	var ids []string
	for _, b := range list {
		if b.Type != TypeImage {
			continue
		}
		v, err := b.ImageValue()
		if err != nil {
			continue
		}
		ids = append(ids, v.MediaIDs...)
	}
	return ids
}

// Meta is the post metadata derived from typed blocks.
type Meta struct {
	Date     string         `json:"date"`
	Time     string         `json:"time"`
	EventAt  time.Time      `json:"eventAt"`
	Mood     string         `json:"mood,omitempty"`
	Location *LocationValue `json:"location,omitempty"`
	Tags     []string       `json:"tags"`
	Rating   *int           `json:"rating,omitempty"`
}

// DeriveMeta extracts metadata from validated blocks. The event timestamp is
// the date and time blocks read in loc.
func DeriveMeta(list []Block, loc *time.Location) (Meta, error) {
	if loc == nil {
		loc = time.UTC
	}
	meta := Meta{Tags: []string{}}
	for _, b := range list {
		switch b.Type {
		case TypeDate:
			s, err := b.StringValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Date = s
		case TypeTime:
			s, err := b.StringValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Time = s
		case TypeMood:
			s, err := b.StringValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Mood = s
		case TypeTag:
			s, err := b.StringValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Tags = append(meta.Tags, s)
		case TypeLocation:
			v, err := b.LocationValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Location = &v
		case TypeRating:
			n, err := b.RatingValue()
			if err != nil {
				return Meta{}, err
			}
			meta.Rating = &n
		}
	}
	if meta.Date == "" || meta.Time == "" {
		return Meta{}, fmt.Errorf("date and time blocks are required")
	}
	at, err := time.ParseInLocation(DateLayout+" "+TimeLayout, meta.Date+" "+meta.Time, loc)
	if err != nil {
		return Meta{}, fmt.Errorf("parse event time: %w", err)
	}
	meta.EventAt = at
	return meta, nil
}
