package lock

import (
	"errors"
	"strings"
)

const (
	KindBlock = "block"
	KindTable = "table"

	// TitleKey guards the draft title.
	TitleKey = "block:title"
)

var ErrInvalidKey = errors.New("invalid lock key")

func BlockKey(blockID string) string {
	return KindBlock + ":" + blockID
}

func TableKey(blockID string) string {
	return KindTable + ":" + blockID
}

// ParseKey splits a lock key into its kind and target. The title lock parses
// as ("block", "title").
func ParseKey(key string) (kind, target string, err error) {
	kind, target, ok := strings.Cut(key, ":")
	if !ok || target == "" || strings.ContainsAny(target, ": \t\n") {
		return "", "", ErrInvalidKey
	}
	switch kind {
	case KindBlock, KindTable:
		return kind, target, nil
	default:
		return "", "", ErrInvalidKey
	}
}
