package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random hex identifier, optionally prefixed as prefix_hex.
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return hex
	}
	return prefix + "_" + hex
}
