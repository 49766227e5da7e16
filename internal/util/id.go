package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier. Lexical order of ids created by
// one process follows creation order, which keeps (created_at, id) ordering
// stable for messages written within the same instant.
func NewID(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	raw := strings.ReplaceAll(id.String(), "-", "")
	if prefix == "" {
		return raw
	}
	return prefix + "_" + raw
}
