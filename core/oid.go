package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewObjectID generates a fresh object identifier: a 128-bit random value
// rendered as a 32-char hex token (§6), using google/uuid rather than a
// hand-rolled PRNG, matching the id-generation idiom of the wider example
// pack (bytebase-gomongo, homveloper-boss-raid-game).
func NewObjectID() string {
	id := uuid.New()
	return strings.ReplaceAll(id.String(), "-", "")
}
