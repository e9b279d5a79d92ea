package models

import (
	"hash/fnv"

	"github.com/google/uuid"
)

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor maps a user to a palette entry. The result depends only on the
// user id, so it is stable across reconnects and nodes.
func ColorFor(userID uuid.UUID) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID.String()))
	return palette[h.Sum32()%uint32(len(palette))]
}

func Palette() []string {
	out := make([]string, len(palette))
	copy(out, palette)
	return out
}
