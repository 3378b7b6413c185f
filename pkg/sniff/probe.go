package sniff

import (
	"os"

	"github.com/dhowden/tag"
	"github.com/rs/zerolog/log"
)

// Meta is embedded tag metadata read from a verified audio file.
type Meta struct {
	Title  string
	Artist string
}

// ProbeFile reads tag metadata from the audio file at path. Best-effort:
// files without tags (or with tags the parser chokes on) yield an empty
// Meta, never an error, because captions are cosmetic.
func ProbeFile(path string) Meta {
	f, err := os.Open(path)
	if err != nil {
		return Meta{}
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("No readable tags in audio file")
		return Meta{}
	}

	return Meta{
		Title:  m.Title(),
		Artist: m.Artist(),
	}
}
