// Package sniff identifies audio payloads by their leading bytes. Anything
// that does not match a known container signature is reported as
// unrecognized; the fetcher treats that as fatal and discards the payload.
package sniff

import (
	"bytes"
	"errors"
	"strings"
)

// ErrUnrecognized means the payload matched no known audio signature.
var ErrUnrecognized = errors.New("unrecognized media")

// Kind is a detected audio container kind.
type Kind string

const (
	KindMP3  Kind = "mp3"
	KindM4A  Kind = "m4a"
	KindFLAC Kind = "flac"
	KindOGG  Kind = "ogg"
	KindWAV  Kind = "wav"
	KindAAC  Kind = "aac"
)

// PrefixLen is how many leading bytes Detect needs to classify a payload.
const PrefixLen = 16

// Ext returns the file extension commonly used for the kind.
func (k Kind) Ext() string {
	return string(k)
}

// Detect classifies the payload by its first bytes. It never guesses: when
// no signature matches it returns ErrUnrecognized.
func Detect(prefix []byte) (Kind, error) {
	if len(prefix) < 4 {
		return "", ErrUnrecognized
	}

	switch {
	case bytes.HasPrefix(prefix, []byte("ID3")):
		return KindMP3, nil
	case prefix[0] == 0xFF && prefix[1]&0xE0 == 0xE0 && prefix[1] != 0xFF:
		// MPEG audio frame sync; covers tagless MP3 and ADTS AAC.
		if prefix[1] == 0xF1 || prefix[1] == 0xF9 {
			return KindAAC, nil
		}
		return KindMP3, nil
	case bytes.HasPrefix(prefix, []byte("fLaC")):
		return KindFLAC, nil
	case bytes.HasPrefix(prefix, []byte("OggS")):
		return KindOGG, nil
	case len(prefix) >= 12 && bytes.HasPrefix(prefix, []byte("RIFF")) && bytes.Equal(prefix[8:12], []byte("WAVE")):
		return KindWAV, nil
	case len(prefix) >= 12 && bytes.Equal(prefix[4:8], []byte("ftyp")):
		// MP4 family box; M4A audio lives here.
		return KindM4A, nil
	}

	return "", ErrUnrecognized
}

// audioContentTypes mirrors the set of Content-Type values the Meting
// upstreams are known to serve for audio.
var audioContentTypes = map[string]bool{
	"audio/mpeg":       true,
	"audio/mp3":        true,
	"audio/wav":        true,
	"audio/x-wav":      true,
	"audio/ogg":        true,
	"audio/x-m4a":      true,
	"audio/mp4":        true,
	"audio/x-matroska": true,
	"audio/aac":        true,
	"audio/flac":       true,
}

// IsAudioContentType reports whether the Content-Type header names a known
// audio type. Parameters after ";" are ignored.
func IsAudioContentType(ct string) bool {
	if ct == "" {
		return false
	}
	base := strings.TrimSpace(strings.ToLower(strings.SplitN(ct, ";", 2)[0]))
	return audioContentTypes[base]
}

// audioExtensions are URL path extensions accepted for download targets.
var audioExtensions = map[string]bool{
	".mp3":  true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
	".flac": true,
	".aac":  true,
	".wma":  true,
}

// IsAudioExtension reports whether ext (with leading dot, any case) is a
// known audio file extension. The empty extension is accepted because many
// stream URLs carry none.
func IsAudioExtension(ext string) bool {
	if ext == "" {
		return true
	}
	return audioExtensions[strings.ToLower(ext)]
}
