package types

import (
	"encoding/base64"
	"strings"
	"unicode/utf8"
)

// AttachFunc receives attachments produced while a step is running.
type AttachFunc func(body, contentEncoding, mediaType string)

// World is the per-scenario handle passed to owner and context constructors. It carries the
// configured world parameters and lets handlers attach data to the running step.
type World struct {
	Parameters map[string]any
	attach     AttachFunc
}

// NewWorld creates a world with the given parameters. A nil attach function discards
// attachments.
func NewWorld(parameters map[string]any, attach AttachFunc) *World {
	if parameters == nil {
		parameters = map[string]any{}
	}
	return &World{Parameters: parameters, attach: attach}
}

// Attach attaches data to the running step. Text media types whose content is valid UTF-8 are
// sent as-is, everything else is base64 encoded.
func (w *World) Attach(data []byte, mediaType string) {
	if w == nil || w.attach == nil {
		return
	}
	if strings.HasPrefix(mediaType, "text/") && utf8.Valid(data) {
		w.attach(string(data), "IDENTITY", mediaType)
		return
	}
	w.attach(base64.StdEncoding.EncodeToString(data), "BASE64", mediaType)
}

// Log attaches a plain text line to the running step.
func (w *World) Log(text string) {
	if w == nil || w.attach == nil {
		return
	}
	w.attach(text, "IDENTITY", "text/x.cucumber.log+plain")
}

// Parameter returns a world parameter, or nil if unset.
func (w *World) Parameter(name string) any {
	if w == nil {
		return nil
	}
	return w.Parameters[name]
}
