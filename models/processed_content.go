package models

import (
	"encoding/json"

	"gorm.io/datatypes"
)

// PresentationContent is the extraction result shape for slide decks.
type PresentationContent struct {
	PageCount int     `json:"page_count"`
	Slides    []Slide `json:"slides,omitempty"`
}

type Slide struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// VideoContent is the extraction result shape for videos. DurationSec is the
// declared total length; transcript chunks may extend past it, so range
// checks take the maximum of both.
type VideoContent struct {
	DurationSec float64           `json:"duration_sec"`
	Chunks      []TranscriptChunk `json:"chunks,omitempty"`
}

type TranscriptChunk struct {
	StartSec float64 `json:"start_sec"`
	EndSec   float64 `json:"end_sec"`
	Text     string  `json:"text"`
}

// DecodePresentationContent reports ok=false when the stored JSON does not
// have the expected object shape (wrong kind, or no usable page_count).
// Callers treat that as "cannot validate yet", never as a hard failure.
func DecodePresentationContent(raw datatypes.JSON) (*PresentationContent, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	if _, hasKey := probe["page_count"]; !hasKey {
		return nil, false
	}
	var pc PresentationContent
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, false
	}
	if pc.PageCount <= 0 {
		return nil, false
	}
	return &pc, true
}

// DecodeVideoContent mirrors DecodePresentationContent for video extractions.
func DecodeVideoContent(raw datatypes.JSON) (*VideoContent, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, false
	}
	var vc VideoContent
	if err := json.Unmarshal(raw, &vc); err != nil {
		return nil, false
	}
	if vc.EffectiveDuration() <= 0 {
		return nil, false
	}
	return &vc, true
}

// EffectiveDuration is the usable end-of-video bound: the maximum chunk
// end_sec across all chunks, or the declared duration, whichever is larger.
func (v *VideoContent) EffectiveDuration() float64 {
	max := v.DurationSec
	for _, c := range v.Chunks {
		if c.EndSec > max {
			max = c.EndSec
		}
	}
	return max
}
