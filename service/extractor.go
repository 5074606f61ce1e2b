package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/courseloom/courseloom/config"
	"github.com/courseloom/courseloom/models"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/net/html"
	"gorm.io/datatypes"
)

// Extractor turns raw source bytes into the processed-content JSON stored
// on the entry. One implementation per source type.
type Extractor interface {
	Extract(ctx context.Context, entry *models.MaterialEntry, raw []byte) ([]byte, error)
}

// TextContent is the extraction result shape for plain text and web pages.
type TextContent struct {
	Text      string `json:"text"`
	WordCount int    `json:"word_count"`
}

// TextExtractor treats the source bytes as UTF-8 text.
type TextExtractor struct{}

func (TextExtractor) Extract(_ context.Context, _ *models.MaterialEntry, raw []byte) ([]byte, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil, Permanent(fmt.Errorf("text source is empty"))
	}
	return json.Marshal(TextContent{Text: text, WordCount: len(strings.Fields(text))})
}

// WebExtractor strips markup from a fetched HTML page, keeping visible text.
type WebExtractor struct{}

func (WebExtractor) Extract(_ context.Context, _ *models.MaterialEntry, raw []byte) ([]byte, error) {
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, Permanent(fmt.Errorf("parse html: %w", err))
	}
	var sb strings.Builder
	collectText(doc, &sb)
	text := collapseWhitespace(sb.String())
	if text == "" {
		return nil, Permanent(fmt.Errorf("page has no visible text"))
	}
	return json.Marshal(TextContent{Text: text, WordCount: len(strings.Fields(text))})
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "noscript") {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
}

// PresentationExtractor accepts either an already-structured JSON deck or a
// plain-text export with form-feed page separators, and normalizes both to
// the stored presentation shape.
type PresentationExtractor struct{}

func (PresentationExtractor) Extract(_ context.Context, _ *models.MaterialEntry, raw []byte) ([]byte, error) {
	if pc, ok := models.DecodePresentationContent(datatypes.JSON(raw)); ok {
		return json.Marshal(pc)
	}

	pages := strings.Split(string(raw), "\f")
	pc := models.PresentationContent{}
	for _, page := range pages {
		text := strings.TrimSpace(page)
		if text == "" {
			continue
		}
		pc.Slides = append(pc.Slides, models.Slide{Number: len(pc.Slides) + 1, Text: text})
	}
	pc.PageCount = len(pc.Slides)
	if pc.PageCount == 0 {
		return nil, Permanent(fmt.Errorf("presentation source has no pages"))
	}
	return json.Marshal(pc)
}

// VideoExtractor transcribes audio through the Whisper API and converts the
// segment list into timestamped transcript chunks.
type VideoExtractor struct {
	client *openai.Client
	model  string
}

func NewVideoExtractor(cfg *config.OpenAIConfig) *VideoExtractor {
	var client *openai.Client
	if cfg.BaseURL != "" {
		clientConfig := openai.DefaultConfig(cfg.APIKey)
		clientConfig.BaseURL = cfg.BaseURL
		client = openai.NewClientWithConfig(clientConfig)
	} else {
		client = openai.NewClient(cfg.APIKey)
	}
	return &VideoExtractor{client: client, model: cfg.WhisperModel}
}

func (e *VideoExtractor) Extract(ctx context.Context, entry *models.MaterialEntry, raw []byte) ([]byte, error) {
	resp, err := e.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    e.model,
		FilePath: entry.Filename,
		Reader:   bytes.NewReader(raw),
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, fmt.Errorf("transcription: %w", err)
	}

	vc := models.VideoContent{DurationSec: resp.Duration}
	for _, seg := range resp.Segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		vc.Chunks = append(vc.Chunks, models.TranscriptChunk{
			StartSec: seg.Start,
			EndSec:   seg.End,
			Text:     text,
		})
	}
	if vc.EffectiveDuration() <= 0 {
		return nil, Permanent(fmt.Errorf("transcription produced no usable duration"))
	}
	return json.Marshal(vc)
}
