// Package ai adapts hosted speech-to-text and language models to the
// service.Transcriber and service.Summarizer interfaces.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"meeting-ingest/entities"
	"meeting-ingest/service"
	"path"
	"strings"
)

// Whisper does not diarize, every segment is attributed to one speaker.
const defaultSpeaker = "Speaker 1"

var ErrMissingAPIKey = errors.New("api key not configured")

var audioContentTypes = map[string]string{
	".wav":  "audio/wav",
	".mp3":  "audio/mpeg",
	".mpeg": "audio/mpeg",
	".mpga": "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "video/mp4",
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".flac": "audio/flac",
	".aac":  "audio/aac",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
}

type WhisperConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type Whisper struct {
	client openai.Client
	model  string
	ready  bool
}

func NewWhisper(cfg WhisperConfig) *Whisper {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = string(openai.AudioModelWhisper1)
	}
	return &Whisper{
		client: openai.NewClient(opts...),
		model:  model,
		ready:  cfg.APIKey != "",
	}
}

func (w *Whisper) Transcribe(ctx context.Context, filename string, audio []byte) (service.Transcript, error) {
	if !w.ready {
		return service.Transcript{}, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	filename, contentType := uploadName(filename)

	resp, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:                   openai.File(bytes.NewReader(audio), filename, contentType),
		Model:                  openai.AudioModel(w.model),
		ResponseFormat:         openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []string{"segment", "word"},
	})
	if err != nil {
		return service.Transcript{}, fmt.Errorf("openai: %w", err)
	}
	return parseVerboseTranscription([]byte(resp.RawJSON()))
}

// uploadName picks the name and content type the audio is sent under. The
// model detects the format from the extension, unknown ones are sent as WAV.
func uploadName(filename string) (string, string) {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if contentType, ok := audioContentTypes[strings.ToLower(path.Ext(base))]; ok {
		return base, contentType
	}
	return "recording.wav", "audio/wav"
}

type verboseWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

type verboseTranscription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start float64       `json:"start"`
		End   float64       `json:"end"`
		Text  string        `json:"text"`
		Words []verboseWord `json:"words"`
	} `json:"segments"`
	Words []verboseWord `json:"words"`
}

// parseVerboseTranscription maps a verbose_json body onto a Transcript.
// Segment timings are preferred; word timings are used when the model
// returned no segments. Words come from the top level, or from the segments
// when the top level has none.
func parseVerboseTranscription(raw []byte) (service.Transcript, error) {
	var body verboseTranscription
	if err := json.Unmarshal(raw, &body); err != nil {
		return service.Transcript{}, fmt.Errorf("openai: decode transcription: %w", err)
	}

	transcript := service.Transcript{
		Text:     strings.TrimSpace(body.Text),
		Language: body.Language,
		Segments: make([]entities.Segment, 0, len(body.Segments)),
		Words:    make([]service.Word, 0, len(body.Words)),
	}
	words := body.Words
	if len(words) == 0 {
		for _, s := range body.Segments {
			words = append(words, s.Words...)
		}
	}
	for _, w := range words {
		transcript.Words = append(transcript.Words, service.Word{
			Word:  strings.TrimSpace(w.Word),
			Start: w.Start,
			End:   w.End,
		})
	}
	for _, s := range body.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		transcript.Segments = append(transcript.Segments, entities.Segment{
			Speaker: defaultSpeaker,
			Text:    text,
			Start:   s.Start,
			End:     s.End,
		})
	}
	if len(transcript.Segments) == 0 {
		for _, w := range body.Words {
			transcript.Segments = append(transcript.Segments, entities.Segment{
				Speaker: defaultSpeaker,
				Text:    strings.TrimSpace(w.Word),
				Start:   w.Start,
				End:     w.End,
			})
		}
	}
	return transcript, nil
}
