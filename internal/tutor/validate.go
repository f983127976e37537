package tutor

import (
	"strings"
)

var allowedMIME = map[string]MediaKind{
	"audio/wav":       MediaAudio,
	"audio/mpeg":      MediaAudio,
	"audio/mp3":       MediaAudio,
	"audio/webm":      MediaAudio,
	"audio/ogg":       MediaAudio,
	"audio/flac":      MediaAudio,
	"audio/aac":       MediaAudio,
	"image/png":       MediaImage,
	"image/jpeg":      MediaImage,
	"image/webp":      MediaImage,
	"image/heic":      MediaImage,
	"video/mp4":       MediaVideo,
	"video/webm":      MediaVideo,
	"video/quicktime": MediaVideo,
}

// normalizeMIME lowercases a mime type and strips parameters.
func normalizeMIME(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = m[:i]
	}
	return strings.ToLower(strings.TrimSpace(m))
}

// Validate checks a turn and fills in its inferred type and media kind.
func Validate(req *TurnRequest) error {
	switch {
	case strings.TrimSpace(req.LearnerID) == "":
		return &ValidationError{Field: "learnerId", Reason: "is required"}
	case strings.TrimSpace(req.SessionID) == "":
		return &ValidationError{Field: "sessionId", Reason: "is required"}
	case strings.TrimSpace(req.LessonID) == "":
		return &ValidationError{Field: "lessonId", Reason: "is required"}
	}

	hasText := strings.TrimSpace(req.Text) != ""
	hasMedia := len(req.Media) > 0

	switch req.Type {
	case TurnStart:
		if hasText || hasMedia {
			return &ValidationError{Field: "type", Reason: "a start turn carries no input"}
		}
		return nil
	case "", TurnText, TurnMedia:
	default:
		return &ValidationError{Field: "type", Reason: "must be text, media or start"}
	}

	if hasText == hasMedia {
		return &ValidationError{Field: "input", Reason: "exactly one of text or media is required"}
	}
	if hasText {
		if req.Type == TurnMedia {
			return &ValidationError{Field: "media", Reason: "is required for a media turn"}
		}
		req.Type = TurnText
		return nil
	}

	if req.Type == TurnText {
		return &ValidationError{Field: "text", Reason: "is required for a text turn"}
	}
	mime := normalizeMIME(req.MIMEType)
	if mime == "" {
		return &ValidationError{Field: "mimeType", Reason: "is required with media"}
	}
	kind, ok := allowedMIME[mime]
	if !ok {
		return &ValidationError{Field: "mimeType", Reason: "unsupported type " + mime}
	}
	if req.MediaKind != "" && req.MediaKind != kind {
		return &ValidationError{Field: "mediaKind", Reason: "does not match " + mime}
	}
	req.Type = TurnMedia
	req.MIMEType = mime
	req.MediaKind = kind
	return nil
}
