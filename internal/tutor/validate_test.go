package tutor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() TurnRequest {
		return TurnRequest{LearnerID: "ada", SessionID: "s1", LessonID: "l1"}
	}
	with := func(fn func(r *TurnRequest)) TurnRequest {
		r := base()
		fn(&r)
		return r
	}

	cases := []struct {
		name  string
		req   TurnRequest
		field string
	}{
		{"missing learner", with(func(r *TurnRequest) { r.LearnerID = ""; r.Text = "hi" }), "learnerId"},
		{"missing session", with(func(r *TurnRequest) { r.SessionID = " "; r.Text = "hi" }), "sessionId"},
		{"missing lesson", with(func(r *TurnRequest) { r.LessonID = ""; r.Text = "hi" }), "lessonId"},
		{"no input", base(), "input"},
		{"text and media", with(func(r *TurnRequest) { r.Text = "hi"; r.Media = []byte("x"); r.MIMEType = "image/png" }), "input"},
		{"media without mime", with(func(r *TurnRequest) { r.Media = []byte("x") }), "mimeType"},
		{"unsupported mime", with(func(r *TurnRequest) { r.Media = []byte("x"); r.MIMEType = "image/gif" }), "mimeType"},
		{"kind mismatch", with(func(r *TurnRequest) { r.Media = []byte("x"); r.MIMEType = "audio/ogg"; r.MediaKind = MediaVideo }), "mediaKind"},
		{"start with text", with(func(r *TurnRequest) { r.Type = TurnStart; r.Text = "hi" }), "type"},
		{"unknown type", with(func(r *TurnRequest) { r.Type = "poke"; r.Text = "hi" }), "type"},
		{"text type without text", with(func(r *TurnRequest) { r.Type = TurnText; r.Media = []byte("x"); r.MIMEType = "image/png" }), "text"},
	}
	for _, tc := range cases {
		err := Validate(&tc.req)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr), tc.name)
		assert.Equal(t, tc.field, verr.Field, tc.name)
		assert.ErrorIs(t, err, ErrInvalidInput, tc.name)
	}
}

func TestValidateInfersTypeAndKind(t *testing.T) {
	t.Parallel()

	text := TurnRequest{LearnerID: "ada", SessionID: "s1", LessonID: "l1", Text: "hello"}
	require.NoError(t, Validate(&text))
	assert.Equal(t, TurnText, text.Type)

	media := TurnRequest{LearnerID: "ada", SessionID: "s1", LessonID: "l1", Media: []byte("x"), MIMEType: "Audio/WebM; codecs=opus"}
	require.NoError(t, Validate(&media))
	assert.Equal(t, TurnMedia, media.Type)
	assert.Equal(t, "audio/webm", media.MIMEType)
	assert.Equal(t, MediaAudio, media.MediaKind)

	start := TurnRequest{LearnerID: "ada", SessionID: "s1", LessonID: "l1", Type: TurnStart}
	require.NoError(t, Validate(&start))
}

func TestInflightSupersedesAndCancels(t *testing.T) {
	t.Parallel()

	f := newInflight()
	first, doneFirst := f.begin(context.Background(), "s1")
	second, doneSecond := f.begin(context.Background(), "s1")

	assert.ErrorIs(t, context.Cause(first), ErrSuperseded)
	assert.NoError(t, second.Err())

	doneFirst()
	assert.Equal(t, 1, f.len(), "a superseded turn must not unregister its successor")

	assert.True(t, f.cancel("s1", ErrSessionEnded))
	assert.ErrorIs(t, context.Cause(second), ErrSessionEnded)
	assert.False(t, f.cancel("s1", ErrSessionEnded))
	doneSecond()
	assert.Zero(t, f.len())
}
