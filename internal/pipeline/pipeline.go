// Package pipeline drives a responder's model call and speech synthesis for
// one turn, starting synthesis of the first sentence while the rest of the
// reply is still being generated.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/tutorflow/internal/cache"
	"github.com/ashureev/tutorflow/internal/domain"
	"github.com/ashureev/tutorflow/internal/llm"
	"github.com/ashureev/tutorflow/internal/responder"
	"github.com/ashureev/tutorflow/internal/speech"
)

// ErrAllTiersFailed is returned when no tier produced a reply.
var ErrAllTiersFailed = errors.New("pipeline: all tiers failed")

// Tier names the strategy that produced a reply.
type Tier string

const (
	TierProgressive Tier = "progressive"
	TierStreaming   Tier = "streaming"
	TierSingleShot  Tier = "single_shot"
)

// Reply is the structured output every responder produces. TopicComplete is
// the model's own claim and is not trusted.
type Reply struct {
	SpokenText    string `json:"spokenText" jsonschema:"what you say aloud, plain sentences, first sentence short"`
	DisplayText   string `json:"displayText" jsonschema:"the same content formatted for the screen"`
	Diagram       string `json:"diagram" jsonschema:"optional mermaid markup, empty when not needed"`
	TopicComplete bool   `json:"topicComplete" jsonschema:"true only if the learner has mastered the lesson objective"`
}

var replySchema = llm.MustSchemaFor[Reply]()

// Result is a finished reply with its audio.
type Result struct {
	Reply
	Responder responder.ID
	Audio     []byte
	Tier      Tier
}

// Job is one responder call.
type Job struct {
	Responder   responder.ID
	Lesson      *domain.LessonDescriptor
	LearnerName string
	Directives  string
	History     []domain.HistoryEntry
	// Input is the learner's message. It is ignored for a lesson start.
	Input       []llm.Part
	LessonStart bool
	// OnFirstAudio, when set, receives the first sentence's audio as soon as
	// it is ready. It is only called by the progressive tier.
	OnFirstAudio func(sentence string, audio []byte)
}

// Binder resolves how to call a responder.
type Binder interface {
	Bind(ctx context.Context, id responder.ID) (cache.Binding, error)
}

// Pipeline runs responder calls.
type Pipeline struct {
	gen    llm.Generator
	binder Binder
	synth  speech.Synthesizer
	logger *slog.Logger
}

// New creates a Pipeline.
func New(gen llm.Generator, binder Binder, synth speech.Synthesizer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{gen: gen, binder: binder, synth: synth, logger: logger}
}

type tierFunc func(ctx context.Context, req *llm.Request, def responder.Definition, job *Job) (*Result, error)

// Run produces the reply for job, demoting from progressive extraction to
// plain streaming to a single-shot call as each tier fails.
func (p *Pipeline) Run(ctx context.Context, job *Job) (*Result, error) {
	def, ok := responder.Lookup(job.Responder)
	if !ok {
		return nil, fmt.Errorf("pipeline: unknown responder %q", job.Responder)
	}
	b, err := p.binder.Bind(ctx, def.ID)
	if err != nil {
		return nil, fmt.Errorf("bind responder: %w", err)
	}
	req := buildRequest(def, b, job)

	tiers := []struct {
		tier Tier
		run  tierFunc
	}{
		{TierProgressive, p.progressive},
		{TierStreaming, p.streaming},
		{TierSingleShot, p.singleShot},
	}
	var errs []error
	for i := 0; i < len(tiers); i++ {
		t := tiers[i]
		res, err := t.run(ctx, req, def, job)
		if err == nil {
			res.Tier = t.tier
			res.Responder = def.ID
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		errs = append(errs, fmt.Errorf("%s: %w", t.tier, err))
		if req.CacheHandle != "" {
			// The context may be gone at the backend; retry this tier once
			// with the full instructions inline.
			p.logger.Warn("cached call failed, retrying without context cache",
				"tier", t.tier,
				"responder", def.ID,
				"handle", req.CacheHandle,
				"error", err,
			)
			req = buildRequest(def, cache.Binding{Model: b.Model, Instructions: def.Instructions}, job)
			i--
			continue
		}
		if i < len(tiers)-1 {
			p.logger.Warn("response tier failed, demoting",
				"tier", t.tier,
				"next_tier", tiers[i+1].tier,
				"responder", def.ID,
				"error", err,
			)
		}
	}
	p.logger.Error("all response tiers failed", "responder", def.ID, "error", errors.Join(errs...))
	return nil, fmt.Errorf("%w: %w", ErrAllTiersFailed, errors.Join(errs...))
}

func buildRequest(def responder.Definition, b cache.Binding, job *Job) *llm.Request {
	var sys strings.Builder
	sys.WriteString(b.Instructions)
	if def.ID == responder.Coordinator {
		if job.LessonStart {
			sys.WriteString("\n\nTask: open the lesson.")
		} else {
			sys.WriteString("\n\nTask: teach directly; no specialist covers this input.")
		}
		sys.WriteString(responder.ReplyContract)
	}
	if l := job.Lesson; l != nil {
		fmt.Fprintf(&sys, "\n\nLesson: %s\nSubject: %s", l.Title, l.Subject)
		if l.Grade != "" {
			fmt.Fprintf(&sys, " (grade %s)", l.Grade)
		}
		fmt.Fprintf(&sys, "\nObjective: %s", l.Objective)
	}
	if job.LearnerName != "" {
		fmt.Fprintf(&sys, "\nLearner: %s", job.LearnerName)
	}
	if job.Directives != "" {
		sys.WriteString("\n\n")
		sys.WriteString(job.Directives)
	}

	var msgs []llm.Message
	for _, h := range job.History {
		if h.LearnerMessage != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Parts: []llm.Part{{Text: h.LearnerMessage}}})
		}
		if h.ResponderMessage != "" {
			msgs = append(msgs, llm.Message{Role: llm.RoleModel, Parts: []llm.Part{{Text: h.ResponderMessage}}})
		}
	}
	if job.LessonStart {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Parts: []llm.Part{{Text: "Please open the lesson."}}})
	} else {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Parts: job.Input})
	}

	return &llm.Request{
		Model:       b.Model,
		System:      sys.String(),
		CacheHandle: b.Handle,
		Messages:    msgs,
		SchemaName:  "tutor_reply",
		Schema:      replySchema,
		Effort:      def.Effort,
		Grounding:   def.Grounding,
	}
}

func decodeReply(text string) (Reply, error) {
	var r Reply
	if err := llm.DecodeJSON(text, &r); err != nil {
		return Reply{}, err
	}
	r.SpokenText = strings.TrimSpace(r.SpokenText)
	if r.SpokenText == "" {
		return Reply{}, fmt.Errorf("reply has no spoken text: %w", llm.ErrEmptyResponse)
	}
	r.DisplayText = strings.TrimSpace(r.DisplayText)
	if r.DisplayText == "" {
		r.DisplayText = r.SpokenText
	}
	r.Diagram = strings.TrimSpace(r.Diagram)
	return r, nil
}

// progressive synthesizes the first sentence of spokenText as soon as it is
// complete in the stream, and the remainder once the stream ends.
func (p *Pipeline) progressive(ctx context.Context, req *llm.Request, def responder.Definition, job *Job) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)

	var (
		buf        strings.Builder
		first      string
		firstAudio []byte
		firstErr   error
		started    bool
		firstDone  = make(chan struct{})
	)
	defer func() {
		cancel()
		if started {
			<-firstDone
		}
	}()

	for delta, err := range p.gen.Stream(ctx, req) {
		if err != nil {
			return nil, err
		}
		buf.WriteString(delta)
		if started {
			continue
		}
		partial, ok := partialStringField(buf.String(), "spokenText")
		if !ok {
			continue
		}
		if i := speech.SentenceEnd(partial); i > 0 {
			first = strings.TrimSpace(partial[:i])
			started = true
			p.logger.Debug("first sentence detected", "responder", def.ID, "runes", len([]rune(first)))
			go func(sentence string) {
				defer close(firstDone)
				firstAudio, firstErr = speech.SynthesizeChunked(ctx, p.synth, sentence, def.Voice)
				if firstErr == nil && job.OnFirstAudio != nil {
					job.OnFirstAudio(sentence, firstAudio)
				}
			}(first)
		}
	}

	reply, err := decodeReply(buf.String())
	if err != nil {
		return nil, err
	}
	if !started {
		audio, err := speech.SynthesizeChunked(ctx, p.synth, reply.SpokenText, def.Voice)
		if err != nil {
			return nil, fmt.Errorf("synthesize reply: %w", err)
		}
		return &Result{Reply: reply, Audio: audio}, nil
	}

	if !strings.HasPrefix(reply.SpokenText, first) {
		// The decoded text diverged from what was streamed; the early audio
		// cannot be reused.
		p.logger.Warn("first sentence does not match final reply, resynthesizing", "responder", def.ID)
		<-firstDone
		audio, err := speech.SynthesizeChunked(ctx, p.synth, reply.SpokenText, def.Voice)
		if err != nil {
			return nil, fmt.Errorf("synthesize reply: %w", err)
		}
		return &Result{Reply: reply, Audio: audio}, nil
	}

	var restAudio []byte
	if rest := strings.TrimSpace(reply.SpokenText[len(first):]); rest != "" {
		restAudio, err = speech.SynthesizeChunked(ctx, p.synth, rest, def.Voice)
		if err != nil {
			return nil, fmt.Errorf("synthesize remainder: %w", err)
		}
	}
	<-firstDone
	if firstErr != nil {
		return nil, fmt.Errorf("synthesize first sentence: %w", firstErr)
	}

	audio := make([]byte, 0, len(firstAudio)+len(restAudio))
	audio = append(audio, firstAudio...)
	audio = append(audio, restAudio...)
	return &Result{Reply: reply, Audio: audio}, nil
}

// streaming drains the stream and synthesizes the whole reply afterwards.
func (p *Pipeline) streaming(ctx context.Context, req *llm.Request, def responder.Definition, _ *Job) (*Result, error) {
	var buf strings.Builder
	for delta, err := range p.gen.Stream(ctx, req) {
		if err != nil {
			return nil, err
		}
		buf.WriteString(delta)
	}
	reply, err := decodeReply(buf.String())
	if err != nil {
		return nil, err
	}
	audio, err := speech.SynthesizeChunked(ctx, p.synth, reply.SpokenText, def.Voice)
	if err != nil {
		return nil, fmt.Errorf("synthesize reply: %w", err)
	}
	return &Result{Reply: reply, Audio: audio}, nil
}

// singleShot makes one non-streaming call. As the last resort it returns the
// reply without audio when synthesis fails.
func (p *Pipeline) singleShot(ctx context.Context, req *llm.Request, def responder.Definition, _ *Job) (*Result, error) {
	text, err := p.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	reply, err := decodeReply(text)
	if err != nil {
		return nil, err
	}
	audio, err := speech.SynthesizeChunked(ctx, p.synth, reply.SpokenText, def.Voice)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.logger.Warn("speech synthesis failed, replying without audio", "responder", def.ID, "error", err)
		audio = nil
	}
	return &Result{Reply: reply, Audio: audio}, nil
}
