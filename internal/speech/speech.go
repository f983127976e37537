// Package speech synthesizes responder replies into audio.
package speech

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

// Synthesizer turns text into an audio payload in a single voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}

// maxChunkRunes bounds the text sent in one synthesis request.
const maxChunkRunes = 400

// maxParallelChunks bounds concurrent synthesis requests for one reply.
const maxParallelChunks = 4

// SynthesizeChunked splits text into sentence-aligned chunks, synthesizes them
// in parallel and concatenates the audio in order.
func SynthesizeChunked(ctx context.Context, s Synthesizer, text, voice string) ([]byte, error) {
	chunks := Chunk(text, maxChunkRunes)
	switch len(chunks) {
	case 0:
		return nil, nil
	case 1:
		return s.Synthesize(ctx, chunks[0], voice)
	}

	out := make([][]byte, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelChunks)
	for i, c := range chunks {
		g.Go(func() error {
			audio, err := s.Synthesize(gctx, c, voice)
			if err != nil {
				return fmt.Errorf("synthesize chunk %d: %w", i, err)
			}
			out[i] = audio
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return bytes.Join(out, nil), nil
}

// Chunk splits text at sentence boundaries into pieces of at most maxRunes
// runes. A single sentence longer than maxRunes is split at whitespace.
func Chunk(text string, maxRunes int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	rest := strings.TrimSpace(text)
	for rest != "" {
		sentence := rest
		if i := SentenceEnd(rest); i > 0 {
			sentence, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		if utf8.RuneCountInString(cur.String())+utf8.RuneCountInString(sentence) > maxRunes {
			flush()
		}
		for utf8.RuneCountInString(sentence) > maxRunes {
			head, tail := splitAtSpace(sentence, maxRunes)
			cur.WriteString(head)
			flush()
			sentence = tail
		}
		cur.WriteString(sentence)
	}
	flush()
	return chunks
}

func splitAtSpace(s string, maxRunes int) (string, string) {
	cut := len(s)
	n := 0
	for i := range s {
		if n == maxRunes {
			cut = i
			break
		}
		n++
	}
	if j := strings.LastIndexFunc(s[:cut], unicode.IsSpace); j > 0 {
		cut = j
	}
	return s[:cut], s[cut:]
}

// SentenceEnd returns the byte offset just past the first complete sentence
// in s, or 0 if s holds no complete sentence yet. A sentence is complete when
// its terminator is followed by whitespace; decimals such as 9.9 and times
// such as 10:15 do not end a sentence.
func SentenceEnd(s string) int {
	for i, r := range s {
		// Invalid bytes range as RuneError but span one byte.
		_, size := utf8.DecodeRuneInString(s[i:])
		off := i + size
		switch r {
		case '。', '？', '！':
			return off
		case '.', '?', '!', '…':
		default:
			continue
		}
		if off == len(s) {
			// Need the next rune to know whether this ends the sentence.
			return 0
		}
		prev := '0'
		if i > 0 {
			prev, _ = utf8.DecodeLastRuneInString(s[:i])
		}
		next, _ := utf8.DecodeRuneInString(s[off:])
		if r == '.' && unicode.IsNumber(prev) && unicode.IsNumber(next) {
			continue
		}
		if unicode.IsSpace(next) {
			if r == '.' && isAbbreviation(s[:i]) {
				continue
			}
			return off
		}
	}
	return 0
}

var abbreviations = []string{"mr", "mrs", "ms", "dr", "st", "e.g", "i.e", "vs", "etc"}

func isAbbreviation(before string) bool {
	word := before
	if j := strings.LastIndexFunc(before, unicode.IsSpace); j >= 0 {
		_, size := utf8.DecodeRuneInString(before[j:])
		word = before[j+size:]
	}
	word = strings.ToLower(word)
	for _, a := range abbreviations {
		if word == a {
			return true
		}
	}
	return false
}
