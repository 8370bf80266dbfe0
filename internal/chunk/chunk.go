// Package chunk splits raw input text into ordered, speaker-tagged turns.
package chunk

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
)

// DefaultSpeaker labels turns that appear before any explicit speaker tag.
const DefaultSpeaker = "Speaker"

// speakerRe captures a leading "<speaker>: " prefix. Word and accented
// characters only, and the colon must be followed by whitespace so that
// URLs and timestamps are not mistaken for labels.
var speakerRe = regexp.MustCompile(`^([\p{L}\p{M}\p{N}_][\p{L}\p{M}\p{N}_'. -]{0,62}):\s+`)

// punctRe is the fallback sentence splitter: runs of text ending at
// sentence punctuation (including CJK full stops).
var punctRe = regexp.MustCompile(`[^.!?。！？]+[.!?。！？]*\s*`)

// CountFunc returns the token count for a piece of text.
type CountFunc func(text string) int

// Splitter turns raw text into speaker-tagged turns, subdividing any turn
// whose token count exceeds the configured threshold.
type Splitter struct {
	threshold int
	count     CountFunc
	sentTok   sentences.SentenceTokenizer
}

// NewSplitter builds a Splitter. Turns longer than threshold tokens are
// re-split on sentence boundaries. The sentence tokenizer ships its own
// training data; if constructing it fails we degrade to a punctuation
// split rather than refuse to chunk.
func NewSplitter(threshold int, count CountFunc) *Splitter {
	s := &Splitter{threshold: threshold, count: count}
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		slog.Warn("sentence tokenizer unavailable, falling back to punctuation split", "error", err)
	} else {
		s.sentTok = tok
	}
	return s
}

// Split chunks text into ordered turns. A leading "<speaker>: " label is
// captured and propagated onto subsequent unlabelled lines until a new label
// appears; blank lines are dropped. Stateless over the whole input.
func (s *Splitter) Split(text string) []string {
	speaker := DefaultSpeaker
	var turns []string

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if m := speakerRe.FindStringSubmatch(line); m != nil {
			speaker = strings.TrimSpace(m[1])
			line = strings.TrimSpace(line[len(m[0]):])
			if line == "" {
				// A bare label line only switches the speaker.
				continue
			}
		}

		turn := speaker + ": " + line
		if s.count(turn) > s.threshold {
			turns = append(turns, s.splitLongTurn(speaker, line)...)
		} else {
			turns = append(turns, turn)
		}
	}
	return turns
}

// splitLongTurn breaks an over-threshold line on sentence boundaries and
// greedily re-packs the sentences into sub-turns, each re-prefixed with the
// speaker tag. A lone sentence that alone exceeds the threshold is still
// emitted as its own turn.
func (s *Splitter) splitLongTurn(speaker, line string) []string {
	prefix := speaker + ": "
	prefixTokens := s.count(prefix)

	var turns []string
	var cur []string
	curTokens := prefixTokens

	for _, sent := range s.sentences(line) {
		t := s.count(sent)
		if len(cur) > 0 && curTokens+t > s.threshold {
			turns = append(turns, prefix+strings.Join(cur, " "))
			cur = nil
			curTokens = prefixTokens
		}
		cur = append(cur, sent)
		curTokens += t
	}
	if len(cur) > 0 {
		turns = append(turns, prefix+strings.Join(cur, " "))
	}
	return turns
}

// sentences splits text into sentences, preferring the trained tokenizer.
func (s *Splitter) sentences(text string) []string {
	if s.sentTok != nil {
		raw := s.sentTok.Tokenize(text)
		out := make([]string, 0, len(raw))
		for _, sent := range raw {
			if t := strings.TrimSpace(sent.Text); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return splitByPunct(text)
}

// splitByPunct is the degraded sentence splitter used when the trained
// tokenizer could not be constructed.
func splitByPunct(text string) []string {
	raw := punctRe.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if t := strings.TrimSpace(r); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 && strings.TrimSpace(text) != "" {
		out = append(out, strings.TrimSpace(text))
	}
	return out
}

// SpeakerOf returns the speaker tag of a turn, or DefaultSpeaker when the
// turn carries no recognizable prefix.
func SpeakerOf(turn string) (speaker, rest string) {
	if i := strings.Index(turn, ": "); i > 0 {
		return turn[:i], turn[i+2:]
	}
	return DefaultSpeaker, turn
}

// Consolidate merges consecutive same-speaker turns while the merged turn
// stays within maxTokens. It is the inverse of Split's subdivision, used to
// compress short exchanges before final formatting.
func Consolidate(turns []string, maxTokens int, count CountFunc) []string {
	if len(turns) == 0 {
		return nil
	}

	out := make([]string, 0, len(turns))
	curSpeaker, curText := SpeakerOf(turns[0])

	flush := func() {
		out = append(out, curSpeaker+": "+curText)
	}

	for _, turn := range turns[1:] {
		speaker, rest := SpeakerOf(turn)
		if speaker == curSpeaker {
			merged := curText + " " + rest
			if count(curSpeaker+": "+merged) <= maxTokens {
				curText = merged
				continue
			}
		}
		flush()
		curSpeaker, curText = speaker, rest
	}
	flush()
	return out
}
