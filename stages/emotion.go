package stages

import (
	"context"
	"strings"
	"unicode"

	"github.com/petal-labs/turnflow/core"
)

// Emotion labels produced by the lexicon analyzer.
const (
	EmotionNeutral    = "neutral"
	EmotionPositive   = "positive"
	EmotionNegative   = "negative"
	EmotionConcern    = "concern"
	EmotionEnthusiasm = "enthusiasm"
)

// lexicon maps each label to its cue words. Order breaks ties.
var lexicon = []struct {
	label string
	words map[string]bool
}{
	{EmotionNegative, set("bad", "terrible", "awful", "disappointed", "hate", "annoyed", "angry", "upset", "sad", "unhappy", "worst", "complain")},
	{EmotionConcern, set("worried", "worry", "anxious", "nervous", "afraid", "concerned", "unsure", "hesitant", "problem", "trouble", "irritated", "sensitive")},
	{EmotionEnthusiasm, set("excited", "eager", "can't", "wait", "asap", "immediately", "urgent", "need", "want", "looking")},
	{EmotionPositive, set("love", "like", "great", "good", "perfect", "happy", "glad", "awesome", "wonderful", "amazing", "nice", "thanks")},
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

// EmotionAnalyzer is a lexicon-based emotion classifier.
type EmotionAnalyzer struct{}

// NewEmotionAnalyzer creates the stage.
func NewEmotionAnalyzer() *EmotionAnalyzer {
	return &EmotionAnalyzer{}
}

// Analyze scores text. Score is the share of cue words for the winning
// label; text with no cues is neutral with confidence 0.5.
func (EmotionAnalyzer) Analyze(text string) core.EmotionResult {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return core.EmotionResult{Label: EmotionNeutral, Confidence: 0.5}
	}
	best, bestHits := EmotionNeutral, 0
	for _, entry := range lexicon {
		hits := 0
		for _, tok := range tokens {
			if entry.words[tok] {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = entry.label, hits
		}
	}
	if bestHits == 0 {
		return core.EmotionResult{Label: EmotionNeutral, Confidence: 0.5}
	}
	score := float64(bestHits) / float64(len(tokens))
	return core.EmotionResult{
		Label:      best,
		Score:      score,
		Confidence: min(0.5+score*2, 1.0),
	}
}

func (a EmotionAnalyzer) Execute(ctx context.Context, s *core.ThreadState) (*core.ThreadState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := a.Analyze(s.CustomerInput)
	s.Emotion = &res
	return s, nil
}
