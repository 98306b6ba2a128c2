package llm

import (
	"strings"
	"unicode"
)

// Sentiment labels attached to generated replies.
const (
	SentimentPositive = "positive"
	SentimentNegative = "negative"
	SentimentNeutral  = "neutral"
)

var positiveWords = map[string]struct{}{
	"glad": {}, "happy": {}, "great": {}, "wonderful": {}, "love": {}, "excited": {},
	"delighted": {}, "thanks": {}, "thank": {}, "awesome": {}, "excellent": {}, "enjoy": {},
	"welcome": {}, "pleased": {}, "fantastic": {}, "hello": {}, "hi": {},
}

var negativeWords = map[string]struct{}{
	"sorry": {}, "sad": {}, "unfortunately": {}, "angry": {}, "upset": {}, "terrible": {},
	"worried": {}, "afraid": {}, "hate": {}, "awful": {}, "difficult": {}, "frustrated": {},
	"apologize": {}, "unable": {},
}

// ClassifySentiment labels text by counting positive and negative keywords.
func ClassifySentiment(text string) string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})

	score := 0
	for _, w := range words {
		if _, ok := positiveWords[w]; ok {
			score++
		}
		if _, ok := negativeWords[w]; ok {
			score--
		}
	}

	switch {
	case score > 0:
		return SentimentPositive
	case score < 0:
		return SentimentNegative
	default:
		return SentimentNeutral
	}
}
