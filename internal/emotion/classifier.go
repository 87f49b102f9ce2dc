package emotion

import "strings"

// Classifier tags a dialog exchange with a coarse emotion label for the
// terminal's expression display.
type Classifier interface {
	Classify(input, response string) string
}

const (
	Neutral = "neutral"
	Happy   = "happy"
	Sad     = "sad"
	Curious = "curious"
)

// KeywordClassifier is the default heuristic: question markers win, then
// positive words, then negative words.
type KeywordClassifier struct{}

func NewKeywordClassifier() KeywordClassifier { return KeywordClassifier{} }

var (
	questionWords = []string{"什么", "怎么", "为什么", "哪里", "谁", "?", "？", "what", "how", "why", "where", "who"}
	positiveWords = []string{"好", "棒", "谢谢", "开心", "高兴", "喜欢", "great", "thanks", "happy", "love"}
	negativeWords = []string{"不", "坏", "错", "生气", "难过", "讨厌", "bad", "wrong", "angry", "hate"}
)

func (KeywordClassifier) Classify(input, response string) string {
	text := strings.ToLower(input + " " + response)
	switch {
	case containsAny(text, questionWords):
		return Curious
	case containsAny(text, positiveWords):
		return Happy
	case containsAny(text, negativeWords):
		return Sad
	default:
		return Neutral
	}
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
