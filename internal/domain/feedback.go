package domain

import "time"

// SentenceFeedback замечание читателя к конкретному предложению показанного текста.
type SentenceFeedback struct {
	ID            int64
	StoryID       string
	UserID        string
	Version       VariantKey
	SentenceIndex int
	TextSpan      string
	Reason        string
	Comment       string
	CreatedAt     time.Time
}
