package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

var dummyQuotes = []string{
	"事実は小説よりも奇なり。（バイロン）",
	"明日は明日の風が吹く。（マーガレット・ミッチェル）",
	"求めよ、さらば与えられん。（マタイによる福音書）",
}

// Dummy answers with canned replies after a fixed delay. Used for local runs.
type Dummy struct {
	delay   time.Duration
	replies []string
}

// NewDummy creates a Dummy gateway that sleeps for delay before answering
// with one of replies, or a built-in quotation when none are given.
func NewDummy(delay time.Duration, replies ...string) *Dummy {
	if len(replies) == 0 {
		replies = dummyQuotes
	}
	return &Dummy{delay: delay, replies: replies}
}

// Generate implements Generator.
func (d *Dummy) Generate(ctx context.Context, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", ErrEmptyContext
	}
	if d.delay > 0 {
		select {
		case <-time.After(d.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return d.replies[rand.IntN(len(d.replies))], nil
}
