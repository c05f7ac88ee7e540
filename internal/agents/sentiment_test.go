// ABOUTME: Tests for the rule-based sentiment analyzer and the sentiment agent
// ABOUTME: Covers each label, negation, boosts, Seq echo, and error reporting

package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-concierge/internal/bus"
	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

func TestRuleSentiment(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		want       session.Sentiment
		confidence float64
	}{
		{"plain request is neutral", "I want to return my laptop", session.SentimentNeutral, 0.88},
		{"angry keywords with emphasis cap out", "This is terrible! I am so angry about this product!", session.SentimentAngry, 0.98},
		{"two positive keywords", "Thank you so much, you've been very helpful!", session.SentimentPositive, 0.80},
		{"negation flips a single negative", "This product is not bad at all", session.SentimentPositive, 0.70},
		{"two negative keywords", "I am disappointed and upset with this", session.SentimentNegative, 0.75},
		{"single negative keyword", "The app is broken", session.SentimentNegative, 0.65},
		{"single positive keyword", "This is great", session.SentimentPositive, 0.70},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := RuleSentiment{}.Analyze(context.Background(), tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Sentiment)
			assert.InDelta(t, tt.confidence, res.Confidence, 1e-9)
		})
	}
}

func TestRuleSentiment_EmphasisBoostsAnger(t *testing.T) {
	calm, _ := RuleSentiment{}.Analyze(context.Background(), "this is a scam")
	loud, _ := RuleSentiment{}.Analyze(context.Background(), "THIS IS A SCAM!!!")

	assert.Equal(t, session.SentimentAngry, calm.Sentiment)
	assert.InDelta(t, 0.85, calm.Confidence, 1e-9)
	assert.Greater(t, loud.Confidence, calm.Confidence)
	assert.LessOrEqual(t, loud.Confidence, 0.98)
}

func TestRuleSentiment_Details(t *testing.T) {
	res, _ := RuleSentiment{}.Analyze(context.Background(), "I really don't love this")

	assert.Equal(t, true, res.Details["has_intensifier"])
	assert.Equal(t, true, res.Details["has_negation"])
	assert.Equal(t, 1, res.Details["negative_keywords"], "negation moved the positive hit")
	assert.Equal(t, session.SentimentNegative, res.Sentiment)
}

func TestSentimentAgent_EchoesSeq(t *testing.T) {
	b := bus.New(nil)
	agent := NewSentimentAgent(b, nil, nil)
	agent.Start()
	defer agent.Stop()
	rec := record(b, events.TopicSentimentRecognized)

	publish(t, b, events.TopicRecognizeSentiment, events.RecognizeSentiment{
		SessionID: "s1", Text: "This is great", Seq: 7,
	})

	results := rec.on(events.TopicSentimentRecognized)
	require.Len(t, results, 1)
	res := results[0].Payload.(events.SentimentRecognized)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, uint64(7), res.Seq)
	assert.Equal(t, session.SentimentPositive, res.Sentiment)
	assert.Equal(t, uint64(1), agent.Stats()[session.SentimentPositive])
}

type failingAnalyzer struct{}

func (failingAnalyzer) Analyze(context.Context, string) (SentimentResult, error) {
	return SentimentResult{}, errors.New("model unavailable")
}

func TestSentimentAgent_ReportsErrors(t *testing.T) {
	b := bus.New(nil)
	agent := NewSentimentAgent(b, failingAnalyzer{}, nil)
	agent.Start()
	defer agent.Stop()
	rec := record(b, events.TopicSentimentRecognized, events.TopicAgentError)

	publish(t, b, events.TopicRecognizeSentiment, events.RecognizeSentiment{SessionID: "s1", Text: "hi", Seq: 1})

	assert.Empty(t, rec.on(events.TopicSentimentRecognized))
	errs := rec.on(events.TopicAgentError)
	require.Len(t, errs, 1)
	p := errs[0].Payload.(events.AgentError)
	assert.Equal(t, NameSentiment, p.Agent)
	assert.Equal(t, string(events.TopicRecognizeSentiment), p.Task)
	assert.Equal(t, "model unavailable", p.Error)
	assert.Zero(t, b.Stats().DeliveryErrors)
}
