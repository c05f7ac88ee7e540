// ABOUTME: Rule-based sentiment agent answering TASK_RECOGNIZE_SENTIMENT
// ABOUTME: Keyword lists, intensifiers, negation swap, and an emphasis boost

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/2389/coven-concierge/internal/events"
	"github.com/2389/coven-concierge/internal/session"
)

// SentimentResult is the outcome of analyzing one message.
type SentimentResult struct {
	Sentiment  session.Sentiment
	Confidence float64
	Details    map[string]any
}

// SentimentAnalyzer classifies the emotional tone of a message.
type SentimentAnalyzer interface {
	Analyze(ctx context.Context, text string) (SentimentResult, error)
}

var (
	angryKeywords = []string{
		"angry", "furious", "outraged", "livid", "enraged",
		"hate", "terrible", "worst", "awful", "horrible",
		"disgusting", "unacceptable", "ridiculous", "pathetic",
		"scam", "fraud", "steal", "rip off", "ripped off",
	}
	negativeKeywords = []string{
		"bad", "poor", "disappointed", "unhappy", "frustrated",
		"upset", "annoyed", "dissatisfied", "unsatisfied",
		"problem", "issue", "complaint", "wrong", "broken",
		"not working", "doesn't work", "failed",
	}
	positiveKeywords = []string{
		"great", "excellent", "amazing", "wonderful", "fantastic",
		"love", "perfect", "awesome", "brilliant", "thank",
		"appreciate", "helpful", "satisfied", "happy",
	}
	intensifiers = []string{"very", "extremely", "really", "so", "absolutely", "totally"}
	negations    = []string{"not", "no", "never", "neither", "nobody", "nothing", "don't", "doesn't", "didn't"}

	wordPattern = regexp.MustCompile(`[\w']+`)
)

// RuleSentiment is a keyword-based SentimentAnalyzer.
type RuleSentiment struct{}

// Analyze implements SentimentAnalyzer. It never fails.
func (RuleSentiment) Analyze(_ context.Context, text string) (SentimentResult, error) {
	lower := strings.ToLower(text)
	words := make(map[string]bool)
	for _, w := range wordPattern.FindAllString(lower, -1) {
		words[w] = true
	}

	angry := countContained(lower, angryKeywords)
	negative := countContained(lower, negativeKeywords)
	positive := countContained(lower, positiveKeywords)

	hasIntensifier := anyWord(words, intensifiers)
	intensifierBoost := 0.0
	if hasIntensifier {
		intensifierBoost = 0.05
	}

	// A negation flips the polarity of the positive and negative matches.
	hasNegation := anyWord(words, negations)
	if hasNegation {
		positive, negative = negative, positive
	}

	emotionBoost := emphasis(text)

	var res SentimentResult
	switch {
	case angry >= 1:
		res.Sentiment = session.SentimentAngry
		res.Confidence = min(0.85+float64(angry-1)*0.05+emotionBoost+intensifierBoost, 0.98)
	case negative >= 2:
		res.Sentiment = session.SentimentNegative
		res.Confidence = min(0.75+float64(negative-2)*0.05+intensifierBoost, 0.92)
	case positive >= 2:
		res.Sentiment = session.SentimentPositive
		res.Confidence = min(0.80+float64(positive-2)*0.05, 0.95)
	case negative == 1:
		res.Sentiment = session.SentimentNegative
		res.Confidence = 0.65
	case positive == 1:
		res.Sentiment = session.SentimentPositive
		res.Confidence = 0.70
	default:
		res.Sentiment = session.SentimentNeutral
		res.Confidence = 0.88
	}

	res.Details = map[string]any{
		"angry_keywords":    angry,
		"negative_keywords": negative,
		"positive_keywords": positive,
		"has_intensifier":   hasIntensifier,
		"has_negation":      hasNegation,
		"emotion_boost":     emotionBoost,
	}
	return res, nil
}

// emphasis scores exclamation marks and capital letters, capped at 0.15.
func emphasis(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	upper := 0
	for _, r := range runes {
		if unicode.IsUpper(r) {
			upper++
		}
	}
	exclamations := strings.Count(text, "!")
	capsRatio := float64(upper) / float64(len(runes))
	return min(float64(exclamations)*0.02+capsRatio*0.1, 0.15)
}

func countContained(text string, keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
		}
	}
	return n
}

func anyWord(words map[string]bool, list []string) bool {
	for _, w := range list {
		if words[w] {
			return true
		}
	}
	return false
}

// SentimentAgent answers TASK_RECOGNIZE_SENTIMENT.
type SentimentAgent struct {
	subscriptions
	analyzer SentimentAnalyzer
	logger   *slog.Logger

	mu      sync.Mutex
	byLabel map[session.Sentiment]uint64
}

// NewSentimentAgent creates a sentiment agent. A nil analyzer uses
// RuleSentiment. Pass nil logger for default.
func NewSentimentAgent(b EventBus, analyzer SentimentAnalyzer, logger *slog.Logger) *SentimentAgent {
	if analyzer == nil {
		analyzer = RuleSentiment{}
	}
	return &SentimentAgent{
		subscriptions: subscriptions{bus: b, name: NameSentiment},
		analyzer:      analyzer,
		logger:        loggerOrDefault(logger).With("component", "sentiment_agent"),
		byLabel:       make(map[session.Sentiment]uint64),
	}
}

// Start subscribes to TASK_RECOGNIZE_SENTIMENT.
func (a *SentimentAgent) Start() {
	a.start([]events.Topic{events.TopicRecognizeSentiment}, a.handle)
}

// Stop unsubscribes.
func (a *SentimentAgent) Stop() { a.stop() }

// Stats returns how many messages received each label.
func (a *SentimentAgent) Stats() map[session.Sentiment]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[session.Sentiment]uint64, len(a.byLabel))
	for k, v := range a.byLabel {
		out[k] = v
	}
	return out
}

func (a *SentimentAgent) handle(ctx context.Context, ev events.Event) error {
	task, ok := ev.Payload.(events.RecognizeSentiment)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	res, err := a.analyzer.Analyze(ctx, task.Text)
	if err == nil && !res.Sentiment.Valid() {
		err = fmt.Errorf("analyzer returned unknown sentiment %q", res.Sentiment)
	}
	if err != nil {
		reportError(ctx, a.bus, a.logger, task.SessionID, NameSentiment, ev.Topic, err)
		return nil
	}

	a.mu.Lock()
	a.byLabel[res.Sentiment]++
	a.mu.Unlock()

	a.logger.Debug("sentiment recognized",
		"session_id", task.SessionID,
		"seq", task.Seq,
		"sentiment", res.Sentiment,
		"confidence", res.Confidence)

	_, err = a.bus.Publish(ctx, events.TopicSentimentRecognized, task.SessionID, events.SentimentRecognized{
		SessionID:  task.SessionID,
		Sentiment:  res.Sentiment,
		Confidence: res.Confidence,
		Seq:        task.Seq,
		Details:    res.Details,
	})
	return err
}
