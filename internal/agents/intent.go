// ABOUTME: Rule-based intent agent answering TASK_RECOGNIZE_INTENT
// ABOUTME: Phrase, regexp, then keyword scoring, plus entity extraction

package agents

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/2389/coven-concierge/internal/events"
)

// Intents recognized by RuleIntent.
const (
	IntentTrackOrder     = "track_order"
	IntentProcessReturn  = "process_return"
	IntentAccountIssues  = "account_issues"
	IntentGeneralInquiry = "general_inquiry"
)

// IntentResult is the outcome of classifying one message.
type IntentResult struct {
	Intent     string
	Confidence float64
	Entities   map[string]any
}

// IntentClassifier maps a message to an intent.
type IntentClassifier interface {
	Classify(ctx context.Context, text string, history []string) (IntentResult, error)
}

type intentKeywords struct {
	primary   []string
	secondary []string
	entities  []string
}

// intentOrder fixes iteration order; ties go to the earlier intent.
var intentOrder = []string{IntentTrackOrder, IntentProcessReturn, IntentAccountIssues}

var intentPhrases = map[string][]string{
	IntentTrackOrder: {
		"where is my order", "track my order", "order status", "shipping status",
		"when will it arrive", "has it shipped", "tracking number", "delivery date",
	},
	IntentProcessReturn: {
		"want to return", "need to return", "return this", "get a refund",
		"send it back", "not satisfied", "wrong item", "defective",
	},
	IntentAccountIssues: {
		"can't log in", "cannot log in", "forgot password", "reset password",
		"update email", "change password", "account locked", "can't access",
	},
}

var intentPatterns = map[string][]*regexp.Regexp{
	IntentTrackOrder: {
		regexp.MustCompile(`\bwhere\s+(is|are)\s+(my|the)?\s*(order|package|shipment)`),
		regexp.MustCompile(`\bwhen\s+will\s+(it|my\s+order|the\s+package)\s+(arrive|come|ship)`),
		regexp.MustCompile(`\b(has|did)\s+(it|my\s+order)\s+ship`),
	},
	IntentProcessReturn: {
		regexp.MustCompile(`\b(want|need|would\s+like)\s+to\s+return`),
		regexp.MustCompile(`\bhow\s+(do\s+i|can\s+i|to)\s+return`),
		regexp.MustCompile(`\bcan\s+i\s+(get|have)\s+a\s+refund`),
	},
	IntentAccountIssues: {
		regexp.MustCompile(`\bcan'?t\s+(log\s+in|access|sign\s+in)`),
		regexp.MustCompile(`\b(forgot|lost|reset)\s+(my\s+)?password`),
		regexp.MustCompile(`\bhow\s+(do\s+i|can\s+i|to)\s+(change|update|reset)\s+(my\s+)?(password|email)`),
	},
}

var intentKeywordTable = map[string]intentKeywords{
	IntentTrackOrder: {
		primary:   []string{"track", "tracking", "shipped", "shipping", "delivery", "deliver"},
		secondary: []string{"where is", "status", "arrive", "arriving", "eta", "when will"},
		entities:  []string{"order", "package", "shipment"},
	},
	IntentProcessReturn: {
		primary:   []string{"return", "refund", "exchange", "replace", "send back", "take back"},
		secondary: []string{"give back", "money back"},
		entities:  []string{"item", "product", "purchase"},
	},
	IntentAccountIssues: {
		primary:   []string{"account", "login", "password", "sign in", "log in"},
		secondary: []string{"email", "profile", "username", "change", "update", "reset"},
		entities:  []string{"credentials", "access", "settings"},
	},
}

var (
	orderIDPattern = regexp.MustCompile(`(?i)\b(order|#)\s*[:#]?\s*([A-Z0-9-]{5,})\b`)
	emailPattern   = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)
	products       = []string{"laptop", "phone", "tablet", "watch", "shirt", "shoes", "dress"}
)

// RuleIntent is a keyword and pattern based IntentClassifier.
type RuleIntent struct{}

// Classify implements IntentClassifier. History is not used by the rules.
func (RuleIntent) Classify(_ context.Context, text string, _ []string) (IntentResult, error) {
	lower := strings.ToLower(text)

	// Exact phrases are the strongest signal.
	phraseHits := make(map[string]float64)
	for intent, phrases := range intentPhrases {
		phraseHits[intent] = float64(countContained(lower, phrases))
	}
	if best, n := bestIntent(phraseHits); n > 0 {
		return IntentResult{
			Intent:     best,
			Confidence: min(0.85+n*0.05, 0.98),
			Entities:   extractEntities(text, best),
		}, nil
	}

	patternHits := make(map[string]float64)
	for intent, patterns := range intentPatterns {
		for _, re := range patterns {
			if re.MatchString(lower) {
				patternHits[intent]++
			}
		}
	}
	if best, n := bestIntent(patternHits); n > 0 {
		return IntentResult{
			Intent:     best,
			Confidence: min(0.80+n*0.05, 0.95),
			Entities:   extractEntities(text, best),
		}, nil
	}

	scores := make(map[string]float64)
	for intent, kw := range intentKeywordTable {
		scores[intent] = 2*float64(countContained(lower, kw.primary)) +
			float64(countContained(lower, kw.secondary)) +
			0.5*float64(countContained(lower, kw.entities))
	}
	if best, score := bestIntent(scores); score > 0 {
		var conf float64
		switch {
		case score >= 3:
			conf = min(0.75+(score-3)*0.05, 0.92)
		case score >= 2:
			conf = 0.70
		default:
			conf = 0.65
		}
		return IntentResult{
			Intent:     best,
			Confidence: conf,
			Entities:   extractEntities(text, best),
		}, nil
	}

	return IntentResult{
		Intent:     IntentGeneralInquiry,
		Confidence: 0.60,
		Entities:   map[string]any{},
	}, nil
}

// bestIntent returns the highest scoring intent, preferring earlier intents
// on ties.
func bestIntent(scores map[string]float64) (string, float64) {
	var best string
	var top float64
	for _, intent := range intentOrder {
		if s := scores[intent]; s > top {
			best, top = intent, s
		}
	}
	return best, top
}

// extractEntities pulls order ids, emails and intent-specific details out
// of the original text.
func extractEntities(text, intent string) map[string]any {
	lower := strings.ToLower(text)
	entities := map[string]any{"action": intent}

	// Require a digit so words like "status" in "order status" are skipped.
	for _, m := range orderIDPattern.FindAllStringSubmatch(text, -1) {
		if strings.ContainsAny(m[2], "0123456789") {
			entities["order_id"] = strings.ToUpper(m[2])
			break
		}
	}
	if email := emailPattern.FindString(text); email != "" {
		entities["email"] = email
	}

	switch intent {
	case IntentProcessReturn:
		for _, p := range products {
			if strings.Contains(lower, p) {
				entities["product"] = p
				break
			}
		}
	case IntentAccountIssues:
		switch {
		case strings.Contains(lower, "password"):
			entities["issue_type"] = "password"
		case strings.Contains(lower, "email"):
			entities["issue_type"] = "email"
		case strings.Contains(lower, "login"), strings.Contains(lower, "log in"), strings.Contains(lower, "sign in"):
			entities["issue_type"] = "login"
		}
	}
	return entities
}

// IntentAgent answers TASK_RECOGNIZE_INTENT.
type IntentAgent struct {
	subscriptions
	classifier IntentClassifier
	logger     *slog.Logger

	mu       sync.Mutex
	byIntent map[string]uint64
}

// NewIntentAgent creates an intent agent. A nil classifier uses RuleIntent.
// Pass nil logger for default.
func NewIntentAgent(b EventBus, classifier IntentClassifier, logger *slog.Logger) *IntentAgent {
	if classifier == nil {
		classifier = RuleIntent{}
	}
	return &IntentAgent{
		subscriptions: subscriptions{bus: b, name: NameIntent},
		classifier:    classifier,
		logger:        loggerOrDefault(logger).With("component", "intent_agent"),
		byIntent:      make(map[string]uint64),
	}
}

// Start subscribes to TASK_RECOGNIZE_INTENT.
func (a *IntentAgent) Start() {
	a.start([]events.Topic{events.TopicRecognizeIntent}, a.handle)
}

// Stop unsubscribes.
func (a *IntentAgent) Stop() { a.stop() }

// Stats returns how many messages were classified as each intent.
func (a *IntentAgent) Stats() map[string]uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]uint64, len(a.byIntent))
	for k, v := range a.byIntent {
		out[k] = v
	}
	return out
}

func (a *IntentAgent) handle(ctx context.Context, ev events.Event) error {
	task, ok := ev.Payload.(events.RecognizeIntent)
	if !ok {
		return fmt.Errorf("%w: %T on %s", events.ErrInvalidPayload, ev.Payload, ev.Topic)
	}

	res, err := a.classifier.Classify(ctx, task.Text, task.History)
	if err == nil && res.Intent == "" {
		err = fmt.Errorf("classifier returned no intent")
	}
	if err != nil {
		reportError(ctx, a.bus, a.logger, task.SessionID, NameIntent, ev.Topic, err)
		return nil
	}

	a.mu.Lock()
	a.byIntent[res.Intent]++
	a.mu.Unlock()

	a.logger.Debug("intent recognized",
		"session_id", task.SessionID,
		"seq", task.Seq,
		"intent", res.Intent,
		"confidence", res.Confidence)

	_, err = a.bus.Publish(ctx, events.TopicIntentRecognized, task.SessionID, events.IntentRecognized{
		SessionID:  task.SessionID,
		Intent:     res.Intent,
		Confidence: res.Confidence,
		Entities:   res.Entities,
		Seq:        task.Seq,
	})
	return err
}
