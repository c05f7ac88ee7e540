// ABOUTME: Tests for payload validation and the topic schema registry
// ABOUTME: Covers type mismatches, required fields, and confidence ranges

package events

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/2389/coven-concierge/internal/session"
)

func TestValidate_AcceptsWellFormedPayloads(t *testing.T) {
	cases := []struct {
		topic   Topic
		payload Payload
	}{
		{TopicNewUserMessage, NewUserMessage{SessionID: "s1", Text: "hi"}},
		{TopicRecognizeSentiment, RecognizeSentiment{SessionID: "s1", Text: "hi", Seq: 1}},
		{TopicSentimentRecognized, SentimentRecognized{SessionID: "s1", Sentiment: session.SentimentNeutral, Confidence: 0.9}},
		{TopicIntentRecognized, IntentRecognized{SessionID: "s1", Intent: "track_order", Confidence: 1}},
		{TopicHandleReturns, HandleTask{SessionID: "s1", Snapshot: session.Session{ID: "s1"}}},
		{TopicEscalate, Escalate{SessionID: "s1", Reason: "negative_sentiment"}},
		{TopicSendResponse, SendResponse{SessionID: "s1", Text: "ok", Kind: ResponseAnswer}},
		{TopicConversationEnd, ConversationEnd{SessionID: "s1"}},
		{TopicAgentError, AgentError{SessionID: "s1", Agent: "intent", Error: "x"}},
	}

	for _, tc := range cases {
		t.Run(string(tc.topic), func(t *testing.T) {
			assert.NoError(t, Validate(tc.topic, tc.payload))
		})
	}
}

func TestValidate_RejectsMalformedPayloads(t *testing.T) {
	cases := map[string]struct {
		topic   Topic
		payload Payload
	}{
		"nil payload":         {TopicNewUserMessage, nil},
		"empty topic":         {"", NewUserMessage{SessionID: "s1", Text: "hi"}},
		"wrong type":          {TopicNewUserMessage, ConversationEnd{SessionID: "s1"}},
		"missing session":     {TopicConversationEnd, ConversationEnd{}},
		"missing text":        {TopicNewUserMessage, NewUserMessage{SessionID: "s1"}},
		"unknown sentiment":   {TopicSentimentRecognized, SentimentRecognized{SessionID: "s1", Sentiment: "URGENT", Confidence: 0.5}},
		"confidence too high": {TopicIntentRecognized, IntentRecognized{SessionID: "s1", Intent: "x", Confidence: 1.2}},
		"confidence NaN":      {TopicIntentRecognized, IntentRecognized{SessionID: "s1", Intent: "x", Confidence: math.NaN()}},
		"snapshot mismatch":   {TopicHandleReturns, HandleTask{SessionID: "s1", Snapshot: session.Session{ID: "s2"}}},
		"escalate no reason":  {TopicEscalate, Escalate{SessionID: "s1"}},
		"unknown kind":        {TopicSendResponse, SendResponse{SessionID: "s1", Text: "x", Kind: "shout"}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tc.topic, tc.payload), ErrInvalidPayload)
		})
	}
}

func TestValidate_UnknownTopicOnlySelfValidates(t *testing.T) {
	assert.False(t, Known("CUSTOM_TOPIC"))
	assert.NoError(t, Validate("CUSTOM_TOPIC", ConversationEnd{SessionID: "s1"}))
	assert.Error(t, Validate("CUSTOM_TOPIC", ConversationEnd{}))
}

func TestAllTopicsHaveSchemas(t *testing.T) {
	for _, topic := range AllTopics() {
		assert.True(t, Known(topic), "topic %s has no schema", topic)
	}
	for _, topic := range BusinessTopics() {
		assert.Contains(t, AllTopics(), topic)
	}
}
