// ABOUTME: Event envelope and topic names shared by the bus and every agent
// ABOUTME: Events are immutable values; payloads are validated per topic

package events

import (
	"time"

	"github.com/google/uuid"
)

// Topic names an event category. Topics are case-sensitive.
type Topic string

// Pipeline topics
const (
	TopicNewUserMessage      Topic = "NEW_USER_MESSAGE"
	TopicRecognizeSentiment  Topic = "TASK_RECOGNIZE_SENTIMENT"
	TopicSentimentRecognized Topic = "RESULT_SENTIMENT_RECOGNIZED"
	TopicRecognizeIntent     Topic = "TASK_RECOGNIZE_INTENT"
	TopicIntentRecognized    Topic = "RESULT_INTENT_RECOGNIZED"

	TopicHandleReturns        Topic = "TASK_HANDLE_RETURNS"
	TopicHandleOrderTracking  Topic = "TASK_HANDLE_ORDER_TRACKING"
	TopicHandleGeneralInquiry Topic = "TASK_HANDLE_GENERAL_INQUIRY"
	TopicHandleAccount        Topic = "TASK_HANDLE_ACCOUNT"

	TopicEscalate           Topic = "TASK_ESCALATE"
	TopicEscalationComplete Topic = "RESULT_ESCALATION_COMPLETE"
	TopicSendResponse       Topic = "RESULT_SEND_RESPONSE_TO_USER"
	TopicConversationEnd    Topic = "CONVERSATION_END"
)

// Control topics used by agents to report problems to the coordinator
const (
	TopicRequestEscalation Topic = "REQUEST_ESCALATION"
	TopicAgentError        Topic = "AGENT_ERROR"
	TopicTranscriptSaved   Topic = "TRANSCRIPT_SAVED"
)

// AllTopics returns every known topic in pipeline order.
func AllTopics() []Topic {
	return []Topic{
		TopicNewUserMessage,
		TopicRecognizeSentiment,
		TopicSentimentRecognized,
		TopicRecognizeIntent,
		TopicIntentRecognized,
		TopicHandleReturns,
		TopicHandleOrderTracking,
		TopicHandleGeneralInquiry,
		TopicHandleAccount,
		TopicEscalate,
		TopicEscalationComplete,
		TopicSendResponse,
		TopicConversationEnd,
		TopicRequestEscalation,
		TopicAgentError,
		TopicTranscriptSaved,
	}
}

// BusinessTopics returns the task topics handled by business process agents.
func BusinessTopics() []Topic {
	return []Topic{
		TopicHandleReturns,
		TopicHandleOrderTracking,
		TopicHandleGeneralInquiry,
		TopicHandleAccount,
	}
}

// Event is the envelope delivered to subscribers. It is passed by value and
// must not be modified after publication.
type Event struct {
	ID            string    `json:"event_id"`
	Topic         Topic     `json:"topic"`
	Payload       Payload   `json:"payload"`
	EmittedAt     time.Time `json:"emitted_at"`
	CorrelationID string    `json:"correlation_id"` // session id of the conversation
}

// New builds an event with a fresh id.
func New(topic Topic, correlationID string, payload Payload, at time.Time) Event {
	return Event{
		ID:            uuid.New().String(),
		Topic:         topic,
		Payload:       payload,
		EmittedAt:     at,
		CorrelationID: correlationID,
	}
}
