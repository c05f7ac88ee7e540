// ABOUTME: Topic-to-payload schema registry used by the bus before delivery
// ABOUTME: Rejects payloads whose type does not match the topic they are sent on

package events

import "fmt"

// schema maps a known topic to a check of the payload's concrete type.
var schema = map[Topic]func(Payload) bool{
	TopicNewUserMessage:       is[NewUserMessage],
	TopicRecognizeSentiment:   is[RecognizeSentiment],
	TopicSentimentRecognized:  is[SentimentRecognized],
	TopicRecognizeIntent:      is[RecognizeIntent],
	TopicIntentRecognized:     is[IntentRecognized],
	TopicHandleReturns:        is[HandleTask],
	TopicHandleOrderTracking:  is[HandleTask],
	TopicHandleGeneralInquiry: is[HandleTask],
	TopicHandleAccount:        is[HandleTask],
	TopicEscalate:             is[Escalate],
	TopicEscalationComplete:   is[EscalationComplete],
	TopicSendResponse:         is[SendResponse],
	TopicConversationEnd:      is[ConversationEnd],
	TopicRequestEscalation:    is[RequestEscalation],
	TopicAgentError:           is[AgentError],
	TopicTranscriptSaved:      is[TranscriptSaved],
}

func is[T Payload](p Payload) bool {
	_, ok := p.(T)
	return ok
}

// Known reports whether topic has a registered payload schema.
func Known(topic Topic) bool {
	_, ok := schema[topic]
	return ok
}

// Validate checks payload against the schema registered for topic. Topics
// without a schema accept any payload that validates itself.
func Validate(topic Topic, payload Payload) error {
	if topic == "" {
		return fmt.Errorf("%w: topic is required", ErrInvalidPayload)
	}
	if payload == nil {
		return fmt.Errorf("%w: nil payload for %s", ErrInvalidPayload, topic)
	}
	if check, ok := schema[topic]; ok && !check(payload) {
		return fmt.Errorf("%w: %T is not a valid payload for %s", ErrInvalidPayload, payload, topic)
	}
	return payload.Validate()
}
