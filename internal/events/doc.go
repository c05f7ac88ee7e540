// Package events defines the wire contract between the coordinator and
// every agent: the immutable Event envelope, the topic names, and one
// structured payload type per topic.
//
// # Topics
//
// Topics are case-sensitive strings. The flow for a single user message is:
//
//	NEW_USER_MESSAGE
//	  -> TASK_RECOGNIZE_SENTIMENT -> RESULT_SENTIMENT_RECOGNIZED
//	  -> TASK_RECOGNIZE_INTENT    -> RESULT_INTENT_RECOGNIZED
//	  -> TASK_HANDLE_*            -> RESULT_SEND_RESPONSE_TO_USER
//
// Any gate may divert to TASK_ESCALATE instead, which the escalation agent
// answers with RESULT_ESCALATION_COMPLETE.
//
// # Payloads
//
// Every payload implements Payload. Validate checks that a payload has the
// type registered for its topic and that its required fields are present,
// so malformed events are rejected at the bus boundary instead of failing
// deep inside a handler.
//
// # Sequencing
//
// Task and result payloads carry Seq, the per-session sequence number of
// the user message they refer to. Result producers echo the Seq they were
// given so the coordinator can discard stale or duplicated results.
package events
