// Package coordinator implements the orchestrating agent that owns
// per-conversation control flow.
//
// # Gates
//
// For each user message the coordinator runs three gates in order:
//
//  0. Ingest: create or load the session, append the USER message, publish
//     TASK_RECOGNIZE_SENTIMENT.
//  1. Sentiment: on RESULT_SENTIMENT_RECOGNIZED, escalate NEGATIVE and
//     ANGRY conversations, otherwise publish TASK_RECOGNIZE_INTENT.
//  2. Intent: on RESULT_INTENT_RECOGNIZED, escalate when confidence is
//     below the threshold or the intent has no route, otherwise publish the
//     routed TASK_HANDLE_* event with a session snapshot.
//
// Business agents answer the user directly; their replies never pass back
// through the coordinator. It only watches RESULT_SEND_RESPONSE_TO_USER to
// stop waiting on the routed agent.
//
// # Escalation
//
// Every diversion sets the session ESCALATED with a reason and publishes
// TASK_ESCALATE. Escalated sessions still record new user messages but no
// gate runs for them again.
//
// # Ordering
//
// Results are matched to user messages by sequence number. Results for a
// superseded message, repeated results, and results for sessions that are
// no longer active are dropped as duplicate signals.
//
// # Timeouts
//
// The bus cannot cancel a delivery, so Run periodically escalates sessions
// that have waited longer than ResultTimeout for a result. A routed task
// that no business agent answers times out the same way.
package coordinator
