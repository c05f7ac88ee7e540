// Package agents contains the in-process collaborators that surround the
// coordinator on the bus.
//
// # Agents
//
//   - SentimentAgent: TASK_RECOGNIZE_SENTIMENT → RESULT_SENTIMENT_RECOGNIZED
//   - IntentAgent: TASK_RECOGNIZE_INTENT → RESULT_INTENT_RECOGNIZED
//   - EscalationAgent: TASK_ESCALATE → RESULT_ESCALATION_COMPLETE and an
//     escalated reply to the user; keeps the operator queue
//   - Responder: one per TASK_HANDLE_* topic; answers the user directly on
//     RESULT_SEND_RESPONSE_TO_USER
//   - Transcriber: listens to every topic, keeps the audit log, records
//     agent replies, and persists the transcript at CONVERSATION_END
//
// Recognition agents echo the Seq of the task they answer so the
// coordinator can drop stale results. An agent that cannot complete a task
// publishes AGENT_ERROR instead of a result.
//
// Every agent is constructed with the bus it talks to and follows the same
// Start/Stop lifecycle as the coordinator.
package agents
