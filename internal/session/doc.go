// Package session is the context store: live conversation state keyed by
// session id.
//
// Agents read and write sessions directly rather than through the bus.
// Update runs a mutator under the session's own lock, so concurrent
// updates to one session never interleave while different sessions never
// contend. Readers receive deep copies and can never mutate live state.
//
// Sessions are created by the coordinator on the first message for an
// unseen id and removed by the transcription listener once the transcript
// has been persisted.
package session
