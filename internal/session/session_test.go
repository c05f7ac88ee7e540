// ABOUTME: Tests for Session mutation helpers
// ABOUTME: Covers sequencing, escalation invariant, ended sessions, and enums

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendMessage_AssignsSequence(t *testing.T) {
	s := New("s1", time.Now())

	m1, err := s.AppendMessage(SenderUser, "hi", time.Now())
	require.NoError(t, err)
	m2, err := s.AppendMessage(SenderAgent, "hello", time.Now())
	require.NoError(t, err)

	assert.Equal(t, uint64(1), m1.Seq)
	assert.Equal(t, uint64(2), m2.Seq)
	assert.Equal(t, "hi", s.LastMessage(SenderUser).Text)
	assert.Equal(t, "hello", s.LastMessage(SenderAgent).Text)
	assert.Nil(t, s.MessageBySeq(3))
}

func TestClone_PreservesSequence(t *testing.T) {
	s := New("s1", time.Now())
	_, _ = s.AppendMessage(SenderUser, "one", time.Now())

	c := s.Clone()
	m, err := c.AppendMessage(SenderUser, "two", time.Now())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), m.Seq)
	assert.Len(t, s.Messages, 1, "clone must not share the message slice")
}

func TestEscalate_RequiresReason(t *testing.T) {
	s := New("s1", time.Now())

	assert.Error(t, s.Escalate("", time.Now()))
	assert.Equal(t, StatusActive, s.Status)

	s.Await(StageIntent, time.Now())
	require.NoError(t, s.Escalate("unroutable_intent", time.Now()))
	assert.Equal(t, StatusEscalated, s.Status)
	assert.Equal(t, "unroutable_intent", s.EscalationReason)
	assert.Equal(t, StageNone, s.Awaiting)
	assert.True(t, s.AwaitingSince.IsZero())
}

func TestEndedSessionRejectsWrites(t *testing.T) {
	s := New("s1", time.Now())
	s.End(time.Now())

	_, err := s.AppendMessage(SenderUser, "late", time.Now())
	assert.ErrorIs(t, err, ErrSessionEnded)
	assert.ErrorIs(t, s.Escalate("negative_sentiment", time.Now()), ErrSessionEnded)
}

func TestSentiment(t *testing.T) {
	assert.True(t, SentimentAngry.RequiresHuman())
	assert.True(t, SentimentNegative.RequiresHuman())
	assert.False(t, SentimentNeutral.RequiresHuman())
	assert.False(t, SentimentPositive.RequiresHuman())

	assert.True(t, SentimentPositive.Valid())
	assert.False(t, Sentiment("URGENT").Valid())
	assert.False(t, Sentiment("").Valid())
}
