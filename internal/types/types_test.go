package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validItem() *MemoryItem {
	now := time.Now().UTC()
	return &MemoryItem{
		ID:            "item-1",
		UserID:        "user-1",
		Topic:         "work",
		Tier:          TierShort,
		Score:         0.5,
		CreatedAt:     now,
		LastUsed:      now,
		Version:       1,
		SchemaVersion: SchemaVersion,
	}
}

func TestMemoryItemValidate(t *testing.T) {
	require.NoError(t, validItem().Validate())

	cases := []struct {
		name   string
		mutate func(*MemoryItem)
	}{
		{"missing id", func(m *MemoryItem) { m.ID = "" }},
		{"missing user", func(m *MemoryItem) { m.UserID = "" }},
		{"bad topic uppercase", func(m *MemoryItem) { m.Topic = "Work" }},
		{"bad topic space", func(m *MemoryItem) { m.Topic = "my topic" }},
		{"bad topic too long", func(m *MemoryItem) {
			long := ""
			for i := 0; i < 65; i++ {
				long += "a"
			}
			m.Topic = long
		}},
		{"bad tier", func(m *MemoryItem) { m.Tier = "eternal" }},
		{"score above one", func(m *MemoryItem) { m.Score = 1.01 }},
		{"score negative", func(m *MemoryItem) { m.Score = -0.01 }},
		{"negative access count", func(m *MemoryItem) { m.AccessCount = -1 }},
		{"last used before created", func(m *MemoryItem) {
			m.LastUsed = m.CreatedAt.Add(-time.Second)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			item := validItem()
			tc.mutate(item)
			err := item.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
		})
	}
}

func TestValidTopic(t *testing.T) {
	assert.True(t, ValidTopic("work"))
	assert.True(t, ValidTopic("work-notes_2024"))
	assert.False(t, ValidTopic(""))
	assert.False(t, ValidTopic("Work"))
	assert.False(t, ValidTopic("a/b"))
}

func TestTierBelow(t *testing.T) {
	assert.Equal(t, TierMid, TierLong.Below())
	assert.Equal(t, TierShort, TierMid.Below())
	assert.Equal(t, TierShort, TierShort.Below())
}

func TestAppendOutcomeCap(t *testing.T) {
	item := validItem()
	for i := 0; i < OutcomeLogCap+10; i++ {
		item.AppendOutcome(OutcomeEvent{
			QueryID: fmt.Sprintf("q-%d", i),
			Kind:    OutcomeThumbsUp,
		})
	}
	require.Len(t, item.OutcomeLog, OutcomeLogCap)
	// The oldest events were evicted.
	assert.Equal(t, "q-10", item.OutcomeLog[0].QueryID)
	assert.Equal(t, fmt.Sprintf("q-%d", OutcomeLogCap+9), item.OutcomeLog[len(item.OutcomeLog)-1].QueryID)
}

func TestOutcomeSuccessScore(t *testing.T) {
	cases := []struct {
		name string
		ev   OutcomeEvent
		want float64
	}{
		{"thumbs up", OutcomeEvent{Kind: OutcomeThumbsUp}, 1},
		{"thumbs down", OutcomeEvent{Kind: OutcomeThumbsDown}, 0},
		{"rating 5", OutcomeEvent{Kind: OutcomeRating, Rating: 5}, 1},
		{"rating 4", OutcomeEvent{Kind: OutcomeRating, Rating: 4}, 1},
		{"rating 3", OutcomeEvent{Kind: OutcomeRating, Rating: 3}, 0},
		{"edit distance zero", OutcomeEvent{Kind: OutcomeEditDistance, EditDistance: 0}, 1},
		{"edit distance quarter", OutcomeEvent{Kind: OutcomeEditDistance, EditDistance: 0.25}, 0.5},
		{"edit distance half", OutcomeEvent{Kind: OutcomeEditDistance, EditDistance: 0.5}, 0},
		{"edit distance beyond half", OutcomeEvent{Kind: OutcomeEditDistance, EditDistance: 0.9}, 0},
		{"completed", OutcomeEvent{Kind: OutcomeCompleted, Completed: true}, 1},
		{"not completed", OutcomeEvent{Kind: OutcomeCompleted, Completed: false}, 0},
		{"unknown kind neutral", OutcomeEvent{Kind: "mystery"}, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, tc.ev.SuccessScore(), 1e-9)
		})
	}
}

func TestConsentRequiredErrorIs(t *testing.T) {
	err := &ConsentRequiredError{UserID: "u", Topic: "work", Kinds: []string{"ssn"}}
	assert.True(t, errors.Is(err, ErrPIIConsentRequired))
	assert.False(t, errors.Is(err, ErrNotFound))
}
