package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/poolhall-waitlist/internal/domain"
)

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2024, 3, 1, 21, 4, 5, 0, time.Local)

	line := formatEvent(domain.MatchEvent{
		Type:        domain.EventWinConfirmed,
		TableID:     2,
		UserID:      "a",
		OtherUserID: "b",
		Timestamp:   ts,
	})
	assert.Equal(t, "[21:04:05] win_confirmed          table=2 user=a other=b", line)

	line = formatEvent(domain.MatchEvent{Type: domain.EventQueueCleared, Timestamp: ts})
	assert.Equal(t, "[21:04:05] queue_cleared         ", line)
}
