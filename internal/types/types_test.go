package types

import (
	"testing"
	"time"
)

func TestDayKeyUsesUTC(t *testing.T) {
	// 23:30 at UTC-5 is already the next day in UTC
	loc := time.FixedZone("EST", -5*3600)
	ts := time.Date(2026, 3, 9, 23, 30, 0, 0, loc)

	if got := DayKey(ts); got != "2026-03-10" {
		t.Errorf("DayKey = %q, want 2026-03-10", got)
	}
}

func TestMessageTurn(t *testing.T) {
	now := time.Now()
	m := Message{Role: RoleAssistant, Text: "hi", CreatedAt: now}
	turn := m.Turn()
	if turn.Role != RoleAssistant || turn.Text != "hi" || !turn.Timestamp.Equal(now) {
		t.Errorf("unexpected turn: %+v", turn)
	}
}
