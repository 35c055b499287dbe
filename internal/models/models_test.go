package models

import (
	"testing"
	"time"
)

func TestUserRecord_IsStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		lastActive time.Time
		threshold  time.Duration
		want       bool
	}{
		{"fresh", now.Add(-1 * time.Second), 30 * time.Second, false},
		{"exactly at threshold", now.Add(-30 * time.Second), 30 * time.Second, false},
		{"stale", now.Add(-31 * time.Second), 30 * time.Second, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := UserRecord{LastActive: tc.lastActive}
			if got := u.IsStale(now, tc.threshold); got != tc.want {
				t.Errorf("IsStale() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMemberRef_IsZero(t *testing.T) {
	leafZero := 0
	tests := []struct {
		name string
		ref  MemberRef
		want bool
	}{
		{"zero value", MemberRef{}, true},
		{"identity set", MemberRef{Identity: "alice"}, false},
		{"leaf index set", MemberRef{LeafIndex: &leafZero}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.ref.IsZero(); got != tc.want {
				t.Errorf("IsZero() = %v, want %v", got, tc.want)
			}
		})
	}
}
