package sharding

import (
	"fmt"
	"testing"
)

func TestGetShardID_Deterministic(t *testing.T) {
	a := GetShardID("event-42")
	b := GetShardID("event-42")
	if a != b {
		t.Fatalf("expected deterministic shard, got %d and %d", a, b)
	}
	if a < 0 || a >= ShardCount {
		t.Fatalf("shard out of range: %d", a)
	}
}

func TestLifecycleSubject(t *testing.T) {
	want := fmt.Sprintf("app.lifecycle.%d.event.e1", GetShardID("e1"))
	if got := LifecycleSubject("e1"); got != want {
		t.Fatalf("subject mismatch: got %q want %q", got, want)
	}
}

func TestNotificationSubject(t *testing.T) {
	want := fmt.Sprintf("app.notification.%d.user.u1", GetShardID("u1"))
	if got := NotificationSubject("u1"); got != want {
		t.Fatalf("subject mismatch: got %q want %q", got, want)
	}
}
