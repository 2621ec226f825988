package escalation

import (
	"sync"
	"testing"
	"time"

	"github.com/snarg/vitalguard/internal/episode"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	msgs []any
}

func (f *fakeBroadcaster) BroadcastToGroup(groupID string, msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}
func (f *fakeBroadcaster) BroadcastToDashboards(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
}
func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func withShortDelays(t *testing.T) {
	t.Helper()
	origTwo, origThree := levelTwoDelay, levelThreeDelay
	levelTwoDelay = 20 * time.Millisecond
	levelThreeDelay = 20 * time.Millisecond
	t.Cleanup(func() {
		levelTwoDelay = origTwo
		levelThreeDelay = origThree
	})
}

func TestStartEscalatesThroughLevelsWhenUnresolved(t *testing.T) {
	withShortDelays(t)

	episodes := episode.New(nil, &noopBroadcaster{})
	ep := episodes.Start("dev-1", "user-1", map[string]any{}, "group-1")

	b := &fakeBroadcaster{}
	s := New(episodes, b)
	s.Start(ep.ID, 1)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && b.count() < 3 {
		time.Sleep(5 * time.Millisecond)
	}

	if b.count() < 3 {
		t.Fatalf("expected at least 3 caregiver notifications (levels 1,2,3), got %d", b.count())
	}
}

func TestCancelStopsPendingTimer(t *testing.T) {
	withShortDelays(t)

	episodes := episode.New(nil, &noopBroadcaster{})
	ep := episodes.Start("dev-1", "user-1", map[string]any{}, "")

	b := &fakeBroadcaster{}
	s := New(episodes, b)
	s.Start(ep.ID, 1)
	s.Cancel(ep.ID)

	time.Sleep(100 * time.Millisecond)
	if got := b.count(); got != 1 {
		t.Errorf("notification count = %d after cancel, want 1 (only the immediate level-1 notify)", got)
	}
}

type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastToDashboards(msg any)                {}
func (noopBroadcaster) SendToPairedCaregiver(deviceID string, msg any) {}
func (noopBroadcaster) BroadcastToGroup(groupID string, msg any)       {}
