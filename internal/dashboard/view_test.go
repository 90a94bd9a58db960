package dashboard

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shiv6146/blayzen-console/internal/realtime"
)

func seededStore(t *testing.T) *realtime.Store {
	t.Helper()
	s := realtime.NewStore(zerolog.New(&bytes.Buffer{}))

	events := []struct {
		channel string
		payload string
	}{
		{realtime.ChannelOngoingCalls, `[{"id":"c1","caller":"0123","agent":"1003"}]`},
		{realtime.ChannelQueueUpdate, `{"q-support":{"queue":"q-support","waiting":2},"q-sales":{"queue":"q-sales","waiting":0}}`},
		{realtime.ChannelQueueMembers, `[{"queue":"q-support","name":"Alice","status":"idle"}]`},
		{realtime.ChannelQueueStatus, `[
			{"queue":"q-support","position":2,"caller":"0456","waitSecs":10},
			{"queue":"q-support","position":1,"caller":"0789","waitSecs":30}
		]`},
		{realtime.ChannelQueueNameMap, `{"q-support":"Support"}`},
		{realtime.ChannelAgentWrapStatus, `{"agent":"1003","inWrapUp":true}`},
	}
	for _, ev := range events {
		if err := s.OnEvent(ev.channel, json.RawMessage(ev.payload)); err != nil {
			t.Fatalf("seed event %s failed: %v", ev.channel, err)
		}
	}
	return s
}

func TestSnapshotJoinsQueues(t *testing.T) {
	v := NewView(seededStore(t))
	snap := v.Snapshot()

	if len(snap.ActiveCalls) != 1 || snap.ActiveCalls[0].ID != "c1" {
		t.Fatalf("unexpected active calls: %+v", snap.ActiveCalls)
	}
	if len(snap.Queues) != 2 {
		t.Fatalf("expected 2 queues, got %+v", snap.Queues)
	}

	var support *QueueView
	for i := range snap.Queues {
		if snap.Queues[i].ID == "q-support" {
			support = &snap.Queues[i]
		}
	}
	if support == nil {
		t.Fatal("q-support missing from snapshot")
	}
	if support.Name != "Support" {
		t.Fatalf("expected display name Support, got %q", support.Name)
	}
	if support.Metrics.Waiting != 2 {
		t.Fatalf("unexpected metrics: %+v", support.Metrics)
	}
	if len(support.Members) != 1 || support.Members[0].Name != "Alice" {
		t.Fatalf("unexpected members: %+v", support.Members)
	}
	if len(support.Waiting) != 2 || support.Waiting[0].Position != 1 {
		t.Fatalf("waiting callers not ordered by position: %+v", support.Waiting)
	}
	if !snap.WrapUp["1003"].InWrapUp {
		t.Fatalf("unexpected wrap-up: %+v", snap.WrapUp)
	}
}

func TestSnapshotFallsBackToQueueID(t *testing.T) {
	v := NewView(seededStore(t))
	snap := v.Snapshot()

	for _, q := range snap.Queues {
		if q.ID == "q-sales" && q.Name != "q-sales" {
			t.Fatalf("expected id fallback for unnamed queue, got %q", q.Name)
		}
	}
}

func TestQueuesSortedByName(t *testing.T) {
	v := NewView(seededStore(t))
	snap := v.Snapshot()

	// "Support" sorts after "q-sales" (display names, not ids)
	if snap.Queues[0].Name > snap.Queues[1].Name {
		t.Fatalf("queues not sorted by name: %q, %q", snap.Queues[0].Name, snap.Queues[1].Name)
	}
}
