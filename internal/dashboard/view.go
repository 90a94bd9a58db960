// Package dashboard assembles the reconciled push-feed collections into the
// joined view the console UI renders.
package dashboard

import (
	"sort"
	"time"

	"github.com/shiv6146/blayzen-console/internal/models"
	"github.com/shiv6146/blayzen-console/internal/realtime"
)

// QueueView is one queue with its metrics, member roster and waiting callers
// joined under the queue's display name.
type QueueView struct {
	ID      string                     `json:"id"`
	Name    string                     `json:"name"`
	Metrics models.QueueMetrics        `json:"metrics"`
	Members []models.QueueMemberStatus `json:"members"`
	Waiting []models.QueueCaller       `json:"waiting"`
}

// Snapshot is a point-in-time view of the whole operations dashboard.
type Snapshot struct {
	ActiveCalls []models.ActiveCallRecord      `json:"activeCalls"`
	Queues      []QueueView                    `json:"queues"`
	WrapUp      map[string]models.WrapUpStatus `json:"wrapUp"`
	GeneratedAt time.Time                      `json:"generatedAt"`
}

// View reads the realtime store and produces joined snapshots. It never
// mutates the underlying collections.
type View struct {
	store *realtime.Store
}

// NewView creates a dashboard view over the reconciled store.
func NewView(store *realtime.Store) *View {
	return &View{store: store}
}

// Snapshot joins the current collections into one dashboard view. Queues are
// sorted by display name so the rendering order is stable across pushes.
func (v *View) Snapshot() Snapshot {
	metrics := v.store.QueueMetrics()
	members := v.store.QueueMembers()
	waiting := v.store.Waiting()
	names := v.store.QueueNames()

	ids := make(map[string]struct{}, len(metrics))
	for id := range metrics {
		ids[id] = struct{}{}
	}
	for _, m := range members {
		if m.Queue != "" {
			ids[m.Queue] = struct{}{}
		}
	}
	for _, w := range waiting {
		if w.Queue != "" {
			ids[w.Queue] = struct{}{}
		}
	}

	queues := make([]QueueView, 0, len(ids))
	for id := range ids {
		q := QueueView{ID: id, Name: id, Metrics: metrics[id]}
		if name, ok := names[id]; ok && name != "" {
			q.Name = name
		}
		for _, m := range members {
			if m.Queue == id {
				q.Members = append(q.Members, m)
			}
		}
		for _, w := range waiting {
			if w.Queue == id {
				q.Waiting = append(q.Waiting, w)
			}
		}
		sort.Slice(q.Waiting, func(i, j int) bool { return q.Waiting[i].Position < q.Waiting[j].Position })
		queues = append(queues, q)
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })

	return Snapshot{
		ActiveCalls: v.store.ActiveCalls(),
		Queues:      queues,
		WrapUp:      v.store.WrapUp(),
		GeneratedAt: time.Now(),
	}
}
