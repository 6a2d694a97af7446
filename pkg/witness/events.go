package witness

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-witness/pkg/consensus"
    "github.com/amirimatin/go-witness/pkg/health"
    "github.com/amirimatin/go-witness/pkg/quorum"
    "github.com/amirimatin/go-witness/pkg/status"
    "github.com/amirimatin/go-witness/pkg/topology"
)

type EventType string

const (
    EventLeaderChanged     EventType = "leader_changed"
    EventConnectionChanged EventType = "connection_changed"
    EventTopologyChanged   EventType = "topology_changed"
    EventHealthChanged     EventType = "health_changed"
    EventQuorumChanged     EventType = "quorum_changed"
)

// Event describes one witness state change. Only the fields relevant to
// Type are populated.
type Event struct {
    Type       EventType
    At         time.Time
    Leader     *consensus.LeaderInfo
    Connection status.ConnState
    Topology   *topology.Change
    Health     *health.Results
    Quorum     *quorum.Decision
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery) to avoid back-pressuring internals.
func (w *Witness) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    w.eb.add(ch)
    go func() {
        <-ctx.Done()
        w.eb.remove(ch)
        close(ch)
    }()
    return ch
}

type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
