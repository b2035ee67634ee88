// Package dumping captures envelopes flowing through actors and writes them
// out as JSON lines.
package dumping

import (
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/najoast/troupe/core"
	"github.com/zeebo/xxh3"
	"go.uber.org/atomic"
)

const (
	shardCount = 16

	// DefaultMaxShardLen bounds each shard; dumps beyond it are dropped.
	DefaultMaxShardLen = 300_000
)

// Item is one captured envelope.
type Item struct {
	System    string          `json:"system,omitempty"`
	Node      core.NodeNo     `json:"node"`
	Group     string          `json:"group"`
	Seq       uint64          `json:"seq"`
	Time      time.Time       `json:"ts"`
	Trace     core.TraceID    `json:"trace"`
	Direction string          `json:"dir"`
	Kind      string          `json:"kind"`
	Request   core.RequestID  `json:"request,omitempty"`
	Sender    string          `json:"from,omitempty"`
	Recipient string          `json:"to,omitempty"`
	Message   string          `json:"name"`
	Payload   string          `json:"payload"`
	Error     string          `json:"error,omitempty"`
}

type shard struct {
	mu    sync.Mutex
	items []Item
}

type groupState struct {
	seq      atomic.Uint64
	disabled atomic.Bool
}

// Dumper buffers dumps in shards until they are drained. It implements
// core.Dumper.
type Dumper struct {
	node   core.NodeNo
	maxLen int
	system atomic.String

	shards  [shardCount]shard
	groups  sync.Map // string -> *groupState
	dropped atomic.Uint64

	// drainFrom is the shard the next Drain starts at
	drainFrom atomic.Uint32
}

// New creates a Dumper. A non-positive maxShardLen uses DefaultMaxShardLen.
func New(node core.NodeNo, maxShardLen int) *Dumper {
	if maxShardLen <= 0 {
		maxShardLen = DefaultMaxShardLen
	}
	d := &Dumper{node: node, maxLen: maxShardLen}
	d.group(GroupName).disabled.Store(true)
	return d
}

// SetSystem stamps subsequent dumps with the launch id of the system.
func (d *Dumper) SetSystem(id uuid.UUID) {
	d.system.Store(id.String())
}

func (d *Dumper) group(name string) *groupState {
	if g, ok := d.groups.Load(name); ok {
		return g.(*groupState)
	}
	g, _ := d.groups.LoadOrStore(name, &groupState{})
	return g.(*groupState)
}

// Configure disables dumping for the listed groups and re-enables every
// other group. The file group itself is never dumped.
func (d *Dumper) Configure(disabled []string) {
	off := map[string]bool{GroupName: true}
	for _, name := range disabled {
		off[name] = true
		d.group(name).disabled.Store(true)
	}
	d.groups.Range(func(k, v any) bool {
		if !off[k.(string)] {
			v.(*groupState).disabled.Store(false)
		}
		return true
	})
}

// Enabled reports whether dumps of group are captured.
func (d *Dumper) Enabled(group string) bool {
	return !d.group(group).disabled.Load()
}

// Dump implements core.Dumper.
func (d *Dumper) Dump(group string, dir core.DumpDirection, env core.Envelope) {
	g := d.group(group)
	if g.disabled.Load() {
		return
	}

	item := Item{
		System:    d.system.Load(),
		Node:      d.node,
		Group:     group,
		Seq:       g.seq.Inc(),
		Time:      time.Now(),
		Trace:     env.TraceID(),
		Direction: dir.String(),
		Kind:      env.Kind().String(),
		Request:   env.RequestID(),
		Message:   env.Payload().Name(),
		Payload:   env.Payload().String(),
	}
	if s := env.Sender(); !s.IsNull() {
		item.Sender = s.String()
	}
	if r := env.Recipient(); !r.IsNull() {
		item.Recipient = r.String()
	}
	if err := env.Err(); err != nil {
		item.Error = err.Error()
	}

	// One group always lands in the same shard, so its dumps drain in
	// sequence order.
	s := &d.shards[xxh3.HashString(group)%shardCount]
	s.mu.Lock()
	if len(s.items) >= d.maxLen {
		s.mu.Unlock()
		d.dropped.Inc()
		return
	}
	s.items = append(s.items, item)
	s.mu.Unlock()
}

// Dropped returns the number of dumps discarded because a shard was full.
func (d *Dumper) Dropped() uint64 {
	return d.dropped.Load()
}

// Len returns the number of buffered dumps.
func (d *Dumper) Len() int {
	n := 0
	for i := range d.shards {
		s := &d.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}

// Drain yields buffered dumps, taking one shard at a time and rotating the
// starting shard between calls. Dumps added while draining may or may not be
// yielded.
func (d *Dumper) Drain() iter.Seq[Item] {
	return func(yield func(Item) bool) {
		start := d.drainFrom.Inc() % shardCount
		for i := uint32(0); i < shardCount; i++ {
			s := &d.shards[(start+i)%shardCount]
			s.mu.Lock()
			batch := s.items
			s.items = nil
			s.mu.Unlock()

			for j, item := range batch {
				if !yield(item) {
					d.requeue(s, batch[j+1:])
					return
				}
			}
		}
	}
}

// requeue puts back items a consumer stopped before reaching.
func (d *Dumper) requeue(s *shard, rest []Item) {
	if len(rest) == 0 {
		return
	}
	s.mu.Lock()
	s.items = append(append([]Item(nil), rest...), s.items...)
	s.mu.Unlock()
}
