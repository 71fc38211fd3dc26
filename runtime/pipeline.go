package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/observability"
	"chat-relay/runtime/workers"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

var _ contract.IBroadcaster = (*Pipeline)(nil)

// Pipeline is the broadcast queue, sharded by room id. All messages of a room
// land on the same shard and are dispatched by that shard's single worker,
// which keeps per-room FIFO order while rooms on other shards proceed.
type Pipeline struct {
	mu         sync.Mutex
	seq        uint64
	shards     []*workers.MessageQueue
	monitoring *observability.MonitoringManager
	log        *slog.Logger
}

func NewPipeline(log *slog.Logger, shards int, monitoring *observability.MonitoringManager) *Pipeline {
	if shards < 1 {
		shards = 1
	}
	queues := make([]*workers.MessageQueue, shards)
	for i := range queues {
		queues[i] = workers.NewMessageQueue()
	}
	return &Pipeline{shards: queues, monitoring: monitoring, log: log}
}

// Enqueue stamps msg with the next sequence number and appends it to its
// room's shard. It never blocks.
func (p *Pipeline) Enqueue(msg domain.QueuedMessage) uint64 {
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	queue := p.shards[p.shardFor(msg.Room)]

	// Stamping and pushing together keeps seq increasing within a shard.
	p.mu.Lock()
	p.seq++
	msg.Seq = p.seq
	ok := queue.Push(msg)
	p.mu.Unlock()

	if !ok {
		p.log.Debug("Pipeline closed, message dropped", "room", msg.Room, "seq", msg.Seq)
		return msg.Seq
	}
	p.monitoring.IncrEnqueued()
	return msg.Seq
}

// Depth is the number of messages waiting across every shard.
func (p *Pipeline) Depth() int {
	depth := 0
	for _, q := range p.shards {
		depth += q.Len()
	}
	return depth
}

// Workers returns one dispatcher per shard, to be run by the supervisor.
func (p *Pipeline) Workers(directory contract.IDirectory, deliveryTimeout time.Duration) []contract.Worker {
	res := make([]contract.Worker, 0, len(p.shards))
	for i, q := range p.shards {
		res = append(res, workers.NewDispatchWorker(i, q, directory, deliveryTimeout, p.monitoring, p.log))
	}
	return res
}

// Close stops accepting messages. Dispatchers drain what is queued and return.
func (p *Pipeline) Close() {
	for _, q := range p.shards {
		q.Close()
	}
}

func (p *Pipeline) shardFor(room domain.RoomID) int {
	return int(xxhash.Sum64String(string(room)) % uint64(len(p.shards)))
}
