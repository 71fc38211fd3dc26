package workers

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/protocol"
	"context"
	"fmt"
	"log/slog"
	"time"
)

var _ contract.Worker = (*DispatchWorker)(nil)

// DispatchWorker is the single consumer of one broadcast shard. Every room
// hashed to the shard is delivered in enqueue order.
type DispatchWorker struct {
	shard           int
	queue           *MessageQueue
	directory       contract.IDirectory
	deliveryTimeout time.Duration
	monitoring      *observability.MonitoringManager
	log             *slog.Logger
}

func NewDispatchWorker(
	shard int,
	queue *MessageQueue,
	directory contract.IDirectory,
	deliveryTimeout time.Duration,
	monitoring *observability.MonitoringManager,
	log *slog.Logger) *DispatchWorker {
	return &DispatchWorker{
		shard:           shard,
		queue:           queue,
		directory:       directory,
		deliveryTimeout: deliveryTimeout,
		monitoring:      monitoring,
		log:             log.With("shard", shard),
	}
}

func (w *DispatchWorker) Run(ctx context.Context) error {
	for {
		msg, ok := w.queue.Pop(ctx)
		if !ok {
			if ctx.Err() != nil {
				w.log.Debug("Stopping dispatcher")
				return ctx.Err()
			}
			w.log.Debug("Queue is closed")
			return nil
		}
		w.Dispatch(ctx, msg)
	}
}

// Dispatch delivers one message to its audience. Delivery failures are
// logged and counted, never returned: one bad recipient must not halt the shard.
func (w *DispatchWorker) Dispatch(ctx context.Context, msg domain.QueuedMessage) {
	frame := toFrame(msg)
	for _, member := range w.audience(msg) {
		if err := w.deliver(ctx, member, frame); err != nil {
			w.monitoring.IncrDeliveryFailures()
			w.log.Debug("Delivery failed",
				"seq", msg.Seq,
				"room", msg.Room,
				"recipient", member.ID(),
				"error", err)
		}
	}
	w.monitoring.IncrDispatched()
}

// audience resolves recipients after the queue, outside any directory lock.
// Notices carry the snapshot taken when the membership changed.
func (w *DispatchWorker) audience(msg domain.QueuedMessage) []contract.Member {
	if msg.Recipients != nil {
		return w.directory.Lookup(msg.Recipients)
	}
	return w.directory.MembersExcluding(msg.Room, msg.SenderID)
}

func (w *DispatchWorker) deliver(ctx context.Context, member contract.Member, frame protocol.Frame) error {
	deliverCtx, cancel := context.WithTimeout(ctx, w.deliveryTimeout)
	defer cancel()

	err := member.Deliver(deliverCtx, frame)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		member.Close(errors.ErrSlowConsumer)
		return fmt.Errorf("%w: %v", errors.ErrSlowConsumer, err)
	}
	return err
}

func toFrame(msg domain.QueuedMessage) protocol.Frame {
	if msg.Kind == domain.KindNotice {
		return protocol.NoticeFrame(string(msg.Payload))
	}
	return protocol.TextFrame(msg.SenderName + ": " + string(msg.Payload))
}
