package workers

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/protocol"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

var _ contract.Worker = (*DeliveryWorker)(nil)

// DeliveryWorker streams staged content to one accepting recipient.
// It owns its own reader, so recipients of the same offer never share a cursor.
type DeliveryWorker struct {
	stager       contract.Stager
	handle       domain.StagingHandle
	size         int64
	recipient    contract.Member
	chunkSize    int
	chunkTimeout time.Duration
	monitoring   *observability.MonitoringManager
	log          *slog.Logger
}

func NewDeliveryWorker(
	stager contract.Stager,
	handle domain.StagingHandle,
	size int64,
	recipient contract.Member,
	chunkSize int,
	chunkTimeout time.Duration,
	monitoring *observability.MonitoringManager,
	log *slog.Logger) *DeliveryWorker {
	return &DeliveryWorker{
		stager:       stager,
		handle:       handle,
		size:         size,
		recipient:    recipient,
		chunkSize:    chunkSize,
		chunkTimeout: chunkTimeout,
		monitoring:   monitoring,
		log:          log,
	}
}

// Run returns nil once every byte was queued to the recipient.
// Staging failures wrap ErrStaging, recipient failures wrap ErrTransport.
func (w *DeliveryWorker) Run(ctx context.Context) error {
	r, err := w.stager.Open(ctx, w.handle)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", errors.ErrStaging, w.handle, err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			w.log.Debug("Unable to close staged reader", "handle", w.handle, "error", err)
		}
	}()

	var sent int64
	buf := make([]byte, w.chunkSize)
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			// Frames are queued, not copied, so every chunk needs its own slice
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := w.send(ctx, chunk); err != nil {
				return err
			}
			sent += int64(n)
			w.monitoring.IncrDeliveredBytes(uint64(n))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read %s: %v", errors.ErrStaging, w.handle, readErr)
		}
	}

	if sent != w.size {
		return fmt.Errorf("%w: staged content has %d bytes, expected %d", errors.ErrStaging, sent, w.size)
	}
	return nil
}

func (w *DeliveryWorker) send(ctx context.Context, chunk []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, w.chunkTimeout)
	defer cancel()
	if err := w.recipient.Deliver(sendCtx, protocol.ChunkFrame(chunk)); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrTransport, err)
	}
	return nil
}
