package runtime

import (
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/mimetypes"
	"chat-relay/errors"
	"chat-relay/observability"
	"chat-relay/protocol"
	"chat-relay/runtime/workers"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

var _ contract.ICoordinator = (*Coordinator)(nil)

type CoordinatorConfig struct {
	ChunkSize       int
	MaxFileSize     int64
	DeliveryTimeout time.Duration
}

// transfer is the coordinator's bookkeeping around one offer.
type transfer struct {
	offer      *domain.Offer
	sender     contract.Member
	writer     io.WriteCloser
	recipients map[domain.SessionID]contract.Member
	ctx        context.Context
	cancel     context.CancelFunc
	deliveries sync.WaitGroup
}

// Coordinator drives every file offer from upload to completion or
// cancellation. All offer state is mutated under mu; staging and network
// I/O happen outside of it.
type Coordinator struct {
	mu         sync.Mutex
	log        *slog.Logger
	cfg        CoordinatorConfig
	stager     contract.Stager
	directory  contract.IDirectory
	monitoring *observability.MonitoringManager
	bySender   map[domain.SessionID]*transfer // sender -> its unresolved offer
	pending    map[domain.SessionID]*transfer // recipient -> offer awaiting its answer
	receiving  map[domain.SessionID]*transfer // recipient -> accepted offer still being delivered
	ctx        context.Context
	cancel     context.CancelFunc
	tasks      sync.WaitGroup
}

func NewCoordinator(
	log *slog.Logger,
	cfg CoordinatorConfig,
	stager contract.Stager,
	directory contract.IDirectory,
	monitoring *observability.MonitoringManager) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:        log,
		cfg:        cfg,
		stager:     stager,
		directory:  directory,
		monitoring: monitoring,
		bySender:   make(map[domain.SessionID]*transfer),
		pending:    make(map[domain.SessionID]*transfer),
		receiving:  make(map[domain.SessionID]*transfer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// BeginUpload opens staging for a new offer. A sender has at most one
// unresolved offer, and a room member still deciding on or receiving
// another offer makes the new one fail with ErrRecipientBusy.
func (c *Coordinator) BeginUpload(ctx context.Context, sender contract.Member, fileName string, size int64) error {
	if c.cfg.MaxFileSize > 0 && size > c.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit is %d", errors.ErrFileTooLarge, size, c.cfg.MaxFileSize)
	}
	members := c.audience(sender)

	c.mu.Lock()
	if _, ok := c.bySender[sender.ID()]; ok {
		c.mu.Unlock()
		return errors.ErrOfferPending
	}
	if busy := c.busyLocked(members); len(busy) > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrRecipientBusy, strings.Join(busy, ", "))
	}
	t := &transfer{offer: domain.NewOffer(sender.ID(), sender.Name(), fileName, size), sender: sender}
	c.bySender[sender.ID()] = t
	c.mu.Unlock()

	handle, w, err := c.stager.Create(ctx, fileName)
	if err != nil {
		c.mu.Lock()
		delete(c.bySender, sender.ID())
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", errors.ErrStaging, err)
	}

	c.mu.Lock()
	t.offer.Handle = handle
	t.writer = w
	c.mu.Unlock()

	c.log.Debug("Upload started",
		"transfer", t.offer.ID,
		"sender", sender.Name(),
		"file", fileName,
		"size", size)

	if size == 0 {
		return c.finishUpload(t)
	}
	return nil
}

// AppendChunk stages the next slice of the sender's upload and publishes the
// offer once the declared size is reached.
func (c *Coordinator) AppendChunk(_ context.Context, sender contract.Member, data []byte) (int64, error) {
	c.mu.Lock()
	t, ok := c.bySender[sender.ID()]
	if !ok || t.offer.State != domain.OfferStaging || t.writer == nil {
		c.mu.Unlock()
		return 0, errors.ErrNoUpload
	}
	if int64(len(data)) > t.offer.Remaining() {
		remaining := t.offer.Remaining()
		c.mu.Unlock()
		return 0, fmt.Errorf("%w: %d bytes sent, %d expected", errors.ErrChunkOverrun, len(data), remaining)
	}
	if t.offer.Received == 0 && len(data) > 0 {
		t.offer.MimeType = string(mimetypes.Sniff(data))
	}
	w := t.writer
	c.mu.Unlock()

	if _, err := w.Write(data); err != nil {
		c.discard(t)
		return 0, fmt.Errorf("%w: %v", errors.ErrStaging, err)
	}
	c.monitoring.IncrStagedBytes(uint64(len(data)))

	c.mu.Lock()
	t.offer.Received += int64(len(data))
	remaining := t.offer.Remaining()
	c.mu.Unlock()

	if remaining == 0 {
		if err := c.finishUpload(t); err != nil {
			return 0, err
		}
	}
	return remaining, nil
}

// Respond records the recipient's answer to its single pending offer.
func (c *Coordinator) Respond(_ context.Context, recipient contract.Member, accept bool) error {
	status := domain.StatusDeclined
	if accept {
		status = domain.StatusAccepted
	}

	c.mu.Lock()
	t, ok := c.pending[recipient.ID()]
	if !ok {
		c.mu.Unlock()
		return errors.ErrNoPendingOffer
	}
	delete(c.pending, recipient.ID())
	completed, err := t.offer.Resolve(recipient.ID(), status)
	if err == nil && accept {
		c.receiving[recipient.ID()] = t
		t.deliveries.Add(1)
		c.tasks.Add(1)
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	c.log.Debug("Offer answered", "transfer", t.offer.ID, "recipient", recipient.Name(), "status", status.String())

	if accept {
		go c.runDelivery(t, recipient)
	}
	if completed {
		c.complete(t)
	}
	return nil
}

// SessionClosed resolves everything the departing session was party to:
// its pending answer becomes disconnected, and its own offer is cancelled.
func (c *Coordinator) SessionClosed(m contract.Member) {
	var completed, cancelled *transfer
	var notify []contract.Member

	c.mu.Lock()
	if t, ok := c.pending[m.ID()]; ok {
		delete(c.pending, m.ID())
		if done, err := t.offer.Resolve(m.ID(), domain.StatusDisconnected); err == nil && done {
			completed = t
		}
	}
	if t, ok := c.bySender[m.ID()]; ok {
		delete(c.bySender, m.ID())
		if t.offer.Cancel() {
			cancelled = t
			for _, r := range t.offer.Recipients() {
				if r.Status.Terminal() {
					continue
				}
				if c.pending[r.ID] == t {
					delete(c.pending, r.ID)
				}
				if member, ok := t.recipients[r.ID]; ok {
					notify = append(notify, member)
				}
			}
		}
	}
	c.mu.Unlock()

	if completed != nil {
		c.complete(completed)
	}
	if cancelled != nil {
		c.cancelTransfer(cancelled, notify)
	}
}

// Stop cancels running deliveries and waits for them.
func (c *Coordinator) Stop() {
	c.cancel()
	c.tasks.Wait()
}

// finishUpload seals the staged content and publishes the offer.
func (c *Coordinator) finishUpload(t *transfer) error {
	c.mu.Lock()
	w := t.writer
	t.writer = nil
	c.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			c.discard(t)
			return fmt.Errorf("%w: %v", errors.ErrStaging, err)
		}
		if d, ok := w.(contract.Digester); ok {
			c.mu.Lock()
			t.offer.Sha256 = d.Sha256()
			c.mu.Unlock()
		}
	}
	return c.publish(t)
}

// publish freezes the recipient snapshot and sends the offer notice.
func (c *Coordinator) publish(t *transfer) error {
	members := c.audience(t.sender)

	c.mu.Lock()
	if busy := c.busyLocked(members); len(busy) > 0 {
		c.mu.Unlock()
		c.discard(t)
		return fmt.Errorf("%w: %s", errors.ErrRecipientBusy, strings.Join(busy, ", "))
	}
	recipients := lo.Map(members, func(m contract.Member, _ int) domain.Recipient {
		return domain.Recipient{ID: m.ID(), Name: m.Name()}
	})
	completed, err := t.offer.Publish(recipients)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	t.recipients = lo.KeyBy(members, func(m contract.Member) domain.SessionID { return m.ID() })
	t.ctx, t.cancel = context.WithCancel(c.ctx)
	for _, m := range members {
		c.pending[m.ID()] = t
	}
	offer := *t.offer
	c.mu.Unlock()

	c.monitoring.IncrOffersCreated()
	c.log.Info("File offer published",
		"transfer", offer.ID,
		"sender", offer.SenderName,
		"file", offer.FileName,
		"size", offer.Size,
		"mime", offer.MimeType,
		"recipients", len(members))

	notice := protocol.OfferNoticeFrame(protocol.OfferNoticePayload{
		Sender:     offer.SenderName,
		FileName:   offer.FileName,
		Size:       uint64(offer.Size),
		TransferID: string(offer.ID),
		MimeType:   offer.MimeType,
	})
	for _, m := range members {
		if err := c.deliver(m, notice); err != nil {
			// The session went away between the snapshot and the notice
			c.log.Debug("Offer notice not delivered", "transfer", offer.ID, "recipient", m.ID(), "error", err)
			c.dropRecipient(t, m)
		}
	}

	if completed {
		c.complete(t)
	}
	return nil
}

func (c *Coordinator) dropRecipient(t *transfer, m contract.Member) {
	c.mu.Lock()
	if c.pending[m.ID()] != t {
		c.mu.Unlock()
		return
	}
	delete(c.pending, m.ID())
	completed, err := t.offer.Resolve(m.ID(), domain.StatusDisconnected)
	c.mu.Unlock()

	m.Close(errors.ErrSlowConsumer)
	if err == nil && completed {
		c.complete(t)
	}
}

// runDelivery streams the staged file to one accepting recipient and records
// the outcome.
func (c *Coordinator) runDelivery(t *transfer, m contract.Member) {
	defer c.tasks.Done()
	defer t.deliveries.Done()

	worker := workers.NewDeliveryWorker(
		c.stager,
		t.offer.Handle,
		t.offer.Size,
		m,
		c.cfg.ChunkSize,
		c.cfg.DeliveryTimeout,
		c.monitoring,
		c.log.With("transfer", t.offer.ID, "recipient", m.ID()))
	err := worker.Run(t.ctx)

	c.mu.Lock()
	if c.receiving[m.ID()] == t {
		delete(c.receiving, m.ID())
	}
	c.mu.Unlock()

	status := domain.StatusDelivered
	switch {
	case err == nil:
	case t.ctx.Err() != nil:
		// Offer cancelled or relay stopping
		return
	case errors.Is(err, errors.ErrStaging):
		status = domain.StatusFailed
		c.log.Warn("File delivery failed", "transfer", t.offer.ID, "recipient", m.ID(), "error", err)
		_ = c.deliver(m, protocol.NoticeFrame(fmt.Sprintf("error: transfer of %s failed.", t.offer.FileName)))
	default:
		status = domain.StatusDisconnected
		if errors.Is(err, context.DeadlineExceeded) {
			m.Close(errors.ErrSlowConsumer)
		}
	}
	c.resolve(t, m.ID(), status)
}

func (c *Coordinator) resolve(t *transfer, id domain.SessionID, status domain.RecipientStatus) {
	c.mu.Lock()
	completed, err := t.offer.Resolve(id, status)
	c.mu.Unlock()

	if err != nil {
		c.log.Debug("Offer resolution ignored", "transfer", t.offer.ID, "recipient", id, "error", err)
		return
	}
	if completed {
		c.complete(t)
	}
}

// complete releases the content and tells the sender, exactly once per offer.
func (c *Coordinator) complete(t *transfer) {
	c.mu.Lock()
	if c.bySender[t.offer.SenderID] == t {
		delete(c.bySender, t.offer.SenderID)
	}
	offer := *t.offer
	tally := t.offer.Tally()
	c.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	c.release(offer.Handle)

	frame := protocol.CompleteFrame(protocol.CompletePayload{
		TransferID:   string(offer.ID),
		FileName:     offer.FileName,
		Delivered:    uint64(tally.Delivered),
		Declined:     uint64(tally.Declined),
		Disconnected: uint64(tally.Disconnected),
		Failed:       uint64(tally.Failed),
	})
	if err := c.deliver(t.sender, frame); err != nil {
		c.log.Debug("Completion not delivered to sender", "transfer", offer.ID, "error", err)
	}
	c.monitoring.OfferRetired(string(offer.ID), offer.FileName, offer.MimeType, true)
	c.log.Info("File offer completed",
		"transfer", offer.ID,
		"file", offer.FileName,
		"sha256", offer.Sha256,
		"delivered", tally.Delivered,
		"declined", tally.Declined,
		"disconnected", tally.Disconnected,
		"failed", tally.Failed)
}

// cancelTransfer stops deliveries of an offer whose sender left, then frees
// its content and tells the recipients that had not finished.
func (c *Coordinator) cancelTransfer(t *transfer, notify []contract.Member) {
	c.mu.Lock()
	w := t.writer
	t.writer = nil
	offer := *t.offer
	c.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	if w != nil {
		_ = w.Close()
	}
	t.deliveries.Wait()
	c.release(offer.Handle)

	notice := protocol.NoticeFrame(fmt.Sprintf("%s cancelled the transfer of %s.", offer.SenderName, offer.FileName))
	for _, m := range notify {
		if err := c.deliver(m, notice); err != nil {
			c.log.Debug("Cancel notice not delivered", "transfer", offer.ID, "recipient", m.ID(), "error", err)
		}
	}
	c.monitoring.OfferRetired(string(offer.ID), offer.FileName, offer.MimeType, false)
	c.log.Info("File offer cancelled", "transfer", offer.ID, "file", offer.FileName, "notified", len(notify))
}

// discard drops an offer that never reached its recipients.
func (c *Coordinator) discard(t *transfer) {
	c.mu.Lock()
	if c.bySender[t.offer.SenderID] == t {
		delete(c.bySender, t.offer.SenderID)
	}
	t.offer.Cancel()
	w := t.writer
	t.writer = nil
	offer := *t.offer
	c.mu.Unlock()

	if w != nil {
		_ = w.Close()
	}
	c.release(offer.Handle)
	c.monitoring.OfferRetired(string(offer.ID), offer.FileName, offer.MimeType, false)
	c.log.Info("File offer aborted", "transfer", offer.ID, "file", offer.FileName)
}

func (c *Coordinator) release(handle domain.StagingHandle) {
	if handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeliveryTimeout)
	defer cancel()
	if err := c.stager.Release(ctx, handle); err != nil {
		c.log.Warn("Unable to release staged content", "handle", handle, "error", err)
	}
}

func (c *Coordinator) deliver(m contract.Member, f protocol.Frame) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DeliveryTimeout)
	defer cancel()
	return m.Deliver(ctx, f)
}

// audience is the sender's room at this instant, without the sender.
func (c *Coordinator) audience(sender contract.Member) []contract.Member {
	room, ok := c.directory.RoomOf(sender.ID())
	if !ok {
		return nil
	}
	return c.directory.MembersExcluding(room, sender.ID())
}

func (c *Coordinator) busyLocked(members []contract.Member) []string {
	return lo.FilterMap(members, func(m contract.Member, _ int) (string, bool) {
		_, deciding := c.pending[m.ID()]
		_, receiving := c.receiving[m.ID()]
		return m.Name(), deciding || receiving
	})
}
