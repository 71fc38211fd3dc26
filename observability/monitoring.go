package observability

import (
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// RecentTransferInfo describes one retired file offer.
type RecentTransferInfo struct {
	ID        string `json:"id"`
	File      string `json:"file"`
	Mime      string `json:"mime"`
	Outcome   string `json:"outcome"`
	Timestamp string `json:"timestamp"`
}

// MonitoringStats aggregates relay counters for the debug server and telemetry.
type MonitoringStats struct {
	ActiveSessions     int64   `json:"active_sessions"`
	TotalSessions      uint64  `json:"total_sessions"`
	MessagesEnqueued   uint64  `json:"messages_enqueued"`
	MessagesDispatched uint64  `json:"messages_dispatched"`
	DeliveryFailures   uint64  `json:"delivery_failures"`
	ProtocolErrors     uint64  `json:"protocol_errors"`
	OffersCreated      uint64  `json:"offers_created"`
	OffersCompleted    uint64  `json:"offers_completed"`
	OffersCancelled    uint64  `json:"offers_cancelled"`
	BytesStaged        uint64  `json:"bytes_staged"`
	BytesDelivered     uint64  `json:"bytes_delivered"`
	DeliverySpeed      float64 `json:"delivery_speed_mb_s"`
	QueueDepth         int     `json:"queue_depth"`

	AllocMemMb      uint64               `json:"alloc_mem_mb"`
	NumGC           uint32               `json:"num_gc"`
	RecentTransfers []RecentTransferInfo `json:"recent_transfers"`
}

const maxRecentTransfers = 20

// MonitoringManager holds live counters. Counters are atomics so the hot
// paths never take the mutex; the mutex only guards the derived snapshot.
type MonitoringManager struct {
	log         *slog.Logger
	mu          sync.RWMutex
	latestStats MonitoringStats

	activeSessions     int64
	totalSessions      uint64
	messagesEnqueued   uint64
	messagesDispatched uint64
	deliveryFailures   uint64
	protocolErrors     uint64
	offersCreated      uint64
	offersCompleted    uint64
	offersCancelled    uint64
	bytesStaged        uint64
	bytesDelivered     uint64
	windowBytes        uint64
	lastCheck          time.Time
}

func NewMonitoringManager(log *slog.Logger) *MonitoringManager {
	return &MonitoringManager{
		log:       log,
		lastCheck: time.Now(),
		latestStats: MonitoringStats{
			RecentTransfers: make([]RecentTransferInfo, 0),
		},
	}
}

func (mm *MonitoringManager) SessionOpened() {
	atomic.AddInt64(&mm.activeSessions, 1)
	atomic.AddUint64(&mm.totalSessions, 1)
}

func (mm *MonitoringManager) SessionClosed() { atomic.AddInt64(&mm.activeSessions, -1) }

func (mm *MonitoringManager) IncrEnqueued() { atomic.AddUint64(&mm.messagesEnqueued, 1) }

func (mm *MonitoringManager) IncrDispatched() { atomic.AddUint64(&mm.messagesDispatched, 1) }

func (mm *MonitoringManager) IncrDeliveryFailures() { atomic.AddUint64(&mm.deliveryFailures, 1) }

func (mm *MonitoringManager) IncrProtocolErrors() { atomic.AddUint64(&mm.protocolErrors, 1) }

func (mm *MonitoringManager) IncrOffersCreated() { atomic.AddUint64(&mm.offersCreated, 1) }

func (mm *MonitoringManager) IncrStagedBytes(n uint64) { atomic.AddUint64(&mm.bytesStaged, n) }

func (mm *MonitoringManager) IncrDeliveredBytes(n uint64) {
	atomic.AddUint64(&mm.bytesDelivered, n)
	atomic.AddUint64(&mm.windowBytes, n)
}

// OfferRetired counts a completed or cancelled offer and keeps it in the
// recent transfers list.
func (mm *MonitoringManager) OfferRetired(id, file, mime string, completed bool) {
	outcome := "cancelled"
	if completed {
		outcome = "completed"
		atomic.AddUint64(&mm.offersCompleted, 1)
	} else {
		atomic.AddUint64(&mm.offersCancelled, 1)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()

	info := RecentTransferInfo{
		ID:        id,
		File:      file,
		Mime:      mime,
		Outcome:   outcome,
		Timestamp: time.Now().Format("15:04:05"),
	}
	mm.latestStats.RecentTransfers = append([]RecentTransferInfo{info}, mm.latestStats.RecentTransfers...)
	if len(mm.latestStats.RecentTransfers) > maxRecentTransfers {
		mm.latestStats.RecentTransfers = mm.latestStats.RecentTransfers[:maxRecentTransfers]
	}
}

// Refresh recomputes the snapshot, including the delivery throughput since
// the previous refresh.
func (mm *MonitoringManager) Refresh(queueDepth int) MonitoringStats {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(mm.lastCheck).Seconds(); elapsed > 0 {
		window := atomic.SwapUint64(&mm.windowBytes, 0)
		mm.latestStats.DeliverySpeed = (float64(window) / 1024 / 1024) / elapsed
	}
	mm.lastCheck = now

	mm.latestStats.ActiveSessions = atomic.LoadInt64(&mm.activeSessions)
	mm.latestStats.TotalSessions = atomic.LoadUint64(&mm.totalSessions)
	mm.latestStats.MessagesEnqueued = atomic.LoadUint64(&mm.messagesEnqueued)
	mm.latestStats.MessagesDispatched = atomic.LoadUint64(&mm.messagesDispatched)
	mm.latestStats.DeliveryFailures = atomic.LoadUint64(&mm.deliveryFailures)
	mm.latestStats.ProtocolErrors = atomic.LoadUint64(&mm.protocolErrors)
	mm.latestStats.OffersCreated = atomic.LoadUint64(&mm.offersCreated)
	mm.latestStats.OffersCompleted = atomic.LoadUint64(&mm.offersCompleted)
	mm.latestStats.OffersCancelled = atomic.LoadUint64(&mm.offersCancelled)
	mm.latestStats.BytesStaged = atomic.LoadUint64(&mm.bytesStaged)
	mm.latestStats.BytesDelivered = atomic.LoadUint64(&mm.bytesDelivered)
	mm.latestStats.QueueDepth = queueDepth

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	mm.latestStats.AllocMemMb = m.Alloc / 1024 / 1024
	mm.latestStats.NumGC = m.NumGC

	return mm.copyLatest()
}

func (mm *MonitoringManager) GetLatest() MonitoringStats {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	return mm.copyLatest()
}

func (mm *MonitoringManager) copyLatest() MonitoringStats {
	stats := mm.latestStats
	stats.RecentTransfers = append([]RecentTransferInfo(nil), mm.latestStats.RecentTransfers...)
	return stats
}
