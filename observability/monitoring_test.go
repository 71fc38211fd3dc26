package observability

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestMonitoringManager_Refresh(t *testing.T) {
	req := require.New(t)
	mm := NewMonitoringManager(logs.GetLoggerFromLevel(slog.LevelDebug))

	// Given two sessions, one of which left
	mm.SessionOpened()
	mm.SessionOpened()
	mm.SessionClosed()

	// And some relay traffic
	mm.IncrEnqueued()
	mm.IncrDispatched()
	mm.IncrDeliveredBytes(2048)
	mm.OfferRetired("t-1", "report.pdf", "application/pdf", true)

	// When the snapshot is refreshed
	stats := mm.Refresh(3)

	// Then the counters are reported
	req.Equal(int64(1), stats.ActiveSessions)
	req.Equal(uint64(2), stats.TotalSessions)
	req.Equal(uint64(1), stats.MessagesEnqueued)
	req.Equal(uint64(2048), stats.BytesDelivered)
	req.Equal(uint64(1), stats.OffersCompleted)
	req.Equal(3, stats.QueueDepth)
	req.Len(stats.RecentTransfers, 1)
	req.Equal("completed", stats.RecentTransfers[0].Outcome)
}

func TestMonitoringManager_Keeps_Last_Transfers_Only(t *testing.T) {
	req := require.New(t)
	mm := NewMonitoringManager(logs.GetLoggerFromLevel(slog.LevelDebug))

	for i := 0; i < maxRecentTransfers+5; i++ {
		mm.OfferRetired(fmt.Sprintf("t-%d", i), "f", "text/plain", false)
	}

	latest := mm.GetLatest()
	req.Len(latest.RecentTransfers, maxRecentTransfers)
	// Most recent first
	req.Equal(fmt.Sprintf("t-%d", maxRecentTransfers+4), latest.RecentTransfers[0].ID)
}
