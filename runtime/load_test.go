package runtime_test

import (
	"chat-relay/client"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOrchestrator_LoadTest(t *testing.T) {
	if testing.Short() {
		t.Skip("load test")
	}
	req := require.New(t)
	log := slog.New(slog.DiscardHandler)
	r := startRelay(t, log, defaultConfig())

	const (
		rooms             = 10
		clientsPerRoom    = 5
		messagesPerClient = 50
	)

	type member struct {
		c        *client.Client
		texts    atomic.Int64
		joins    atomic.Int64
		outOfSeq atomic.Int64
	}

	var wg sync.WaitGroup
	var members [][]*member
	for room := range rooms {
		var inRoom []*member
		for i := range clientsPerRoom {
			m := &member{c: r.connect(t, fmt.Sprintf("user-%d-%d", room, i), fmt.Sprintf("room-%d", room))}
			inRoom = append(inRoom, m)
			wg.Add(1)
			go func() {
				defer wg.Done()
				last := map[string]int{}
				for e := range m.c.Events() {
					switch ev := e.(type) {
					case client.TextEvent:
						m.texts.Add(1)
						var seq int
						_, _ = fmt.Sscanf(ev.Body, "msg %d", &seq)
						if prev, ok := last[ev.Sender]; ok && seq != prev+1 {
							m.outOfSeq.Add(1)
						}
						last[ev.Sender] = seq
					case client.NoticeEvent:
						if strings.HasSuffix(ev.Text, "has joined the room.") {
							m.joins.Add(1)
						}
					}
				}
			}()
		}
		members = append(members, inRoom)
	}
	for _, inRoom := range members {
		first := inRoom[0]
		req.Eventually(func() bool { return first.joins.Load() == clientsPerRoom-1 }, waitTimeout, 10*time.Millisecond)
	}

	start := time.Now()
	var senders sync.WaitGroup
	for _, inRoom := range members {
		for _, m := range inRoom {
			senders.Add(1)
			go func() {
				defer senders.Done()
				for j := range messagesPerClient {
					if err := m.c.Send(fmt.Sprintf("msg %d", j)); err != nil {
						return
					}
				}
			}()
		}
	}
	senders.Wait()

	expected := int64((clientsPerRoom - 1) * messagesPerClient)
	req.Eventually(func() bool {
		for _, inRoom := range members {
			for _, m := range inRoom {
				if m.texts.Load() < expected {
					return false
				}
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond)
	duration := time.Since(start)

	for _, inRoom := range members {
		for _, m := range inRoom {
			req.Equal(expected, m.texts.Load())
			req.Zero(m.outOfSeq.Load())
			_ = m.c.Close()
		}
	}
	wg.Wait()

	delivered := expected * rooms * clientsPerRoom
	t.Logf("%d deliveries in %v (%.0f msg/s)", delivered, duration, float64(delivered)/duration.Seconds())
}
