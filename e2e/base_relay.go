package e2e

import (
	"chat-relay/client"
	"chat-relay/infrastructure/storage"
	"chat-relay/infrastructure/transport"
	"chat-relay/observability"
	"chat-relay/runtime"
	"chat-relay/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
)

// BaseRelaySuite talks to a relay over real TCP connections.
type BaseRelaySuite struct {
	suite.Suite
	Config Config

	log          *slog.Logger
	db           *badger.DB
	orchestrator *runtime.Orchestrator
	cancel       context.CancelFunc
	stopped      chan struct{}
}

// SetupSuite loads the environment configuration and starts a local relay
// unless one is configured.
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	s.log = logs.GetLoggerFromLevel(slog.LevelDebug)

	if s.Config.RelayAddr != "" {
		return
	}

	s.db, err = storage.OpenBadger("")
	s.Require().NoError(err)

	monitoring := observability.NewMonitoringManager(s.log)
	s.orchestrator = runtime.NewOrchestrator(s.log, runtime.Config{
		BroadcastShards:   4,
		SessionBufferSize: 64,
		DeliveryTimeout:   2 * time.Second,
		IdleTimeout:       time.Minute,
		MaxFrameSize:      1 << 20,
		FileChunkSize:     4096,
		MaxFileSize:       10 << 20,
	}, workers.NewSupervisor(s.log, 50*time.Millisecond), storage.NewBadgerStager(s.db, s.log), monitoring)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)
	s.Config.RelayAddr = ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stopped = make(chan struct{})
	go func() { _ = s.orchestrator.Start(ctx) }()
	go func() {
		defer close(s.stopped)
		_ = transport.NewListener(s.log, ln, s.orchestrator.Serve).Serve(ctx)
	}()
}

func (s *BaseRelaySuite) TearDownSuite() {
	if s.orchestrator == nil {
		return
	}
	s.cancel()
	<-s.stopped
	s.orchestrator.Stop()
	_ = s.db.Close()
}

// Step prints a colorized header for a scenario step.
func (s *BaseRelaySuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Connect dials the relay, joins room and waits for the welcome notice.
func (s *BaseRelaySuite) Connect(name, room string) *client.Client {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeout)
	defer cancel()

	c, err := client.Dial(ctx, s.log, s.Config.RelayAddr)
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = c.Close() })
	s.Require().NoError(c.Join(name, room))

	welcome := fmt.Sprintf("Welcome %s, you joined room %s.", name, room)
	s.Require().Equal(client.NoticeEvent{Text: welcome}, s.Next(c))
	return c
}

func (s *BaseRelaySuite) Next(c *client.Client) client.Event {
	ctx, cancel := context.WithTimeout(context.Background(), s.Config.Timeout)
	defer cancel()
	e, err := c.Next(ctx)
	s.Require().NoError(err)
	return e
}

// Silent asserts nothing arrives on c for a short while.
func (s *BaseRelaySuite) Silent(c *client.Client) {
	select {
	case e, ok := <-c.Events():
		if ok {
			s.Failf("unexpected event", "%#v", e)
		}
	case <-time.After(150 * time.Millisecond):
	}
}
