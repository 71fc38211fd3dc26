// Package runtime wires sessions, the room directory, the broadcast pipeline
// and the file transfer coordinator together.
package runtime

import (
	"chat-relay/contract"
	"chat-relay/observability"
	"chat-relay/runtime/workers"
	"context"
	"fmt"
	"log/slog"
	"time"
)

type Config struct {
	BroadcastShards   int
	SessionBufferSize int
	DeliveryTimeout   time.Duration
	IdleTimeout       time.Duration
	MaxFrameSize      int
	FileChunkSize     int
	MaxFileSize       int64
	MetricInterval    time.Duration
}

type Orchestrator struct {
	log         *slog.Logger
	cfg         Config
	supervisor  contract.ISupervisor
	directory   *Directory
	pipeline    *Pipeline
	coordinator *Coordinator
	monitoring  *observability.MonitoringManager
}

// NewOrchestrator builds the relay. The pipeline comes first since the
// directory enqueues its notices into it, and the dispatchers need the directory.
func NewOrchestrator(
	log *slog.Logger,
	cfg Config,
	supervisor contract.ISupervisor,
	stager contract.Stager,
	monitoring *observability.MonitoringManager) *Orchestrator {
	pipeline := NewPipeline(log, cfg.BroadcastShards, monitoring)
	directory := NewDirectory(log, pipeline)
	coordinator := NewCoordinator(log, CoordinatorConfig{
		ChunkSize:       cfg.FileChunkSize,
		MaxFileSize:     cfg.MaxFileSize,
		DeliveryTimeout: cfg.DeliveryTimeout,
	}, stager, directory, monitoring)

	return &Orchestrator{
		log:         log,
		cfg:         cfg,
		supervisor:  supervisor,
		directory:   directory,
		pipeline:    pipeline,
		coordinator: coordinator,
		monitoring:  monitoring,
	}
}

// Start registers the dispatchers and the telemetry worker, then runs the
// supervisor until ctx is cancelled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	dispatchers := o.pipeline.Workers(o.directory, o.cfg.DeliveryTimeout)
	o.supervisor.Add(dispatchers...)
	if o.cfg.MetricInterval > 0 {
		o.supervisor.Add(workers.NewTelemetryWorker(o.log, o.cfg.MetricInterval, o.directory, o.pipeline, o.monitoring))
	}

	o.log.Info(fmt.Sprintf("Starting relay with %d broadcast shards", len(dispatchers)))
	o.supervisor.Run(ctx)
	return nil
}

// Serve runs one client session on t until it ends. Each accepted
// connection gets its own goroutine calling Serve.
func (o *Orchestrator) Serve(ctx context.Context, t contract.Transport) error {
	session := NewSession(o.log, SessionConfig{
		BufferSize:      o.cfg.SessionBufferSize,
		IdleTimeout:     o.cfg.IdleTimeout,
		DeliveryTimeout: o.cfg.DeliveryTimeout,
		MaxFrameSize:    o.cfg.MaxFrameSize,
	}, t, o.directory, o.pipeline, o.coordinator, o.monitoring)
	return session.Run(ctx)
}

// Stop closes the pipeline so the dispatchers drain and return, then stops
// the supervisor and waits for running file deliveries.
func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.pipeline.Close()
	o.supervisor.Stop()
	o.coordinator.Stop()
}

func (o *Orchestrator) Directory() contract.IDirectory { return o.directory }

func (o *Orchestrator) Broadcaster() contract.IBroadcaster { return o.pipeline }

func (o *Orchestrator) Monitoring() *observability.MonitoringManager { return o.monitoring }
