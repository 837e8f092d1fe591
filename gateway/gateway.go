// Package gateway assembles the databus client, the production server link,
// the dispatch engine and the optional exporters into one running service.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ltalink/api"
	"ltalink/config"
	"ltalink/dispatch"
	"ltalink/kafka"
	"ltalink/link"
	"ltalink/logging"
	"ltalink/metrics"
	"ltalink/mqtt"
	"ltalink/status"
	"ltalink/tagstore"
	"ltalink/telegram"
	"ltalink/trace"
	"ltalink/valkey"
	"ltalink/web"
)

// ErrRestartRequested is returned by Run when the controller asked for an application restart.
var ErrRestartRequested = errors.New("gateway: restart requested by controller")

// Bus is the databus client as used by the gateway.
type Bus interface {
	dispatch.Publisher
	api.DatabusInfo
	SetHandlers(h mqtt.Handlers)
	Start() error
	Stop()
}

// Config holds the parameters needed to create a Gateway.
type Config struct {
	AppConfig *config.Config
	Version   string
	LogFunc   logging.LogFunc

	// Bus replaces the MQTT client; used by tests.
	Bus Bus
}

// Gateway owns every component and the callbacks between them.
type Gateway struct {
	cfg     *config.Config
	version string
	logFn   logging.LogFunc
	started time.Time

	tags      *tagstore.Registry
	status    *status.Store
	link      *link.Manager
	bus       Bus
	dispatch  *dispatch.Engine
	telegrams *telegram.Env
	metrics   *metrics.Metrics
	trace     *trace.Ring
	names     map[uint32]string

	web      *web.Server
	valkey   *valkey.Publisher
	producer *kafka.Producer
	exporter *kafka.Exporter

	Events *EventBus

	restart     chan struct{}
	restartOnce sync.Once
	stopOnce    sync.Once
}

// New creates all components and wires them. Nothing is started.
func New(c Config) (*Gateway, error) {
	cfg := c.AppConfig
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	logFn := c.LogFunc
	if logFn == nil {
		logFn = logging.Nop
	}

	g := &Gateway{
		cfg:     cfg,
		version: c.Version,
		logFn:   logFn,
		started: time.Now(),
		tags:    tagstore.NewRegistry(),
		status:  status.NewStore(),
		metrics: metrics.New(),
		trace:   trace.NewRing(trace.DefaultSize),
		names:   make(map[uint32]string),
		Events:  NewEventBus(),
		restart: make(chan struct{}),
	}
	g.tags.SetLogFunc(logFn)
	g.status.SetLogFunc(logFn)

	g.link = link.NewManager(g.tags, link.Options{
		ReconnectDelay: cfg.Server.ReconnectDelay,
		DialTimeout:    cfg.Server.DialTimeout,
		MaxFrameBytes:  cfg.Server.MaxFrameBytes,
	})
	g.link.SetLogFunc(logFn)

	if c.Bus != nil {
		g.bus = c.Bus
	} else {
		client := mqtt.NewClient(cfg.Databus, g.tags)
		client.SetLogFunc(logFn)
		g.bus = client
	}

	g.dispatch = dispatch.New(g.tags, g.bus, g.link, dispatch.Options{
		StartupDelay: cfg.Server.StartupDelay,
		RestartDelay: cfg.Server.RestartDelay,
		OnRestart:    g.requestRestart,
	})
	g.dispatch.SetLogFunc(logFn)
	g.dispatch.SetDebugLogFunc(func(format string, args ...interface{}) {
		logging.DebugLog(logging.ProtoFrame, format, args...)
	})

	g.telegrams = telegram.NewEnv(g.tags, g.link, g.bus, telegram.Options{
		DoneDelay:    cfg.Server.DoneDelay,
		ErrorTextDir: cfg.Server.ErrorTextDir,
	})
	g.telegrams.SetLogFunc(logFn)
	for _, t := range telegram.Catalog(g.telegrams) {
		g.names[t.TypeID()] = t.Name()
		if err := g.dispatch.Register(t); err != nil {
			return nil, fmt.Errorf("register %s: %w", t.Name(), err)
		}
	}

	if cfg.Web.Enabled {
		g.web = web.NewServer(&cfg.Web, g.Sources())
		g.web.SetLogFunc(logFn)
	}
	if cfg.Valkey.Enabled {
		g.valkey = valkey.NewPublisher(&cfg.Valkey)
		g.valkey.SetLogFunc(logFn)
	}
	if cfg.Kafka.Enabled {
		g.producer = kafka.NewProducer(&cfg.Kafka)
		g.exporter = kafka.NewExporter(g.producer)
		g.exporter.SetLogFunc(logFn)
	}

	g.wire()
	return g, nil
}

// Sources returns the state served by the HTTP API.
func (g *Gateway) Sources() api.Sources {
	return api.Sources{
		Version: g.version,
		Started: g.started,
		Status:  g.status,
		Tags:    g.tags,
		Link:    g.link,
		Databus: g.bus,
		Engine:  g.dispatch,
		Trace:   g.trace,
		Metrics: g.metrics.Handler(),
	}
}

// Tags returns the tag registry.
func (g *Gateway) Tags() *tagstore.Registry { return g.tags }

// Status returns the status store.
func (g *Gateway) Status() *status.Store { return g.status }

// Link returns the production server connection manager.
func (g *Gateway) Link() *link.Manager { return g.link }

// Dispatch returns the dispatch engine.
func (g *Gateway) Dispatch() *dispatch.Engine { return g.dispatch }

// Trace returns the frame trace.
func (g *Gateway) Trace() *trace.Ring { return g.trace }

// Metrics returns the metrics registry.
func (g *Gateway) Metrics() *metrics.Metrics { return g.metrics }

// Web returns the HTTP server, or nil when disabled.
func (g *Gateway) Web() *web.Server { return g.web }

func (g *Gateway) requestRestart() {
	g.restartOnce.Do(func() {
		g.logFn("restart requested by controller")
		g.Events.Emit(Event{Type: EventRestartRequested})
		close(g.restart)
	})
}

// Run starts every component and blocks until ctx is done or the controller
// requests a restart. All components are stopped before it returns.
func (g *Gateway) Run(ctx context.Context) error {
	g.dispatch.Start()
	if err := g.bus.Start(); err != nil {
		g.Stop()
		return fmt.Errorf("databus: %w", err)
	}

	if g.web != nil {
		if err := g.web.Start(); err != nil {
			g.logFn("web server not started: %v", err)
		}
	}
	if g.valkey != nil {
		if err := g.valkey.Start(); err != nil {
			g.logFn("valkey mirror not started: %v", err)
		}
	}
	if g.exporter != nil {
		g.exporter.Start()
	}

	grp, ctx := errgroup.WithContext(ctx)
	if g.producer != nil {
		grp.Go(func() error {
			if err := g.producer.Connect(ctx); err != nil {
				g.logFn("kafka producer not connected: %v", err)
			}
			return nil
		})
	}
	grp.Go(func() error {
		return g.status.RunHealth(ctx, g.cfg.Health.Interval, g.bus, g.tags)
	})
	grp.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-g.restart:
			return ErrRestartRequested
		}
	})

	err := grp.Wait()
	g.Stop()
	return err
}

// Stop closes the databus and server connections and the exporters. It is idempotent.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.dispatch.Close()
		g.telegrams.Close()
		g.bus.Stop()
		g.link.Close()
		if g.web != nil {
			g.web.Stop()
		}
		if g.exporter != nil {
			g.exporter.Stop()
		}
		if g.producer != nil {
			g.producer.Disconnect()
		}
		if g.valkey != nil {
			g.valkey.Stop()
		}
		g.logFn("stopped")
	})
}
