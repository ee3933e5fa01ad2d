package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/sx4-core/internal/bus"
	"github.com/nerrad567/sx4-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/sx4-core/internal/route"
)

const (
	// defaultQueueSize bounds the changes waiting to be published.
	defaultQueueSize = 1024

	// stateQoS is used for retained state and command subscriptions.
	stateQoS = 1
)

// Publisher is the MQTT side of the service. *mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// MetricsWriter is the time-series side of the service.
// *influxdb.Client implements it.
type MetricsWriter interface {
	WriteChannel(channel, value int, source string)
	WritePower(value int, source string)
	WriteRouteEvent(route int, action string, automatic bool, train int, cause string, at time.Time)
}

// Logger defines the logging interface used by the service.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Service.
type Options struct {
	// QueueSize bounds pending changes. Default 1024.
	QueueSize int

	// Now returns the current time. Tests replace it.
	Now func() time.Time
}

// item is one queued unit of work.
type item struct {
	change   *bus.Change
	event    *route.Event
	snapshot bool
}

// Stats contains service counters.
type Stats struct {
	Published     uint64 `json:"published"`
	PublishErrors uint64 `json:"publish_errors"`
	Dropped       uint64 `json:"dropped"`
	Commands      uint64 `json:"commands"`
	CommandErrors uint64 `json:"command_errors"`
}

// Service mirrors registry and route state to MQTT and InfluxDB.
// Either sink may be nil.
type Service struct {
	reg     *bus.Registry
	routes  *route.Engine
	mqtt    Publisher
	metrics MetricsWriter
	now     func() time.Time

	queue chan item

	mu          sync.Mutex
	started     bool
	unsubscribe []func()
	topics      []string

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	logger Logger

	published     atomic.Uint64
	publishErrors atomic.Uint64
	dropped       atomic.Uint64
	commands      atomic.Uint64
	commandErrors atomic.Uint64
}

// New creates a service. routes may be nil when no layout is loaded.
func New(reg *bus.Registry, routes *route.Engine, pub Publisher, metrics MetricsWriter, opts Options) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		reg:     reg,
		routes:  routes,
		mqtt:    pub,
		metrics: metrics,
		now:     opts.Now,
		queue:   make(chan item, opts.QueueSize),
		done:    make(chan struct{}),
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger. Call before Start.
func (s *Service) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	s.logger = logger
}

// Start subscribes to the registry, the route engine and the MQTT command
// topics, publishes the current state and starts the worker.
//
// Returns:
//   - error: If a command subscription fails; nothing is left running
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	if s.mqtt != nil {
		if err := s.subscribeCommands(); err != nil {
			s.unsubscribeCommands()
			return err
		}
	}

	s.unsubscribe = append(s.unsubscribe, s.reg.Subscribe(s.onChange))
	if s.routes != nil {
		s.unsubscribe = append(s.unsubscribe, s.routes.Subscribe(s.onEvent))
	}
	s.started = true

	s.enqueue(item{snapshot: true})

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop removes all subscriptions, publishes what is queued and waits for
// the worker. Safe to call multiple times.
func (s *Service) Stop() {
	s.mu.Lock()
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	s.unsubscribeCommands()
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Service) onChange(c bus.Change) {
	s.enqueue(item{change: &c})
}

func (s *Service) onEvent(ev route.Event) {
	s.enqueue(item{event: &ev})
}

func (s *Service) enqueue(it item) {
	select {
	case s.queue <- it:
	default:
		s.dropped.Add(1)
	}
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case it := <-s.queue:
			s.handle(it)
		case <-ctx.Done():
			return
		case <-s.done:
			for {
				select {
				case it := <-s.queue:
					s.handle(it)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(it item) {
	switch {
	case it.snapshot:
		s.publishSnapshot()
	case it.change != nil:
		s.handleChange(*it.change)
	case it.event != nil:
		s.handleEvent(*it.event)
	}
}

// channelState is the payload of sx4/state/channel/<ch>.
type channelState struct {
	Channel   int       `json:"channel"`
	Value     int       `json:"value"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// powerState is the payload of sx4/state/power.
type powerState struct {
	Value     int       `json:"value"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// routeState is the payload of sx4/state/route/<addr>.
type routeState struct {
	Route      int       `json:"route"`
	Active     bool      `json:"active"`
	Automatic  bool      `json:"automatic"`
	Train      int       `json:"train,omitempty"`
	LastAction string    `json:"last_action"`
	Cause      string    `json:"cause,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (s *Service) publishSnapshot() {
	now := s.now().UTC()
	values := s.reg.Snapshot()
	for ch, v := range values {
		s.publish(mqtt.Topics{}.ChannelState(ch), channelState{Channel: ch, Value: v, Timestamp: now})
	}
	s.publish(mqtt.Topics{}.PowerState(), powerState{Value: s.reg.Power(), Timestamp: now})

	if s.routes != nil {
		for _, r := range s.routes.Routes() {
			info := r.Info()
			s.publish(mqtt.Topics{}.RouteState(info.Address), routeState{
				Route: info.Address, Active: info.Active, Automatic: info.Automatic, Timestamp: now,
			})
		}
	}
}

func (s *Service) handleChange(c bus.Change) {
	now := s.now().UTC()
	source := c.Source.String()

	switch c.Kind {
	case bus.ChangeChannel:
		s.publish(mqtt.Topics{}.ChannelState(c.Channel), channelState{
			Channel: c.Channel, Value: c.Value, Source: source, Timestamp: now,
		})
		if s.metrics != nil {
			s.metrics.WriteChannel(c.Channel, c.Value, source)
		}
	case bus.ChangePower:
		s.publish(mqtt.Topics{}.PowerState(), powerState{Value: c.Value, Source: source, Timestamp: now})
		if s.metrics != nil {
			s.metrics.WritePower(c.Value, source)
		}
	case bus.ChangeConnection:
		s.logger.Info("bus connection status changed", "status", c.Value)
	}
}

func (s *Service) handleEvent(ev route.Event) {
	active := ev.Kind == route.EventSet
	if r, ok := s.routes.Get(ev.Route); ok {
		active = r.Active()
	}

	s.publish(mqtt.Topics{}.RouteState(ev.Route), routeState{
		Route:      ev.Route,
		Active:     active,
		Automatic:  ev.Automatic,
		Train:      ev.Train,
		LastAction: string(ev.Kind),
		Cause:      ev.Cause,
		Reason:     ev.Reason,
		Timestamp:  ev.At.UTC(),
	})
	if s.metrics != nil {
		s.metrics.WriteRouteEvent(ev.Route, string(ev.Kind), ev.Automatic, ev.Train, ev.Cause, ev.At)
	}
}

// publish sends a retained JSON state message. Nothing is sent while the
// broker is unreachable; the next change or restart republishes.
func (s *Service) publish(topic string, v any) {
	if s.mqtt == nil || !s.mqtt.IsConnected() {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		s.publishErrors.Add(1)
		s.logger.Error("marshalling state", "topic", topic, "error", err)
		return
	}
	if err := s.mqtt.Publish(topic, payload, stateQoS, true); err != nil {
		s.publishErrors.Add(1)
		s.logger.Warn("publishing state failed", "topic", topic, "error", err)
		return
	}
	s.published.Add(1)
}

// Stats returns the service counters.
func (s *Service) Stats() Stats {
	return Stats{
		Published:     s.published.Load(),
		PublishErrors: s.publishErrors.Load(),
		Dropped:       s.dropped.Load(),
		Commands:      s.commands.Load(),
		CommandErrors: s.commandErrors.Load(),
	}
}
