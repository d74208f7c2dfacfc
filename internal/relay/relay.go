package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Wandeon/fleet-sub000/internal/dispatch"
	"github.com/Wandeon/fleet-sub000/internal/events"
	"github.com/Wandeon/fleet-sub000/internal/infrastructure/mqtt"
	"github.com/Wandeon/fleet-sub000/internal/state"
)

// Client is the MQTT surface the relay uses. *mqtt.Client satisfies it.
type Client interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	Topics() mqtt.Topics
	QoS() byte
}

// Enqueuer accepts command intents. *dispatch.Service satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, spec dispatch.EnqueueSpec) (*dispatch.EnqueueResult, error)
}

// Logger defines the logging interface used by the Relay.
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

// Deps holds the dependencies of a Relay.
type Deps struct {
	Client   Client
	Bus      *events.Bus
	Enqueuer Enqueuer // nil disables command ingress
	Logger   Logger   // optional
}

// Relay republishes bus traffic to MQTT and feeds MQTT commands into
// the dispatch service.
type Relay struct {
	client   Client
	bus      *events.Bus
	enqueuer Enqueuer
	logger   Logger
	topics   mqtt.Topics

	mu       sync.Mutex
	sub      *events.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Relay.
func New(deps Deps) (*Relay, error) {
	if deps.Client == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	r := &Relay{
		client:   deps.Client,
		bus:      deps.Bus,
		enqueuer: deps.Enqueuer,
		logger:   deps.Logger,
		topics:   deps.Client.Topics(),
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	return r, nil
}

// Start subscribes to the bus and to the command topic.
// ctx bounds the enqueues made for inbound commands.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return ErrAlreadyStarted
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	if r.enqueuer != nil {
		if err := r.client.Subscribe(r.topics.AllCommands(), r.client.QoS(), r.handleCommand); err != nil {
			r.cancel()
			return fmt.Errorf("subscribing to commands: %w", err)
		}
	}

	r.sub = r.bus.Subscribe()
	r.wg.Add(1)
	go r.forward(r.sub)

	r.logger.Info("mqtt relay started", "prefix", r.topics.Prefix(), "commands", r.enqueuer != nil)
	return nil
}

// Stop unsubscribes and waits for the forwarder to exit.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		sub := r.sub
		r.mu.Unlock()
		if sub == nil {
			return
		}

		if r.enqueuer != nil {
			if err := r.client.Unsubscribe(r.topics.AllCommands()); err != nil {
				r.logger.Warn("unsubscribing from commands failed", "error", err)
			}
		}
		r.cancel()
		sub.Close()
		r.wg.Wait()
		r.logger.Info("mqtt relay stopped")
	})
}

func (r *Relay) forward(sub *events.Subscription) {
	defer r.wg.Done()
	for msg := range sub.C() {
		r.publish(msg)
	}
}

// publish relays one bus message. Publish failures are logged and the
// message is dropped; MQTT delivery is best-effort like the bus itself.
func (r *Relay) publish(msg events.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("encoding bus message failed", "topic", string(msg.Topic), "error", err)
		return
	}
	if err := r.client.Publish(r.topics.Event(string(msg.Topic)), data, r.client.QoS(), false); err != nil {
		r.logger.Warn("relaying bus message failed", "topic", string(msg.Topic), "error", err)
	}

	if msg.Topic != events.TopicStateUpdated {
		return
	}
	st, ok := msg.Payload.(*state.DeviceState)
	if !ok || st == nil {
		return
	}
	data, err = json.Marshal(st)
	if err != nil {
		r.logger.Error("encoding device state failed", "device_id", st.DeviceID, "error", err)
		return
	}
	if err := r.client.Publish(r.topics.DeviceState(st.DeviceID), data, r.client.QoS(), true); err != nil {
		r.logger.Warn("publishing device state failed", "device_id", st.DeviceID, "error", err)
	}
}

// handleCommand turns a command message into an enqueue. The device id
// comes from the topic and overrides any deviceId in the payload.
func (r *Relay) handleCommand(topic string, payload []byte) error {
	deviceID, ok := r.topics.CommandDevice(topic)
	if !ok {
		return fmt.Errorf("%w: %s", ErrBadCommandTopic, topic)
	}

	var spec dispatch.EnqueueSpec
	if err := json.Unmarshal(payload, &spec); err != nil {
		return fmt.Errorf("%w: %w", ErrBadCommandPayload, err)
	}
	spec.DeviceID = deviceID
	spec.Origin = events.OriginMQTT

	res, err := r.enqueuer.Enqueue(r.ctx, spec)
	if err != nil {
		return fmt.Errorf("enqueue from %s: %w", topic, err)
	}
	r.logger.Debug("mqtt command enqueued",
		"device_id", deviceID, "command", spec.Command, "job_id", res.JobID, "created", res.Created)
	return nil
}
