package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/keglevelmonitor/development-sub000/internal/calibration"
	"github.com/keglevelmonitor/development-sub000/internal/logging"
	"github.com/keglevelmonitor/development-sub000/internal/pour"
)

const (
	connectWait     = 10 * time.Second
	publishWait     = 5 * time.Second
	defaultBufferSz = 256
)

var errPublishTimeout = errors.New("publish timeout")

// Options configures a RealPublisher.
type Options struct {
	Broker      string
	ClientID    string
	TopicPrefix string
	// BufferSize is how many messages are kept while disconnected.
	BufferSize int
	Logger     *slog.Logger
	// OnConnectionChange, if set, is called on every connect and disconnect.
	OnConnectionChange func(connected bool)
}

// RealPublisher publishes to an actual MQTT broker. Messages published
// while the connection is down are buffered and replayed in order on
// reconnect.
type RealPublisher struct {
	client paho.Client
	topics Topics
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	buf       *ringBuffer
	connected bool
	connects  int
}

// NewRealPublisher creates a publisher for the configured broker. A broker
// that is down at startup is not an error; messages buffer until it is up.
func NewRealPublisher(opts Options) (*RealPublisher, error) {
	p := newPublisher(opts)
	will, err := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "SHUTDOWN", Reason: "MQTT_DISCONNECT"})
	if err != nil {
		return nil, fmt.Errorf("format will: %w", err)
	}
	clientOpts := paho.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetBinaryWill(p.topics.System, will, 1, true).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	p.client = paho.NewClient(clientOpts)
	token := p.client.Connect()
	if !token.WaitTimeout(connectWait) {
		p.logger.Warn("broker not reachable yet, buffering", "broker", opts.Broker)
		return p, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	return p, nil
}

func newPublisher(opts Options) *RealPublisher {
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaultBufferSz
	}
	logger := logging.Default(opts.Logger).With("component", "mqtt")
	return &RealPublisher{
		topics: TopicsFor(opts.TopicPrefix),
		opts:   opts,
		logger: logger,
		buf:    newRingBuffer(opts.BufferSize, logger),
	}
}

func (p *RealPublisher) onConnect(client paho.Client) {
	p.mu.Lock()
	p.connected = true
	p.connects++
	reconnect := p.connects > 1
	pending := p.buf.drainAll()
	p.mu.Unlock()

	p.logger.Info("connected", "broker", p.opts.Broker, "replaying", len(pending))
	if p.opts.OnConnectionChange != nil {
		p.opts.OnConnectionChange(true)
	}
	for _, m := range pending {
		// Runs on paho's callback goroutine; waiting here would block it.
		client.Publish(m.topic, m.qos, m.retained, m.payload)
	}
	if reconnect {
		payload, _ := FormatSystemPayload(SystemEvent{Timestamp: time.Now(), Event: "RECONNECTED"})
		client.Publish(p.topics.System, 1, false, payload)
	}
}

func (p *RealPublisher) onConnectionLost(_ paho.Client, err error) {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.logger.Warn("connection lost", "error", err)
	if p.opts.OnConnectionChange != nil {
		p.opts.OnConnectionChange(false)
	}
}

// publish sends or buffers one message.
func (p *RealPublisher) publish(topic string, qos byte, retained bool, payload []byte) error {
	p.mu.Lock()
	if !p.connected {
		p.buf.push(bufferedMsg{topic: topic, payload: payload, qos: qos, retained: retained})
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(publishWait) {
		return fmt.Errorf("%s: %w", topic, errPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishPour sends a completed pour.
func (p *RealPublisher) PublishPour(c pour.Completed) error {
	payload, err := FormatPour(c)
	if err != nil {
		return fmt.Errorf("format pour: %w", err)
	}
	return p.publish(p.topics.Pours, 1, false, payload)
}

// PublishLowVolume sends a low-volume alert.
func (p *RealPublisher) PublishLowVolume(e LowVolumeEvent) error {
	payload, err := FormatLowVolume(e)
	if err != nil {
		return fmt.Errorf("format alert: %w", err)
	}
	return p.publish(p.topics.Alerts, 1, false, payload)
}

// PublishCalibration sends a calibration result.
func (p *RealPublisher) PublishCalibration(r calibration.Result) error {
	payload, err := FormatCalibration(r, time.Now())
	if err != nil {
		return fmt.Errorf("format calibration: %w", err)
	}
	return p.publish(p.topics.Calibration, 1, false, payload)
}

// PublishSystem sends a system lifecycle event.
func (p *RealPublisher) PublishSystem(e SystemEvent) error {
	payload, err := FormatSystemPayload(e)
	if err != nil {
		return fmt.Errorf("format system payload: %w", err)
	}
	return p.publish(p.topics.System, 1, e.Retained, payload)
}

// IsConnected reports whether the broker connection is up.
func (p *RealPublisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// Buffered returns the number of messages waiting for a connection.
func (p *RealPublisher) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.len()
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
