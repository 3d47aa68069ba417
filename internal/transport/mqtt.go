package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	mqttQuiesceMillis  = 250
	mqttConnectTimeout = 10 * time.Second
	mqttInboundBuffer  = 256
)

var errMissingBroker = errors.New("transport: mqtt broker is required")

// MQTTConfig configures an MQTT publisher or subscriber.
type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
	// QoS defaults to 1, at-least-once.
	QoS    *byte
	Logger *zap.Logger
}

func (c MQTTConfig) qos() byte {
	if c.QoS == nil {
		return 1
	}
	return *c.QoS
}

// connectMQTT connects to the broker. onConnect, when set, runs after the
// first connection and after every automatic reconnect.
func connectMQTT(ctx context.Context, cfg MQTTConfig, logger *zap.Logger, onConnect mqtt.OnConnectHandler) (mqtt.Client, error) {
	if cfg.Broker == "" {
		return nil, errMissingBroker
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("transport: mqtt topic is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(mqttConnectTimeout)
	// Named clients keep their broker session across reconnects.
	opts.SetCleanSession(cfg.ClientID == "")
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
	}
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		logger.Info("mqtt reconnecting", zap.String("broker", cfg.Broker))
	})
	if onConnect != nil {
		opts.SetOnConnectHandler(onConnect)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, err
	}
	return client, nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-token.Done():
		return token.Error()
	}
}

// MQTTPublisher publishes payloads to an MQTT topic.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// NewMQTTPublisher connects a publisher to the broker.
func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig) (*MQTTPublisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := connectMQTT(ctx, cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	return &MQTTPublisher{client: client, topic: cfg.Topic, qos: cfg.qos()}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, payload []byte) error {
	return waitToken(ctx, p.client.Publish(p.topic, p.qos, false, payload))
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(mqttQuiesceMillis)
	return nil
}

// MQTTSubscriber receives payloads from an MQTT topic. The subscription is
// renewed on every reconnect.
type MQTTSubscriber struct {
	client     mqtt.Client
	topic      string
	qos        byte
	logger     *zap.Logger
	messages   chan []byte
	subscribed chan error
	done       chan struct{}
	once       sync.Once
}

// NewMQTTSubscriber connects to the broker and subscribes to the topic.
func NewMQTTSubscriber(ctx context.Context, cfg MQTTConfig) (*MQTTSubscriber, error) {
	subscriber := newMQTTSubscriber(cfg)
	client, err := connectMQTT(ctx, cfg, subscriber.logger, subscriber.onConnect)
	if err != nil {
		return nil, err
	}
	subscriber.client = client
	select {
	case <-ctx.Done():
		client.Disconnect(mqttQuiesceMillis)
		return nil, ctx.Err()
	case err := <-subscriber.subscribed:
		if err != nil {
			client.Disconnect(mqttQuiesceMillis)
			return nil, err
		}
	}
	return subscriber, nil
}

func newMQTTSubscriber(cfg MQTTConfig) *MQTTSubscriber {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTSubscriber{
		topic:      cfg.Topic,
		qos:        cfg.qos(),
		logger:     logger,
		messages:   make(chan []byte, mqttInboundBuffer),
		subscribed: make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// onConnect subscribes on every (re)connection. Only the first outcome is
// reported to NewMQTTSubscriber.
func (s *MQTTSubscriber) onConnect(client mqtt.Client) {
	token := client.Subscribe(s.topic, s.qos, s.handle)
	var err error
	if !token.WaitTimeout(mqttConnectTimeout) {
		err = fmt.Errorf("transport: mqtt subscribe to %s timed out", s.topic)
	} else {
		err = token.Error()
	}
	if err != nil {
		s.logger.Warn("mqtt subscribe failed", zap.String("topic", s.topic), zap.Error(err))
	} else {
		s.logger.Debug("mqtt subscription established", zap.String("topic", s.topic))
	}
	select {
	case s.subscribed <- err:
	default:
	}
}

func (s *MQTTSubscriber) handle(_ mqtt.Client, message mqtt.Message) {
	select {
	case <-s.done:
	case s.messages <- message.Payload():
	default:
		s.logger.Warn("mqtt inbound backlog full, dropping payload",
			zap.String("topic", message.Topic()),
			zap.Uint16("message_id", message.MessageID()),
		)
	}
}

func (s *MQTTSubscriber) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	case payload := <-s.messages:
		return payload, nil
	}
}

func (s *MQTTSubscriber) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.client.Unsubscribe(s.topic).WaitTimeout(time.Second)
		s.client.Disconnect(mqttQuiesceMillis)
	})
	return nil
}
