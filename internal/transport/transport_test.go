package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestCodecsPreserveOrder(t *testing.T) {
	batch := Batch{IDs: []string{"0192-c", "0192-a", "0192-b"}}
	for _, name := range []string{"json", "proto"} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)
			require.Equal(t, name, codec.Name())

			payload, err := codec.Encode(batch)
			require.NoError(t, err)
			decoded, err := codec.Decode(payload)
			require.NoError(t, err)
			require.Equal(t, batch.IDs, decoded.IDs)
		})
	}
}

func TestCodecsRejectGarbage(t *testing.T) {
	_, err := JSONCodec{}.Decode([]byte("not json"))
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = ProtoCodec{}.Decode([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrInvalidBatch)

	_, err = NewCodec("xml")
	require.Error(t, err)
}

func startForwarder(t *testing.T) (*Forwarder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	forwarder := NewForwarder(ForwarderConfig{SubscriberBuffer: 16})
	forwarder.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		forwarder.Close()
		server.Close()
	})
	return forwarder, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestForwarderFansOutInOrder(t *testing.T) {
	forwarder, baseURL := startForwarder(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := DialSubscriber(ctx, baseURL, nil)
	require.NoError(t, err)
	defer first.Close()
	second, err := DialSubscriber(ctx, baseURL, nil)
	require.NoError(t, err)
	defer second.Close()
	require.Eventually(t, func() bool { return forwarder.SubscriberCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	publisher, err := DialPublisher(ctx, baseURL)
	require.NoError(t, err)
	defer publisher.Close()

	payloads := []string{"batch-1", "batch-2", "batch-3"}
	for _, payload := range payloads {
		require.NoError(t, publisher.Publish(ctx, []byte(payload)))
	}

	for _, subscriber := range []*WebSocketSubscriber{first, second} {
		for _, expected := range payloads {
			received, err := subscriber.Receive(ctx)
			require.NoError(t, err)
			require.Equal(t, expected, string(received))
		}
	}
}

func TestSubscriberReceiveHonorsContext(t *testing.T) {
	_, baseURL := startForwarder(t)
	subscriber, err := DialSubscriber(context.Background(), baseURL, nil)
	require.NoError(t, err)
	defer subscriber.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = subscriber.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedEndpointsReportClosed(t *testing.T) {
	_, baseURL := startForwarder(t)
	ctx := context.Background()

	publisher, err := DialPublisher(ctx, baseURL)
	require.NoError(t, err)
	require.NoError(t, publisher.Close())
	require.ErrorIs(t, publisher.Publish(ctx, []byte("late")), ErrClosed)

	subscriber, err := DialSubscriber(ctx, baseURL, nil)
	require.NoError(t, err)
	require.NoError(t, subscriber.Close())

	receiveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = subscriber.Receive(receiveCtx)
	require.ErrorIs(t, err, ErrClosed)
}

// swappableRouter lets a test replace the forwarder behind one address.
type swappableRouter struct {
	mu      sync.Mutex
	handler http.Handler
}

func (s *swappableRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	handler.ServeHTTP(w, r)
}

func (s *swappableRouter) install() *Forwarder {
	router := gin.New()
	forwarder := NewForwarder(ForwarderConfig{SubscriberBuffer: 16})
	forwarder.Register(router)
	s.mu.Lock()
	s.handler = router
	s.mu.Unlock()
	return forwarder
}

func TestEndpointsRecoverFromForwarderRestart(t *testing.T) {
	gin.SetMode(gin.TestMode)
	routes := &swappableRouter{}
	first := routes.install()
	server := httptest.NewServer(routes)
	defer server.Close()
	baseURL := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	subscriber, err := DialSubscriber(ctx, baseURL, nil)
	require.NoError(t, err)
	defer subscriber.Close()
	publisher, err := DialPublisher(ctx, baseURL)
	require.NoError(t, err)
	defer publisher.Close()
	require.Eventually(t, func() bool { return first.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Publish(ctx, []byte("before")))
	received, err := subscriber.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, "before", string(received))

	second := routes.install()
	defer second.Close()
	first.Close()
	require.Eventually(t, func() bool { return second.SubscriberCount() == 1 }, 5*time.Second, 20*time.Millisecond)

	// A write on the dead socket can fail or vanish; later publishes redial.
	require.Eventually(t, func() bool {
		_ = publisher.Publish(ctx, []byte("after"))
		receiveCtx, receiveCancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer receiveCancel()
		payload, err := subscriber.Receive(receiveCtx)
		return err == nil && string(payload) == "after"
	}, 5*time.Second, 10*time.Millisecond)
}

type doneToken struct {
	err error
}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                 { return t.err }
func (doneToken) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

type recordingMQTTClient struct {
	mqtt.Client
	topics []string
}

func (c *recordingMQTTClient) Subscribe(topic string, _ byte, _ mqtt.MessageHandler) mqtt.Token {
	c.topics = append(c.topics, topic)
	return doneToken{}
}

func TestMQTTSubscriberResubscribesOnReconnect(t *testing.T) {
	subscriber := newMQTTSubscriber(MQTTConfig{Broker: "tcp://127.0.0.1:1883", Topic: "changes"})
	client := &recordingMQTTClient{}

	subscriber.onConnect(client)
	require.NoError(t, <-subscriber.subscribed)
	subscriber.onConnect(client)

	require.Equal(t, []string{"changes", "changes"}, client.topics)
}

func TestMQTTRequiresBroker(t *testing.T) {
	_, err := NewMQTTPublisher(context.Background(), MQTTConfig{Topic: "changes"})
	require.ErrorIs(t, err, errMissingBroker)
	_, err = NewMQTTSubscriber(context.Background(), MQTTConfig{Topic: "changes"})
	require.ErrorIs(t, err, errMissingBroker)
}
