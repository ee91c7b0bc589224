// Package mqttsession implements the MQTT Session (C1): a publish/
// subscribe/ack pipe to one broker with auto-reconnect and a
// lagged-subscriber error surface, generalized from the teacher's
// pkg/tedge.Client (which wires a single paho.mqtt.golang client
// straight to a Cumulocity identity) into a broker-agnostic session
// usable for both the local bus and any number of cloud connections.
package mqttsession

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/thin-edge/tedge-mapper-core/internal/tedgeerr"
)

// Message is a received MQTT message, decoupled from the paho type so
// callers (bridge, entity store, orchestrator) don't import paho directly.
type Message struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
}

// ErrorEvent is delivered on the session's error stream. TransientNetwork
// connection errors and MessagesSkipped lag notifications share this
// channel, matching spec.md §4.1 ("surfaced on the error stream").
type ErrorEvent struct {
	Err error
	// Lag is set only for a MessagesSkipped event: the number of
	// messages dropped for the affected subscriber.
	Lag int
}

// Config configures a single broker connection.
type Config struct {
	Name           string // session name; reused across reconnects so broker state (subscriptions, queued QoS>=1) persists
	Broker         string // e.g. "tcp://127.0.0.1:1883" or "ssl://host:8883"
	ClientID       string
	Username       string
	Password       string
	TLS            *TLSConfig
	WillTopic      string
	WillPayload    []byte
	WillQos        byte
	WillRetain     bool
	SubscriberBuf  int // per-subscriber buffered channel depth before messages are dropped
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// TLSConfig names the inputs the non-core PKI loader hands to us; this
// package only forwards them to the paho client, it does not itself
// load certificates or talk to PKCS#11 (spec.md's Non-goals).
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// tlsConfig loads the client cert/key and CA pool this Config names.
// Loading itself (and any PKCS#11 backing) is out of scope (spec.md's
// Non-goals); this only turns already-resolved file paths into a
// crypto/tls.Config for paho.
func (t *TLSConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{}
	if t.CertFile != "" && t.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "load client certificate")
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, tedgeerr.Wrap(tedgeerr.KindLocalIO, err, "read CA file")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, tedgeerr.New(tedgeerr.KindLocalIO, "no certificates found in CA file")
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.SubscriberBuf <= 0 {
		c.SubscriberBuf = 100
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 1 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
}

// Session wraps one broker connection, providing the pipe contract
// from spec.md §4.1.
type Session struct {
	cfg    Config
	client mqtt.Client

	mu          sync.Mutex
	subscribers map[string]*subscriber // keyed by filter
	errCh       chan ErrorEvent
	closed      bool
}

type subscriber struct {
	ch  chan Message
	lag int
}

// New creates a Session and connects it, with bounded exponential
// backoff reconnection (1s initial, capped ~30s) handled by paho's own
// auto-reconnect, matching spec.md §4.1.
func New(cfg Config) (*Session, error) {
	cfg.setDefaults()
	s := &Session{
		cfg:         cfg,
		subscribers: make(map[string]*subscriber),
		errCh:       make(chan ErrorEvent, 64),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = cfg.Name
	}
	opts.SetClientID(clientID)
	// CleanSession=false plus a stable client id is what lets a
	// reconnect resume broker-side subscriptions and queued QoS>=1
	// messages under the same session name, per spec.md §4.1.
	opts.SetCleanSession(false)
	opts.SetResumeSubs(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.MaxBackoff)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.WillTopic != "" {
		opts.SetWill(cfg.WillTopic, string(cfg.WillPayload), cfg.WillQos, cfg.WillRetain)
	}
	if cfg.TLS != nil {
		tlsCfg, err := cfg.TLS.tlsConfig()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsCfg)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		slog.Warn("mqtt session disconnected", "session", cfg.Name, "err", err)
		s.emitError(tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "connection lost"), 0)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		slog.Info("mqtt session reconnecting", "session", cfg.Name)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		slog.Info("mqtt session connected", "session", cfg.Name)
	})

	s.client = mqtt.NewClient(opts)
	tok := s.client.Connect()
	if !tok.WaitTimeout(30 * time.Second) {
		return nil, tedgeerr.New(tedgeerr.KindTransientNetwork, "timed out connecting to broker")
	}
	if err := tok.Error(); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "connect")
	}
	return s, nil
}

func (s *Session) emitError(err error, lag int) {
	select {
	case s.errCh <- ErrorEvent{Err: err, Lag: lag}:
	default:
		// The error stream itself is best-effort; never block the
		// network loop waiting for a slow error consumer.
	}
}

// ErrorStream returns the session's out-of-band error channel.
func (s *Session) ErrorStream() <-chan ErrorEvent { return s.errCh }

// Publish sends a message and blocks until paho's token completes (for
// QoS>=1, once the PUBACK/PUBCOMP arrives) or ctx is done, then returns
// a CmdId equal to the MQTT packet id paho assigned.
func (s *Session) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) (CmdId, error) {
	tok := s.client.Publish(topic, qos, retain, payload)
	done := make(chan struct{})
	go func() { tok.Wait(); close(done) }()
	select {
	case <-done:
		if err := tok.Error(); err != nil {
			return 0, tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "publish")
		}
		return CmdId(messageID(tok)), nil
	case <-ctx.Done():
		return 0, tedgeerr.Wrap(tedgeerr.KindPeerTimeout, ctx.Err(), "publish await ack")
	}
}

// CmdId identifies one publish's delivery, stable across the
// publish/ack round trip.
type CmdId uint16

// PublishRaw adapts Publish to the bridge.Publisher interface, which
// only needs the raw packet id, not the full CmdId type.
func (s *Session) PublishRaw(ctx context.Context, topic string, qos byte, retain bool, payload []byte) (uint16, error) {
	id, err := s.Publish(ctx, topic, qos, retain, payload)
	return uint16(id), err
}

// messageID extracts the paho packet id from a publish token, when the
// client library exposes one (QoS 0 publishes have no meaningful id).
func messageID(tok mqtt.Token) uint16 {
	if pt, ok := tok.(interface{ MessageID() uint16 }); ok {
		return pt.MessageID()
	}
	return 0
}

// Subscribe returns a channel of messages matching filter. If the
// subscriber can't keep up, the session drops messages for that
// subscriber only and emits Error::MessagesSkipped on the error
// stream; the broker connection itself is unaffected.
func (s *Session) Subscribe(filter string, qos byte) (<-chan Message, error) {
	s.mu.Lock()
	sub, exists := s.subscribers[filter]
	if !exists {
		sub = &subscriber{ch: make(chan Message, s.cfg.SubscriberBuf)}
		s.subscribers[filter] = sub
	}
	s.mu.Unlock()
	if exists {
		return sub.ch, nil
	}

	tok := s.client.Subscribe(filter, qos, func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Topic: m.Topic(), Payload: m.Payload(), Qos: m.Qos(), Retain: m.Retained()}
		select {
		case sub.ch <- msg:
		default:
			s.mu.Lock()
			sub.lag++
			lag := sub.lag
			s.mu.Unlock()
			s.emitError(tedgeerr.New(tedgeerr.KindTransientNetwork, fmt.Sprintf("messages skipped for %s", filter)), lag)
		}
	})
	tok.Wait()
	if err := tok.Error(); err != nil {
		return nil, tedgeerr.Wrap(tedgeerr.KindTransientNetwork, err, "subscribe")
	}
	return sub.ch, nil
}

// Unsubscribe stops delivery for filter and closes its channel.
func (s *Session) Unsubscribe(filter string) error {
	s.mu.Lock()
	sub, ok := s.subscribers[filter]
	delete(s.subscribers, filter)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	tok := s.client.Unsubscribe(filter)
	tok.Wait()
	close(sub.ch)
	if err := tok.Error(); err != nil {
		return errors.Wrap(err, "unsubscribe")
	}
	return nil
}

// Close triggers a graceful DISCONNECT: it waits briefly for the
// background loop to drain, then disconnects, per spec.md §4.1's
// cancellation contract.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.client.Disconnect(250)
	close(s.errCh)
	return nil
}
