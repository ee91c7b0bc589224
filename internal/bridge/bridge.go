// Package bridge implements the Bridge (C2): two MQTT sessions (local,
// cloud) stitched via a rule set, with topic rewriting, loop
// prevention and QoS-preserving ack forwarding.
//
// The teacher repo bridges exactly one local session to one
// Cumulocity-shaped identity without a general rule engine; this
// package generalizes that single-purpose wiring into the rule-driven
// mirror described by spec.md §4.2.
package bridge

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/thin-edge/tedge-mapper-core/internal/topic"
)

// Side names one leg of the bridge, used for loop-prevention bookkeeping.
type Side int

const (
	SideLocal Side = iota
	SideCloud
)

func (s Side) String() string {
	if s == SideLocal {
		return "local"
	}
	return "cloud"
}

// Direction controls which sides a rule mirrors messages across.
type Direction int

const (
	Inbound Direction = iota // cloud -> local
	Outbound
	Bidirectional
)

// Rule is a compiled bridge rule, per spec.md §3.
type Rule struct {
	TopicPattern  string
	LocalPrefix   string
	RemotePrefix  string
	Direction     Direction
}

func (r Rule) matches(strippedTopic string) bool {
	return topic.MatchesWildcard(r.TopicPattern, strippedTopic)
}

// Message is the session-agnostic unit the bridge moves between sides.
type Message struct {
	Topic   string
	Payload []byte
	Qos     byte
	Retain  bool
	// PacketID is the broker-assigned packet id on the side this
	// message was received on, used for ack-forwarding bookkeeping.
	PacketID uint16
}

// Publisher is the subset of mqttsession.Session the bridge needs;
// kept as a narrow interface so bridge logic can be unit tested with a
// fake, independent of a live broker.
type Publisher interface {
	PublishRaw(ctx context.Context, topic string, qos byte, retain bool, payload []byte) (uint16, error)
}

// tokenEntry is one inflight loop-prevention token: a publish
// originated on `origin` side, matching a Bidirectional rule, not yet
// acked (QoS>=1) or past its QoS-0 TTL.
type tokenEntry struct {
	origin  Side
	created time.Time
}

// ackEntry tracks the cross-side packet-id mapping needed to translate
// an ack observed on the destination side back into an ack on the
// originating side, per spec.md §4.2 "Ack forwarding".
type ackEntry struct {
	srcSide   Side
	srcPktID  uint16
	destSide  Side
	destTopic string
}

// Bridge mirrors subsets of two brokers into each other.
type Bridge struct {
	Local Publisher
	Cloud Publisher
	Rules []Rule

	mu          sync.Mutex
	tokens      map[string]tokenEntry // keyed by (side published to, topic published)
	acks        map[uint16]ackEntry   // keyed by dst packet id
	qos0TTL     time.Duration
	healthTopic string
}

// New constructs a Bridge over an already-matched rule set.
func New(local, cloud Publisher, rules []Rule) *Bridge {
	return &Bridge{
		Local:   local,
		Cloud:   cloud,
		Rules:   rules,
		tokens:  make(map[string]tokenEntry),
		acks:    make(map[uint16]ackEntry),
		qos0TTL: 2 * time.Second,
	}
}

// tokenKey fingerprints a publish for loop-prevention purposes: the side
// the bridge wrote to plus the exact topic it wrote, since an echo is by
// definition a message arriving back on that same side and topic.
func tokenKey(side Side, topic string) string { return side.String() + ":" + topic }

// OnLocalMessage handles a message received on the local side,
// forwarding it to the cloud side per any matching Outbound/
// Bidirectional rule, with the rewrite spec.md §4.2 describes:
// Lprefix + T -> Rprefix + T.
func (b *Bridge) OnLocalMessage(ctx context.Context, m Message) error {
	return b.forward(ctx, SideLocal, m, func(d Direction) bool { return d == Outbound || d == Bidirectional })
}

// OnCloudMessage handles a message received on the cloud side, mirror
// of OnLocalMessage for Inbound/Bidirectional rules.
func (b *Bridge) OnCloudMessage(ctx context.Context, m Message) error {
	return b.forward(ctx, SideCloud, m, func(d Direction) bool { return d == Inbound || d == Bidirectional })
}

func (b *Bridge) forward(ctx context.Context, origin Side, m Message, want func(Direction) bool) error {
	// A message arriving on the exact side+topic this bridge itself just
	// published to is our own echo bouncing back through the broker,
	// regardless of which rule would otherwise match it.
	if b.isEcho(origin, m.Topic) {
		slog.Debug("bridge: dropping echo", "topic", m.Topic, "origin", origin)
		return nil
	}

	for _, r := range b.Rules {
		if !want(r.Direction) {
			continue
		}
		stripPrefix, addPrefix := r.LocalPrefix, r.RemotePrefix
		if origin == SideCloud {
			stripPrefix, addPrefix = r.RemotePrefix, r.LocalPrefix
		}
		if !strings.HasPrefix(m.Topic, stripPrefix) {
			continue
		}
		rest := strings.TrimPrefix(m.Topic, stripPrefix)
		if !r.matches(rest) {
			continue
		}
		destTopic := addPrefix + rest

		destSide := SideCloud
		dest := b.Cloud
		if origin == SideCloud {
			destSide, dest = SideLocal, b.Local
		}

		if r.Direction == Bidirectional {
			b.recordToken(destSide, destTopic, m.Qos)
		}

		dstPktID, err := dest.PublishRaw(ctx, destTopic, m.Qos, m.Retain, m.Payload)
		if err != nil {
			return err
		}
		if m.Qos > 0 {
			b.recordAck(dstPktID, origin, m.PacketID, destSide, destTopic)
		}
	}
	return nil
}

// recordToken remembers that this bridge published destTopic onto
// destSide, so it can recognize and drop the echo when that exact
// side+topic comes back around as an incoming message.
func (b *Bridge) recordToken(destSide Side, destTopic string, qos byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := tokenKey(destSide, destTopic)
	origin := SideLocal
	if destSide == SideLocal {
		origin = SideCloud
	}
	b.tokens[key] = tokenEntry{origin: origin, created: time.Now()}
	if qos == 0 {
		// QoS 0 has no ack to expire the token on; it ages out after a
		// short TTL instead, per spec.md §4.2.
		go func() {
			time.Sleep(b.qos0TTL)
			b.mu.Lock()
			delete(b.tokens, key)
			b.mu.Unlock()
		}()
	}
}

// isEcho reports whether a message arriving on `arrivalSide` with topic
// arrivalTopic is the bounce-back of a publish this bridge itself just
// made to that same side and topic.
func (b *Bridge) isEcho(arrivalSide Side, arrivalTopic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tokens[tokenKey(arrivalSide, arrivalTopic)]
	return ok
}

// recordAck remembers the destination packet id assigned to a forwarded
// QoS>=1 publish, keyed so a later ack on the destination side can be
// translated back into an ack on the source side.
func (b *Bridge) recordAck(dstPktID uint16, srcSide Side, srcPktID uint16, destSide Side, destTopic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks[dstPktID] = ackEntry{srcSide: srcSide, srcPktID: srcPktID, destSide: destSide, destTopic: destTopic}
}

// OnAck is called when the destination side acks dstPktID (PUBACK or
// PUBCOMP). It returns the (side, packetID) the corresponding ack must
// now be delivered to on the source side, clearing the table entry.
// Per spec.md §4.2: "an incoming PUBACK/PUBCOMP on the destination side
// MUST be translated into the corresponding PUBACK on the source side".
func (b *Bridge) OnAck(dstPktID uint16) (Side, uint16, bool) {
	b.mu.Lock()
	e, ok := b.acks[dstPktID]
	if !ok {
		b.mu.Unlock()
		return 0, 0, false
	}
	delete(b.acks, dstPktID)
	// Once acked, the loop-prevention token for this publish is no
	// longer needed either; QoS>=1 tokens expire on ack rather than TTL.
	delete(b.tokens, tokenKey(e.destSide, e.destTopic))
	b.mu.Unlock()
	return e.srcSide, e.srcPktID, true
}

// HealthTopic returns the retained health topic configured for this
// bridge, published up/down by the owning process on connect/last-will.
func (b *Bridge) HealthTopic() string { return b.healthTopic }

// SetHealthTopic configures the retained topic used for bridge health.
func (b *Bridge) SetHealthTopic(t string) { b.healthTopic = t }
