package events

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/sipeed/picocell/pkg/logger"
)

// NATSBridge mirrors a local bus onto NATS subjects so separate processes
// can observe and inject events. Each local event is published as JSON to
// "<prefix>.<type>"; inbound messages on "<prefix>.>" are emitted locally.
// Events carry the bridge's origin id so its own publications are not echoed
// back into the bus.
type NATSBridge struct {
	bus    *Bus
	conn   *nats.Conn
	prefix string
	origin string
	tap    HandlerID
	sub    *nats.Subscription
}

// AttachNATS connects bus to NATS under subjectPrefix and starts relaying in
// both directions.
func AttachNATS(bus *Bus, conn *nats.Conn, subjectPrefix string) (*NATSBridge, error) {
	if subjectPrefix == "" {
		subjectPrefix = "picocell.events"
	}

	b := &NATSBridge{
		bus:    bus,
		conn:   conn,
		prefix: subjectPrefix,
		origin: uuid.NewString(),
	}

	sub, err := conn.Subscribe(subjectPrefix+".>", b.handleInbound)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", subjectPrefix, err)
	}
	b.sub = sub
	b.tap = bus.SubscribeAll(b.publish)

	logger.InfoCF("events", "nats bridge attached", map[string]any{
		"prefix": subjectPrefix,
	})
	return b, nil
}

func (b *NATSBridge) publish(ev Event) {
	// A non-empty origin means the event already travelled over the wire;
	// republishing it would loop between bridges.
	if ev.Origin != "" {
		return
	}
	ev.Origin = b.origin

	data, err := json.Marshal(ev)
	if err != nil {
		logger.WarnCF("events", "nats publish marshal failed", map[string]any{
			"type":  ev.Type,
			"error": err.Error(),
		})
		return
	}
	if err := b.conn.Publish(b.subject(ev.Type), data); err != nil {
		logger.WarnCF("events", "nats publish failed", map[string]any{
			"type":  ev.Type,
			"error": err.Error(),
		})
	}
}

func (b *NATSBridge) handleInbound(msg *nats.Msg) {
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		logger.WarnCF("events", "nats inbound decode failed", map[string]any{
			"subject": msg.Subject,
			"error":   err.Error(),
		})
		return
	}
	if ev.Origin == b.origin {
		return
	}
	b.bus.Emit(ev)
}

// subject maps an event type to a NATS subject segment. Dots would split
// subjects, so they are replaced.
func (b *NATSBridge) subject(eventType string) string {
	return b.prefix + "." + strings.ReplaceAll(eventType, ".", "_")
}

// Close detaches the bridge from both the bus and NATS.
func (b *NATSBridge) Close() error {
	b.bus.Unsubscribe(b.tap)
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}
