package mqtt

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/fenwick-systems/mqttclient/internal/packets"
)

// loadSessionState loads the persisted session state into the client.
// This must be called BEFORE the CONNECT packet is sent.
func (c *Client) loadSessionState() error {
	if c.opts.SessionStore == nil {
		return nil
	}

	c.opts.Logger.Debug("loading persistent session state")

	// 1. Load Pending Publishes
	pending, err := c.opts.SessionStore.LoadPendingPublishes()
	if err != nil {
		return fmt.Errorf("failed to load pending publishes: %w", err)
	}

	c.pending = make(map[uint16]*pendingOp)
	c.inFlightCount = 0
	for id, pub := range pending {
		op := c.convertFromPersistedPublish(pub)
		switch pkt := op.packet.(type) {
		case *packets.PublishPacket:
			pkt.PacketID = id // Restore PacketID from map key
			if pkt.QoS > 0 {
				c.inFlightCount++
			}
		case *packets.PubrelPacket:
			pkt.PacketID = id
			c.inFlightCount++ // QoS 2 flow already past PUBLISH, still in flight
		}
		c.pending[id] = op
	}

	// 2. Load Subscriptions
	// note: handlers are lost, but we restore the subscription state
	// so we know what topics we are subscribed to.
	subs, err := c.opts.SessionStore.LoadSubscriptions()
	if err != nil {
		return fmt.Errorf("failed to load subscriptions: %w", err)
	}

	if c.subscriptions == nil {
		c.subscriptions = make(map[string]subscriptionEntry)
	}

	for topic, sub := range subs {
		entry := c.convertFromPersistedSubscription(sub)
		if handler, ok := c.opts.InitialSubscriptions[topic]; ok {
			entry.handler = handler
		}
		c.subscriptions[topic] = entry
	}

	// 3. Load Received QoS 2 IDs
	qos2, err := c.opts.SessionStore.LoadReceivedQoS2()
	if err != nil {
		return fmt.Errorf("failed to load qos2 IDs: %w", err)
	}
	c.receivedQoS2 = qos2

	c.opts.Logger.Info("loaded session state",
		"pending", len(c.pending),
		"subscriptions", len(c.subscriptions),
		"qos2_received", len(c.receivedQoS2))

	return nil
}

// checkSessionPresent handles the Session Present flag from CONNACK.
// If valid, it keeps the loaded state.
// If invalid (false), it clears stale persistent state and resubscribes.
//
// NOTE: This runs in the connection/reconnection loop.
func (c *Client) checkSessionPresent(sessionPresent bool, w io.Writer) error {
	if sessionPresent {
		c.opts.Logger.Debug("session present, keeping loaded state")
		return c.replayPending(w)
	}

	c.opts.Logger.Debug("session not present (clean start), clearing stale state and resubscribing")

	// 1. Clear Stale Persistence State (Server doesn't know about it)
	// Only clear ephemeral state like QoS 2 received IDs.
	// Pending publishes and subscriptions are preserved for re-delivery/re-subscription.
	if c.opts.SessionStore != nil {
		if err := c.opts.SessionStore.ClearReceivedQoS2(); err != nil {
			c.opts.Logger.Warn("failed to clear stale QoS2 IDs", "error", err)
		}
	}

	// 2. Trigger Logic Loop Reset
	// Safely clears c.receivedQoS2.
	c.internalResetState()

	// 3. Resubscribe to subscriptions added via WithSubscription
	go c.resubscribeAll()

	return nil
}

// replayPending retransmits the retry queue (pending QoS 1/2 PUBLISH and
// PUBREL packets) in packet-ID order, directly over the just-established
// connection, before readLoop/writeLoop start and the fresh ToDoQueue
// (c.outgoing) begins draining. This guarantees the replay is the first
// traffic emitted after a session-resumed reconnect. PUBLISH entries are
// marked DUP; PUBREL carries no DUP flag.
func (c *Client) replayPending(w io.Writer) error {
	c.sessionLock.Lock()
	defer c.sessionLock.Unlock()

	if len(c.pending) == 0 {
		return nil
	}

	ids := make([]uint16, 0, len(c.pending))
	for id, op := range c.pending {
		switch op.packet.(type) {
		case *packets.PublishPacket, *packets.PubrelPacket:
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		op := c.pending[id]
		if pub, ok := op.packet.(*packets.PublishPacket); ok {
			pub.Dup = true
		}

		if _, err := op.packet.WriteTo(w); err != nil {
			return fmt.Errorf("failed to replay packet %d: %w", id, err)
		}
		op.timestamp = time.Now()
		c.opts.Logger.Debug("replayed pending packet on session resume", "packet_id", id)
	}

	return nil
}

// --- Conversion Helpers ---

func (c *Client) convertToPersistedPublish(req *publishRequest) *PersistedPublish {
	return &PersistedPublish{
		Topic:   req.packet.Topic,
		Payload: req.packet.Payload,
		QoS:     req.packet.QoS,
		Retain:  req.packet.Retain,
	}
}

func (c *Client) convertFromPersistedPublish(p *PersistedPublish) *pendingOp {
	if p.Pubrel {
		// PUBREC was received before the crash; the PUBLISH itself must
		// never be replayed again, only the bare PUBREL.
		return &pendingOp{
			packet:    &packets.PubrelPacket{PacketID: 0, Version: c.opts.ProtocolVersion}, // PacketID set by caller
			token:     newToken(),
			qos:       p.QoS,
			timestamp: time.Now(),
		}
	}

	// Reconstruct the pending operation
	pkt := &packets.PublishPacket{
		Topic:    p.Topic,
		Payload:  p.Payload,
		QoS:      p.QoS,
		Retain:   p.Retain,
		PacketID: 0, // Will be set by caller
	}

	return &pendingOp{
		packet:    pkt,
		token:     newToken(),
		qos:       p.QoS,
		timestamp: time.Now(), // Reset timestamp
	}
}

func (c *Client) convertToPersistedSubscription(entry subscriptionEntry) *SubscriptionInfo {
	return &SubscriptionInfo{
		QoS: entry.qos,
		Options: &SubscriptionOptions{
			NoLocal:           entry.options.NoLocal,
			RetainAsPublished: entry.options.RetainAsPublished,
			RetainHandling:    entry.options.RetainHandling,
			SubscriptionID:    subscriptionIDPtr(entry.options.SubscriptionID),
			UserProperties:    entry.options.UserProperties,
		},
	}
}

func (c *Client) convertFromPersistedSubscription(sub *SubscriptionInfo) subscriptionEntry {
	opts := SubscribeOptions{}
	if sub.Options != nil {
		opts.NoLocal = sub.Options.NoLocal
		opts.RetainAsPublished = sub.Options.RetainAsPublished
		opts.RetainHandling = sub.Options.RetainHandling
		if sub.Options.SubscriptionID != nil {
			opts.SubscriptionID = int(*sub.Options.SubscriptionID)
		}
		opts.UserProperties = sub.Options.UserProperties
	}

	return subscriptionEntry{
		qos:     sub.QoS,
		options: opts,
		// handler is set by caller if available in the initial subscriptions
	}
}

// subscriptionIDPtr converts an in-memory int subscription identifier (0 =
// none) to the *uint32 representation SubscriptionOptions persists.
func subscriptionIDPtr(id int) *uint32 {
	if id <= 0 {
		return nil
	}
	v := uint32(id)
	return &v
}
