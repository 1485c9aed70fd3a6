package im

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"

	"github.com/nodefabric/matter/pkg/exchange"
	"github.com/nodefabric/matter/pkg/im/message"
	"github.com/nodefabric/matter/pkg/tlv"
)

// Subscription-related interval bounds.
// Spec: Section 8.5.3 "Subscribe Interaction"
const (
	MinSubscriptionMaxIntervalSeconds = 1
	MaxSubscriptionMaxIntervalSeconds = 60 * 60
)

// Subscription tracks server-side state for one active subscription.
type Subscription struct {
	ID          message.SubscriptionID
	Exchange    *exchange.ExchangeContext
	FabricIndex uint8
	PeerNodeID  uint64

	AttributeRequests []message.AttributePathIB
	EventRequests     []message.EventPathIB
	FabricFiltered    bool

	MinIntervalFloor   uint16
	MaxIntervalCeiling uint16

	timer  *time.Timer
	cancel chan struct{}
}

// SubscriptionManager owns the set of active subscriptions served by an Engine.
// Grounded on the subscription-id-keyed registry pattern used by
// pkg/session's secure context table.
type SubscriptionManager struct {
	mu            sync.Mutex
	subscriptions map[message.SubscriptionID]*Subscription
	nextID        uint32
}

// NewSubscriptionManager creates an empty subscription manager.
func NewSubscriptionManager() *SubscriptionManager {
	var seed [4]byte
	_, _ = rand.Read(seed[:])

	return &SubscriptionManager{
		subscriptions: make(map[message.SubscriptionID]*Subscription),
		nextID:        binary.BigEndian.Uint32(seed[:]),
	}
}

// allocateID returns the next subscription identifier.
func (m *SubscriptionManager) allocateID() message.SubscriptionID {
	m.nextID++
	return message.SubscriptionID(m.nextID)
}

// Add registers a subscription and arms its liveness timer.
func (m *SubscriptionManager) Add(sub *Subscription, onExpire func(*Subscription)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.cancel = make(chan struct{})
	m.subscriptions[sub.ID] = sub
	m.armLiveness(sub, onExpire)
}

// armLiveness schedules the keepalive/expiry callback at MaxIntervalCeiling.
// A real peer resets this by issuing further reads/responses; here it models
// the liveness window described for the MaxInterval negotiated at subscribe time.
func (m *SubscriptionManager) armLiveness(sub *Subscription, onExpire func(*Subscription)) {
	d := time.Duration(sub.MaxIntervalCeiling) * time.Second
	if d <= 0 {
		d = time.Duration(MinSubscriptionMaxIntervalSeconds) * time.Second
	}

	sub.timer = time.AfterFunc(d, func() {
		onExpire(sub)
	})
}

// Touch resets a subscription's liveness window, called whenever a fresh
// report is sent for it.
func (m *SubscriptionManager) Touch(id message.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok || sub.timer == nil {
		return
	}
	sub.timer.Reset(time.Duration(sub.MaxIntervalCeiling) * time.Second)
}

// Get returns the subscription for id, if any.
func (m *SubscriptionManager) Get(id message.SubscriptionID) (*Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[id]
	return sub, ok
}

// Remove cancels and forgets a subscription.
func (m *SubscriptionManager) Remove(id message.SubscriptionID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return
	}
	if sub.timer != nil {
		sub.timer.Stop()
	}
	close(sub.cancel)
	delete(m.subscriptions, id)
}

// RemoveByExchange cancels all subscriptions owned by a closing exchange.
func (m *SubscriptionManager) RemoveByExchange(ctx *exchange.ExchangeContext) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.subscriptions {
		if sub.Exchange == ctx {
			if sub.timer != nil {
				sub.timer.Stop()
			}
			close(sub.cancel)
			delete(m.subscriptions, id)
		}
	}
}

// Count returns the number of active subscriptions.
func (m *SubscriptionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subscriptions)
}

// handleSubscribeRequest processes a SubscribeRequestMessage.
//
// The initial priming report(s) are built the same way a ReadRequest would
// be, then stamped with the allocated subscription ID on the final chunk.
// The priming reports do not suppress the response, so the peer's
// StatusResponse drives the engine's existing chunked-read continuation
// path (handleStatusResponse); once that path drains, a SubscribeResponse
// confirms the subscription.
//
// Spec: Section 8.5.3 "Subscribe Interaction"
func (e *Engine) handleSubscribeRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	req, err := decodeSubscribeRequest(payload)
	if err != nil {
		return e.encodeStatusResponse(message.StatusInvalidAction)
	}

	if req.MaxIntervalCeiling == 0 || req.MaxIntervalCeiling > MaxSubscriptionMaxIntervalSeconds {
		return e.encodeStatusResponse(message.StatusInvalidAction)
	}
	if req.MaxIntervalCeiling < req.MinIntervalFloor {
		return e.encodeStatusResponse(message.StatusInvalidAction)
	}

	subject := subjectFromSession(ctx)

	readReq := &message.ReadRequestMessage{
		AttributeRequests:  req.AttributeRequests,
		EventRequests:      req.EventRequests,
		EventFilters:       req.EventFilters,
		FabricFiltered:     req.FabricFiltered,
		DataVersionFilters: req.DataVersionFilters,
	}

	reader := e.createAttributeReader()
	handler := NewReadHandler(reader, e.maxPayload)
	handler.SetNode(e.node)
	handler.SetEventManager(e.events)

	resp, err := handler.HandleReadRequest(ctx, readReq, subject.FabricIndex, subject.NodeID)
	if err != nil {
		return e.encodeStatusResponse(ErrorToStatus(err))
	}

	sub := &Subscription{
		ID:                 e.subscriptions.allocateID(),
		Exchange:           ctx,
		FabricIndex:        subject.FabricIndex,
		PeerNodeID:         subject.NodeID,
		AttributeRequests:  req.AttributeRequests,
		EventRequests:      req.EventRequests,
		FabricFiltered:     req.FabricFiltered,
		MinIntervalFloor:   req.MinIntervalFloor,
		MaxIntervalCeiling: req.MaxIntervalCeiling,
	}
	e.subscriptions.Add(sub, e.expireSubscription)

	resp.SubscriptionID = &sub.ID
	resp.SuppressResponse = false

	// The priming report always expects an ack (SuppressResponse is false):
	// handleStatusResponse follows it with a SubscribeResponse once the
	// report (single-chunk or not) has been fully acknowledged.
	id := sub.ID
	e.pendingSubscriptionID = &id
	e.readHandler = handler

	return EncodeReportData(resp)
}

// expireSubscription is invoked when a subscription's liveness window
// elapses without being refreshed. It tears down server-side state; the
// peer is expected to have already timed out on its own.
func (e *Engine) expireSubscription(sub *Subscription) {
	e.subscriptions.Remove(sub.ID)
}

// handleTimedRequest processes a TimedRequestMessage, arming a timed
// interaction window on the originating exchange.
//
// Spec: Section 8.6.3 "Timed Interaction"
func (e *Engine) handleTimedRequest(ctx *exchange.ExchangeContext, payload []byte) ([]byte, error) {
	var msg message.TimedRequestMessage
	r := tlv.NewReader(bytes.NewReader(payload))
	if err := msg.Decode(r); err != nil {
		return e.encodeStatusResponse(message.StatusInvalidAction)
	}

	e.timedWindows.arm(ctx, time.Duration(msg.Timeout)*time.Millisecond)

	return e.encodeStatusResponse(message.StatusSuccess)
}

func decodeSubscribeRequest(data []byte) (*message.SubscribeRequestMessage, error) {
	r := tlv.NewReader(bytes.NewReader(data))
	var msg message.SubscribeRequestMessage
	if err := msg.Decode(r); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeSubscribeResponse encodes a subscribe response message.
func EncodeSubscribeResponse(msg *message.SubscribeResponseMessage) ([]byte, error) {
	var buf bytes.Buffer
	w := tlv.NewWriter(&buf)
	if err := msg.Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
