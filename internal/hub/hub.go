package hub

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/beacon-track/trackserver/internal/cinet"
	"github.com/beacon-track/trackserver/internal/metrics"
)

// Sink is one live subscriber. Identity is the interface value itself; a
// sink is attached on connect, detached on disconnect, never re-used.
// Send must not block indefinitely — a failed send detaches the sink.
type Sink interface {
	Send(payload []byte) error
	Close()
}

// Hub is the in-process subscription index: device id → sinks and its
// reverse. Both maps mutate under one mutex so they can never disagree;
// delivery happens outside the lock on a snapshot.
type Hub struct {
	mu      sync.Mutex
	forward map[int64]map[Sink]struct{}
	reverse map[Sink]map[int64]struct{}
	logger  *zap.Logger
}

func New(logger *zap.Logger) *Hub {
	return &Hub{
		forward: make(map[int64]map[Sink]struct{}),
		reverse: make(map[Sink]map[int64]struct{}),
		logger:  logger,
	}
}

// Attach registers a sink with an empty subscription set.
func (h *Hub) Attach(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.reverse[s]; ok {
		return
	}
	h.reverse[s] = make(map[int64]struct{})
	metrics.SubscribersConnected.Inc()
}

// Subscribe adds the sink to each device's subscriber set. Attaches the
// sink implicitly if the transport never called Attach.
func (h *Hub) Subscribe(s Sink, deviceIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs, ok := h.reverse[s]
	if !ok {
		devs = make(map[int64]struct{})
		h.reverse[s] = devs
		metrics.SubscribersConnected.Inc()
	}
	for _, id := range deviceIDs {
		devs[id] = struct{}{}
		sinks, ok := h.forward[id]
		if !ok {
			sinks = make(map[Sink]struct{})
			h.forward[id] = sinks
		}
		sinks[s] = struct{}{}
	}
}

// Unsubscribe removes the sink from each device's subscriber set.
func (h *Hub) Unsubscribe(s Sink, deviceIDs []int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	devs, ok := h.reverse[s]
	if !ok {
		return
	}
	for _, id := range deviceIDs {
		delete(devs, id)
		h.dropForward(id, s)
	}
}

// Detach removes the sink from every index entry.
func (h *Hub) Detach(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detachLocked(s)
}

func (h *Hub) detachLocked(s Sink) {
	devs, ok := h.reverse[s]
	if !ok {
		return
	}
	for id := range devs {
		h.dropForward(id, s)
	}
	delete(h.reverse, s)
	metrics.SubscribersConnected.Dec()
}

func (h *Hub) dropForward(deviceID int64, s Sink) {
	if sinks, ok := h.forward[deviceID]; ok {
		delete(sinks, s)
		if len(sinks) == 0 {
			delete(h.forward, deviceID)
		}
	}
}

// PublishPosition delivers a decoded frame to every sink subscribed to the
// device. Best-effort, at-most-once: a sink whose send fails is detached
// and other sinks are unaffected.
func (h *Hub) PublishPosition(deviceID int64, ev *cinet.ParsedEvent) {
	payload, err := EncodePosition(deviceID, ev)
	if err != nil {
		h.logger.Error("encoding position envelope", zap.Error(err))
		return
	}
	h.deliver(h.snapshot(deviceID), payload, "position")
}

// PublishAlert delivers an alert to the device's subscribers.
func (h *Hub) PublishAlert(deviceID int64, alertType, message string) {
	payload, err := EncodeAlert(deviceID, alertType, message, time.Now())
	if err != nil {
		h.logger.Error("encoding alert envelope", zap.Error(err))
		return
	}
	h.deliver(h.snapshot(deviceID), payload, "alert")
}

// BroadcastUserLocation delivers a user position to every attached sink.
func (h *Hub) BroadcastUserLocation(userID int64, name, email string, lat, lon, accuracy float64) {
	payload, err := EncodeUserLocation(userID, name, email, lat, lon, accuracy, time.Now())
	if err != nil {
		h.logger.Error("encoding user location envelope", zap.Error(err))
		return
	}
	h.deliver(h.snapshotAll(), payload, "user_location")
}

func (h *Hub) snapshot(deviceID int64) []Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	sinks := make([]Sink, 0, len(h.forward[deviceID]))
	for s := range h.forward[deviceID] {
		sinks = append(sinks, s)
	}
	return sinks
}

func (h *Hub) snapshotAll() []Sink {
	h.mu.Lock()
	defer h.mu.Unlock()
	sinks := make([]Sink, 0, len(h.reverse))
	for s := range h.reverse {
		sinks = append(sinks, s)
	}
	return sinks
}

// deliver sends to every snapshotted sink outside the lock, then detaches
// the ones that failed.
func (h *Hub) deliver(sinks []Sink, payload []byte, msgType string) {
	var failed []Sink
	for _, s := range sinks {
		if err := s.Send(payload); err != nil {
			h.logger.Warn("subscriber send failed, detaching sink",
				zap.String("type", msgType),
				zap.Error(err),
			)
			metrics.FanoutSendFailuresTotal.Inc()
			failed = append(failed, s)
			continue
		}
		metrics.FanoutMessagesTotal.WithLabelValues(msgType).Inc()
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, s := range failed {
			h.detachLocked(s)
		}
		h.mu.Unlock()
		for _, s := range failed {
			s.Close()
		}
	}
}

// SubscriberCount reports how many sinks are subscribed to a device.
func (h *Hub) SubscriberCount(deviceID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.forward[deviceID])
}
