package routes

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const sseHeartbeat = 30 * time.Second

// Change is a bit set of what moved since a subscriber last looked.
type Change uint32

const (
	ChangeDevices Change = 1 << iota
	ChangeStatus
)

// Subscription is one SSE client's mailbox. Any number of changes between
// two reads collapse into a single wakeup; Take reports which kinds
// happened so the stream only re-sends what is stale.
type Subscription struct {
	wake    chan struct{}
	pending atomic.Uint32
}

// C is signalled when at least one change is pending.
func (s *Subscription) C() <-chan struct{} {
	return s.wake
}

// Take returns and clears the pending changes.
func (s *Subscription) Take() Change {
	return Change(s.pending.Swap(0))
}

// DeviceNotifier fans tracker changes out to SSE subscribers. Device-list
// churn (sightings, opens, departures) and scan-status transitions are kept
// apart, since the device list changes far more often.
type DeviceNotifier struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]struct{}
}

func NewDeviceNotifier() *DeviceNotifier {
	return &DeviceNotifier{
		subscribers: make(map[*Subscription]struct{}),
	}
}

func (dn *DeviceNotifier) Subscribe() *Subscription {
	sub := &Subscription{wake: make(chan struct{}, 1)}
	dn.mu.Lock()
	dn.subscribers[sub] = struct{}{}
	dn.mu.Unlock()
	return sub
}

func (dn *DeviceNotifier) Unsubscribe(sub *Subscription) {
	dn.mu.Lock()
	delete(dn.subscribers, sub)
	dn.mu.Unlock()
}

// NotifyDevices marks the live device list as changed.
func (dn *DeviceNotifier) NotifyDevices() {
	dn.notify(ChangeDevices)
}

// NotifyStatus marks the scan status as changed.
func (dn *DeviceNotifier) NotifyStatus() {
	dn.notify(ChangeStatus)
}

func (dn *DeviceNotifier) notify(c Change) {
	dn.mu.RLock()
	defer dn.mu.RUnlock()
	for sub := range dn.subscribers {
		sub.pending.Or(uint32(c))
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}
}

// SSE endpoint for live device updates
func (wr *WebRouter) devicesSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}
	if wr.DeviceNotifier == nil {
		slog.Warn("SSE endpoint called but DeviceNotifier is nil")
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := wr.DeviceNotifier.Subscribe()
	defer wr.DeviceNotifier.Unsubscribe(sub)

	ctx := r.Context()
	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()

	sendUpdate := func(c Change) error {
		if c&ChangeStatus != 0 {
			if err := writeEvent(w, "status-update", wr.Scanner.Status()); err != nil {
				return err
			}
		}
		if c&ChangeDevices != 0 {
			if err := writeEvent(w, "devices-update", DevicesResponse{Devices: wr.Scanner.Devices()}); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	}

	if err := sendUpdate(ChangeStatus | ChangeDevices); err != nil {
		slog.Error("error sending initial SSE data", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.C():
			if err := sendUpdate(sub.Take()); err != nil {
				slog.Error("error sending SSE update", "error", err)
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeEvent writes one SSE event. JSON encoding never produces raw
// newlines, so the payload always fits a single data line.
func writeEvent(w http.ResponseWriter, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
