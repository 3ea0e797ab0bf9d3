package session

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// PendingDelivery tracks one upstream batch awaiting acceptance.
type PendingDelivery struct {
	DeliveryID    string    `json:"deliveryId"`
	Protocol      string    `json:"protocol"`
	ConnID        string    `json:"connId"`
	ChipID        string    `json:"chipId"`
	Attempts      int       `json:"attempts"`
	QueuedAt      time.Time `json:"queuedAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
}

// DeliveryOutbox stores pending deliveries by stable delivery id.
type DeliveryOutbox struct {
	mu    sync.RWMutex
	items map[string]PendingDelivery
}

func NewDeliveryOutbox() *DeliveryOutbox {
	return &DeliveryOutbox{
		items: make(map[string]PendingDelivery),
	}
}

func (o *DeliveryOutbox) Upsert(item PendingDelivery) {
	key := strings.TrimSpace(item.DeliveryID)
	if key == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items[key] = item
}

func (o *DeliveryOutbox) MarkAttempt(deliveryID string, at time.Time, next time.Time, lastErr string) (PendingDelivery, bool) {
	key := strings.TrimSpace(deliveryID)
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[key]
	if !ok {
		return PendingDelivery{}, false
	}
	item.Attempts++
	item.LastAttemptAt = at
	item.NextAttemptAt = next
	item.LastError = strings.TrimSpace(lastErr)
	o.items[key] = item
	return item, true
}

func (o *DeliveryOutbox) Remove(deliveryID string) {
	key := strings.TrimSpace(deliveryID)
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, key)
}

func (o *DeliveryOutbox) Get(deliveryID string) (PendingDelivery, bool) {
	key := strings.TrimSpace(deliveryID)
	o.mu.RLock()
	defer o.mu.RUnlock()
	item, ok := o.items[key]
	return item, ok
}

func (o *DeliveryOutbox) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.items)
}

// List returns pending deliveries oldest first.
func (o *DeliveryOutbox) List() []PendingDelivery {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]PendingDelivery, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuedAt.Equal(out[j].QueuedAt) {
			return out[i].DeliveryID < out[j].DeliveryID
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out
}
