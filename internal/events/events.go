// Package events is the in-process broadcast bus. Subscribers register per
// tenant; publishing never blocks the pipeline that raised the event.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type tags an event payload.
type Type string

const (
	TypeAlertRaised    Type = "alert_raised"
	TypeSyncCompleted  Type = "sync_completed"
	TypeModelPromoted  Type = "model_promoted"
	TypeForecastReady  Type = "forecast_ready"
	TypePOCreated      Type = "po_created"
	TypeReplayFinished Type = "replay_finished"
)

// EventData is any typed payload.
type EventData interface {
	EventType() Type
}

// AlertRaised announces one newly persisted alert.
type AlertRaised struct {
	AlertID   string
	StoreID   string
	ProductID string
	AlertType string
	Severity  string
}

func (AlertRaised) EventType() Type { return TypeAlertRaised }

// SyncCompleted announces one adapter sync run.
type SyncCompleted struct {
	Adapter          string
	SyncType         string
	Status           string
	RecordsProcessed int
	RecordsFailed    int
}

func (SyncCompleted) EventType() Type { return TypeSyncCompleted }

// ModelPromoted announces a champion change.
type ModelPromoted struct {
	ModelName   string
	Version     string
	OldChampion string
}

func (ModelPromoted) EventType() Type { return TypeModelPromoted }

// ForecastReady announces a completed generation run.
type ForecastReady struct {
	Version string
	Horizon int
	Count   int
}

func (ForecastReady) EventType() Type { return TypeForecastReady }

// POCreated announces a purchase order raised from an alert.
type POCreated struct {
	POID     string
	AlertID  string
	StoreID  string
	Quantity int
}

func (POCreated) EventType() Type { return TypePOCreated }

// ReplayFinished announces a completed replay simulation.
type ReplayFinished struct {
	RunID        string
	BaselinePass bool
}

func (ReplayFinished) EventType() Type { return TypeReplayFinished }

// Event is one delivered broadcast.
type Event struct {
	TenantID string
	Type     Type
	Data     EventData
	At       time.Time
}

const subscriberBuffer = 64

// Manager fans events out to per-tenant subscribers. Delivery is
// at-least-once for a live subscriber; a subscriber that stops draining its
// buffer loses events rather than stalling publishers.
type Manager struct {
	mu   sync.RWMutex
	subs map[string]map[int]chan Event
	next int
	log  zerolog.Logger
}

// NewManager creates an event manager.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		subs: make(map[string]map[int]chan Event),
		log:  log.With().Str("component", "events").Logger(),
	}
}

// Subscribe registers a tenant-scoped subscriber. The returned cancel
// function unregisters it and closes the channel.
func (m *Manager) Subscribe(tenantID string) (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subs[tenantID] == nil {
		m.subs[tenantID] = make(map[int]chan Event)
	}
	id := m.next
	m.next++
	ch := make(chan Event, subscriberBuffer)
	m.subs[tenantID][id] = ch

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if sub, ok := m.subs[tenantID][id]; ok {
			delete(m.subs[tenantID], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the tenant without
// blocking.
func (m *Manager) Publish(tenantID string, data EventData) {
	evt := Event{
		TenantID: tenantID,
		Type:     data.EventType(),
		Data:     data,
		At:       time.Now().UTC(),
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[tenantID] {
		select {
		case ch <- evt:
		default:
			m.log.Warn().Str("tenant", tenantID).Str("type", string(evt.Type)).
				Msg("Subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount reports active subscribers for a tenant.
func (m *Manager) SubscriberCount(tenantID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[tenantID])
}
