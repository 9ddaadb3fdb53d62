package event

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dhruvsuva/nfc-pass-system-sub002/internal/domain/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const subscriberQueueSize = 64

type Type string

const (
	TypePassCreated        Type = "pass:created"
	TypePassBlocked        Type = "pass:blocked"
	TypePassUnblocked      Type = "pass:unblocked"
	TypePassReset          Type = "pass:reset"
	TypePassDeleted        Type = "pass:deleted"
	TypeDailyReset         Type = "daily:reset"
	TypeVerificationUpdate Type = "verification:update"
	TypeBulkProgress       Type = "bulk:progress"
	TypeBulkComplete       Type = "bulk:complete"
	TypeSystemAlert        Type = "system:alert"
)

// deliveryPolicy is the single source of truth for who may see what: action
// type to minimum role. Filtering anywhere else would let the views drift.
var deliveryPolicy = map[Type]models.Role{
	TypePassCreated:        models.RoleManager,
	TypePassBlocked:        models.RoleBouncer,
	TypePassUnblocked:      models.RoleBouncer,
	TypePassReset:          models.RoleManager,
	TypePassDeleted:        models.RoleManager,
	TypeDailyReset:         models.RoleBouncer,
	TypeVerificationUpdate: models.RoleBouncer,
	TypeBulkProgress:       models.RoleManager,
	TypeBulkComplete:       models.RoleManager,
	TypeSystemAlert:        models.RoleAdmin,
}

// MinRole returns the minimum role allowed to receive events of type t.
// Unknown types are admin-only.
func MinRole(t Type) models.Role {
	if role, ok := deliveryPolicy[t]; ok {
		return role
	}
	return models.RoleAdmin
}

type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type SubscriberID int

type subscriber struct {
	role models.Role
	ch   chan Event
}

// Bus fans events out to live subscribers, filtered through deliveryPolicy.
// Delivery is best-effort: a subscriber that stops draining its channel
// loses events rather than blocking publishers.
type Bus struct {
	mu        sync.RWMutex
	subs      map[SubscriberID]*subscriber
	lastSubID SubscriberID
	log       *slog.Logger

	publishedTotal *prometheus.CounterVec
	droppedTotal   prometheus.Counter
}

func NewBus(promRegistry prometheus.Registerer, log *slog.Logger) *Bus {
	b := &Bus{
		subs: make(map[SubscriberID]*subscriber),
		log:  log,
	}
	if promRegistry != nil {
		b.publishedTotal = promauto.With(promRegistry).NewCounterVec(prometheus.CounterOpts{
			Name: "passgate_events_published_total",
			Help: "Total number of events published on the fan-out bus.",
		}, []string{"type"})
		b.droppedTotal = promauto.With(promRegistry).NewCounter(prometheus.CounterOpts{
			Name: "passgate_events_dropped_total",
			Help: "Total number of events dropped on slow subscriber queues.",
		})
	}
	return b
}

// Subscribe registers a listener with the given role. The returned channel
// receives every event whose minimum role the subscriber satisfies.
func (b *Bus) Subscribe(role models.Role) (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSubID++
	id := b.lastSubID
	sub := &subscriber{role: role, ch: make(chan Event, subscriberQueueSize)}
	b.subs[id] = sub

	return id, sub.ch
}

func (b *Bus) Unsubscribe(id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Publish stamps and delivers an event to every subscriber the policy
// admits. Never blocks.
func (b *Bus) Publish(t Type, data any) {
	evt := Event{Type: t, Timestamp: time.Now().UTC(), Data: data}
	minRole := MinRole(t)

	if b.publishedTotal != nil {
		b.publishedTotal.WithLabelValues(string(t)).Inc()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if !sub.role.AtLeast(minRole) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			if b.droppedTotal != nil {
				b.droppedTotal.Inc()
			}
			b.log.Warn("dropping event for slow subscriber", slog.String("type", string(t)))
		}
	}
}

// Stop closes every subscriber channel.
func (b *Bus) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
