// Package events diffuse les changements d'une demande EC (statut, messages)
// aux clients abonnés en WebSocket.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

const (
	TypeConnected = "connected"
	TypeStatus    = "status_changed"
	TypeMessage   = "message_posted"
)

type Event struct {
	Type      string            `json:"type"`
	RequestID uuid.UUID         `json:"request_id"`
	Status    models.ECStatus   `json:"status,omitempty"`
	Message   *models.ECMessage `json:"message,omitempty"`
	At        time.Time         `json:"at"`
}

func StatusEvent(r *models.ECRequest) Event {
	return Event{Type: TypeStatus, RequestID: r.ID, Status: r.Status, At: r.UpdatedAt}
}

func MessageEvent(m *models.ECMessage) Event {
	return Event{Type: TypeMessage, RequestID: m.RequestID, Message: m, At: m.CreatedAt}
}

// Broker publie et distribue les événements par demande
type Broker interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, requestID uuid.UUID) (<-chan Event, func(), error)
}

func channel(id uuid.UUID) string { return "ec:request:" + id.String() }

// RedisBroker passe par Redis pub/sub pour couvrir plusieurs instances
type RedisBroker struct {
	client *redis.Client
	log    *zap.Logger
}

func NewRedisBroker(client *redis.Client, log *zap.Logger) *RedisBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBroker{client: client, log: log}
}

func (b *RedisBroker) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channel(ev.RequestID), data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, requestID uuid.UUID) (<-chan Event, func(), error) {
	pubsub := b.client.Subscribe(ctx, channel(requestID))
	// Attend la confirmation d'abonnement
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, err
	}

	out := make(chan Event, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		in := pubsub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.log.Warn("⚠️ événement illisible", zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}
	return out, cancel, nil
}

// MemoryBroker distribue les événements dans le processus
type MemoryBroker struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan Event]struct{}
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[uuid.UUID]map[chan Event]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[ev.RequestID] {
		select {
		case ch <- ev:
		default:
			// abonné trop lent : on saute
		}
	}
	return nil
}

func (b *MemoryBroker) Subscribe(_ context.Context, requestID uuid.UUID) (<-chan Event, func(), error) {
	ch := make(chan Event, 16)
	b.mu.Lock()
	if b.subs[requestID] == nil {
		b.subs[requestID] = make(map[chan Event]struct{})
	}
	b.subs[requestID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[requestID], ch)
			if len(b.subs[requestID]) == 0 {
				delete(b.subs, requestID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}
