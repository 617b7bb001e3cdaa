package ecstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

// MemoryRepository garde tout l'état en mémoire (tests, mode dev)
type MemoryRepository struct {
	mu       sync.RWMutex
	requests map[uuid.UUID]models.ECRequest
	hashes   map[string]uuid.UUID
	messages map[uuid.UUID][]models.ECMessage
	awards   map[uuid.UUID]memoryAward
	ledger   map[uuid.UUID]models.PointTransaction
	stores   map[string]models.Store

	creditFault error
}

type memoryAward struct {
	log      models.PointAwardLog
	credited bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		requests: make(map[uuid.UUID]models.ECRequest),
		hashes:   make(map[string]uuid.UUID),
		messages: make(map[uuid.UUID][]models.ECMessage),
		awards:   make(map[uuid.UUID]memoryAward),
		ledger:   make(map[uuid.UUID]models.PointTransaction),
		stores:   make(map[string]models.Store),
	}
}

// PutStore ajoute ou remplace un magasin
func (m *MemoryRepository) PutStore(s models.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	m.stores[s.ID] = s
}

// SeedDefaults insère les magasins de démonstration
func (m *MemoryRepository) SeedDefaults() {
	m.PutStore(models.Store{ID: "store-umeda", Name: "梅田本店", Email: "umeda@example.jp", DepositBalance: 100000})
	m.PutStore(models.Store{ID: "store-namba", Name: "難波店", Email: "namba@example.jp", DepositBalance: 50000})
	m.PutStore(models.Store{ID: "store-tennoji", Name: "天王寺店", Email: "tennoji@example.jp"})
}

func (m *MemoryRepository) CreateRequest(_ context.Context, r *models.ECRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.RequestHash != "" {
		if _, exists := m.hashes[r.RequestHash]; exists {
			return ErrDuplicate
		}
		m.hashes[r.RequestHash] = r.ID
	}
	cp := *r
	cp.Messages = nil
	m.requests[r.ID] = cp
	return nil
}

func (m *MemoryRepository) GetRequest(_ context.Context, id uuid.UUID) (*models.ECRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Messages = m.copyMessages(id)
	return &r, nil
}

func (m *MemoryRepository) ListByUser(_ context.Context, userID string) ([]models.ECRequest, error) {
	return m.filter(func(r models.ECRequest) bool { return r.UserID == userID }), nil
}

func (m *MemoryRepository) ListByStore(_ context.Context, storeID string, status models.ECStatus) ([]models.ECRequest, error) {
	return m.filter(func(r models.ECRequest) bool {
		return r.StoreID == storeID && (status == "" || r.Status == status)
	}), nil
}

func (m *MemoryRepository) filter(keep func(models.ECRequest) bool) []models.ECRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.ECRequest, 0)
	for id, r := range m.requests {
		if keep(r) {
			r.Messages = m.copyMessages(id)
			out = append(out, r)
		}
	}
	// Plus récentes d'abord
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *MemoryRepository) copyMessages(id uuid.UUID) []models.ECMessage {
	src := m.messages[id]
	out := make([]models.ECMessage, len(src))
	copy(out, src)
	return out
}

func (m *MemoryRepository) TransitionStatus(_ context.Context, id uuid.UUID, from models.ECStatus, patch models.StatusPatch) (*models.ECRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, &ConflictError{Current: r.Status}
	}
	patch.Apply(&r)
	m.requests[id] = r

	r.Messages = m.copyMessages(id)
	return &r, nil
}

func (m *MemoryRepository) AppendMessage(_ context.Context, msg *models.ECMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.requests[msg.RequestID]; !ok {
		return ErrNotFound
	}
	m.messages[msg.RequestID] = append(m.messages[msg.RequestID], *msg)
	return nil
}

func (m *MemoryRepository) ListMessages(_ context.Context, requestID uuid.UUID) ([]models.ECMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.copyMessages(requestID), nil
}

func (m *MemoryRepository) RecordAward(ctx context.Context, award models.PointAwardLog, tx models.PointTransaction) error {
	return postAward(ctx, m, award, tx)
}

// FailNextCredit simule une panne après l'écriture du journal : le prochain
// crédit s'arrête avant la transaction et retourne err.
func (m *MemoryRepository) FailNextCredit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creditFault = err
}

func (m *MemoryRepository) reserveAward(_ context.Context, award models.PointAwardLog) (*models.PointAwardLog, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, exists := m.awards[award.RequestID]; exists {
		log := a.log
		return &log, a.credited, nil
	}
	m.awards[award.RequestID] = memoryAward{log: award}
	return nil, false, nil
}

func (m *MemoryRepository) writeTransaction(_ context.Context, tx models.PointTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.creditFault; err != nil {
		m.creditFault = nil
		return err
	}
	m.ledger[tx.ID] = tx
	return nil
}

func (m *MemoryRepository) markCredited(_ context.Context, requestID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.awards[requestID]
	a.credited = true
	m.awards[requestID] = a
	return nil
}

func (m *MemoryRepository) Balance(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, tx := range m.ledger {
		if tx.UserID == userID {
			total += tx.Points
		}
	}
	return total, nil
}

// Transactions retourne une copie du grand livre, par date
func (m *MemoryRepository) Transactions() []models.PointTransaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.PointTransaction, 0, len(m.ledger))
	for _, tx := range m.ledger {
		out = append(out, tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryRepository) GetStore(_ context.Context, id string) (*models.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stores[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListStores(_ context.Context) ([]models.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Store, 0, len(m.stores))
	for _, s := range m.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryRepository) ConsumeDeposit(_ context.Context, storeID string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stores[storeID]
	if !ok {
		return 0, ErrNotFound
	}
	if s.DepositBalance < amount {
		return s.DepositBalance, ErrInsufficientDeposit
	}
	s.DepositBalance -= amount
	m.stores[storeID] = s
	return s.DepositBalance, nil
}
