// Package workflow porte la machine d'états des demandes de points EC :
// dépôt, consultation, décision du magasin, fil de messages.
package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/payments"
	"pointapp_back_end/internal/storage"
)

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

type Idempotency interface {
	Reserve(ctx context.Context, scope, key string, id uuid.UUID) (uuid.UUID, bool, error)
	Forget(ctx context.Context, scope, key string) error
}

type ReceiptStore interface {
	Put(ctx context.Context, u storage.Upload) (string, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

type Indexer interface {
	Index(ctx context.Context, r *models.ECRequest) error
	Search(ctx context.Context, storeID, query string) ([]uuid.UUID, error)
}

type Charger interface {
	Charge(ctx context.Context, c payments.Charge) (string, error)
}

type Notifier interface {
	ClaimSubmitted(ctx context.Context, store models.Store, r *models.ECRequest)
	StatusChanged(ctx context.Context, r *models.ECRequest)
	MessagePosted(ctx context.Context, to string, r *models.ECRequest, m *models.ECMessage)
}

// Deps regroupe les dépendances du service. Index, Notifier, Events,
// Audit et Idempotency sont optionnels.
type Deps struct {
	Repo        ecstore.Repository
	Locker      Locker
	Idempotency Idempotency
	Receipts    ReceiptStore
	Index       Indexer
	Charger     Charger
	Notifier    Notifier
	Events      events.Broker
	Audit       audit.Recorder
	Log         *zap.Logger
}

type Settings struct {
	YenPerPoint       int64
	PointUnitPriceYen int64
	LockTTL           time.Duration
	ReceiptURLTTL     time.Duration
}

type Service struct {
	repo     ecstore.Repository
	locker   Locker
	idem     Idempotency
	receipts ReceiptStore
	index    Indexer
	charger  Charger
	notifier Notifier
	events   events.Broker
	audit    audit.Recorder
	log      *zap.Logger
	settings Settings

	now func() time.Time
	wg  sync.WaitGroup
}

func New(d Deps, s Settings) *Service {
	if s.YenPerPoint <= 0 {
		s.YenPerPoint = 100
	}
	if s.PointUnitPriceYen <= 0 {
		s.PointUnitPriceYen = 1
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 30 * time.Second
	}
	if s.ReceiptURLTTL <= 0 {
		s.ReceiptURLTTL = time.Hour
	}

	svc := &Service{
		repo:     d.Repo,
		locker:   d.Locker,
		idem:     d.Idempotency,
		receipts: d.Receipts,
		index:    d.Index,
		charger:  d.Charger,
		notifier: d.Notifier,
		events:   d.Events,
		audit:    d.Audit,
		log:      d.Log,
		settings: s,
		now:      time.Now,
	}
	if svc.log == nil {
		svc.log = zap.NewNop()
	}
	if svc.index == nil {
		svc.index = nopIndex{}
	}
	if svc.notifier == nil {
		svc.notifier = nopNotifier{}
	}
	if svc.events == nil {
		svc.events = events.NewMemoryBroker()
	}
	if svc.audit == nil {
		svc.audit = &audit.MemoryRecorder{}
	}
	return svc
}

// Wait attend la fin des effets de bord en cours (arrêt propre, tests)
func (s *Service) Wait() { s.wg.Wait() }

// --- Lecture ---

func (s *Service) Stores(ctx context.Context) ([]models.Store, error) {
	return s.repo.ListStores(ctx)
}

func (s *Service) ListForUser(ctx context.Context, actor models.Actor) ([]models.ECRequest, error) {
	list, err := s.repo.ListByUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	s.decorateAll(ctx, list)
	return list, nil
}

// ListForStore liste les demandes reçues. Un magasin ne voit que les siennes,
// un admin doit préciser storeID.
func (s *Service) ListForStore(ctx context.Context, actor models.Actor, storeID string, status models.ECStatus) ([]models.ECRequest, error) {
	storeID, err := s.storeScope(actor, storeID)
	if err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, invalid("status", "不正なステータスです")
	}
	list, err := s.repo.ListByStore(ctx, storeID, status)
	if err != nil {
		return nil, err
	}
	s.decorateAll(ctx, list)
	return list, nil
}

// Search cherche parmi les demandes du magasin (numéro de commande, nom, description, montant)
func (s *Service) Search(ctx context.Context, actor models.Actor, storeID, query string) ([]models.ECRequest, error) {
	storeID, err := s.storeScope(actor, storeID)
	if err != nil {
		return nil, err
	}
	ids, err := s.index.Search(ctx, storeID, query)
	if err != nil {
		return nil, err
	}
	out := make([]models.ECRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.repo.GetRequest(ctx, id)
		if err != nil {
			// index en retard sur la base
			continue
		}
		if actor.CanSee(r) {
			out = append(out, *r)
		}
	}
	s.decorateAll(ctx, out)
	return out, nil
}

func (s *Service) Get(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ECRequest, error) {
	r, err := s.load(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	s.decorate(ctx, r)
	return r, nil
}

func (s *Service) Balance(ctx context.Context, actor models.Actor) (int, error) {
	return s.repo.Balance(ctx, actor.UserID)
}

// Subscribe ouvre le flux d'événements d'une demande visible par l'acteur
func (s *Service) Subscribe(ctx context.Context, actor models.Actor, id uuid.UUID) (<-chan events.Event, func(), error) {
	if _, err := s.load(ctx, actor, id); err != nil {
		return nil, nil, err
	}
	return s.events.Subscribe(ctx, id)
}

// AuditTrail retourne les dernières entrées d'audit (admin)
func (s *Service) AuditTrail(ctx context.Context, actor models.Actor, limit int) ([]models.AuditLog, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.audit.Recent(ctx, limit)
}

func (s *Service) storeScope(actor models.Actor, storeID string) (string, error) {
	switch {
	case actor.IsStore() && actor.StoreID != "":
		return actor.StoreID, nil
	case actor.IsAdmin() && storeID != "":
		return storeID, nil
	case actor.IsAdmin():
		return "", invalid("store_id", "店舗を指定してください")
	}
	return "", ErrForbidden
}

func (s *Service) load(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ECRequest, error) {
	r, err := s.repo.GetRequest(ctx, id)
	if errors.Is(err, ecstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if !actor.CanSee(r) {
		return nil, ErrForbidden
	}
	return r, nil
}

func (s *Service) decorateAll(ctx context.Context, list []models.ECRequest) {
	for i := range list {
		s.decorate(ctx, &list[i])
	}
}

// decorate remplace la clé du reçu par une URL signée
func (s *Service) decorate(ctx context.Context, r *models.ECRequest) {
	if r.Messages == nil {
		r.Messages = []models.ECMessage{}
	}
	if r.ReceiptKey == "" || s.receipts == nil {
		return
	}
	url, err := s.receipts.PresignedURL(ctx, r.ReceiptKey, s.settings.ReceiptURLTTL)
	if err != nil {
		s.log.Warn("⚠️ URL signée du reçu indisponible", zap.String("request_id", r.ID.String()), zap.Error(err))
		return
	}
	r.ReceiptImage = url
}

type nopIndex struct{}

func (nopIndex) Index(context.Context, *models.ECRequest) error { return nil }
func (nopIndex) Search(context.Context, string, string) ([]uuid.UUID, error) {
	return nil, nil
}

type nopNotifier struct{}

func (nopNotifier) ClaimSubmitted(context.Context, models.Store, *models.ECRequest)             {}
func (nopNotifier) StatusChanged(context.Context, *models.ECRequest)                            {}
func (nopNotifier) MessagePosted(context.Context, string, *models.ECRequest, *models.ECMessage) {}
