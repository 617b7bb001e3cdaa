package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/models"
)

const effectTimeout = 15 * time.Second

// background lance un effet de bord détaché de la requête HTTP. Ses erreurs
// sont journalisées, jamais remontées.
func (s *Service) background(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), effectTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Warn("⚠️ effet de bord échoué", zap.String("effect", name), zap.Error(err))
		}
	}()
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("⚠️ publication d'événement échouée", zap.String("request_id", ev.RequestID.String()), zap.Error(err))
	}
}

func (s *Service) recordAudit(ctx context.Context, actor models.Actor, action, resourceID string, oldValue, newValue interface{}, opErr error) {
	entry := audit.Entry(ctx, actor, action, resourceID, oldValue, newValue, opErr)
	s.background(ctx, "audit", func(ctx context.Context) error {
		return s.audit.Record(ctx, entry)
	})
}

func (s *Service) afterSubmit(ctx context.Context, actor models.Actor, store models.Store, r *models.ECRequest) {
	snapshot := *r
	s.recordAudit(ctx, actor, audit.ActionSubmit, r.ID.String(), nil, map[string]interface{}{
		"status":          snapshot.Status,
		"order_id":        snapshot.OrderID,
		"purchase_amount": snapshot.PurchaseAmount,
		"points_to_award": snapshot.PointsToAward,
	}, nil)
	s.background(ctx, "index", func(ctx context.Context) error {
		return s.index.Index(ctx, &snapshot)
	})
	s.background(ctx, "notify", func(ctx context.Context) error {
		s.notifier.ClaimSubmitted(ctx, store, &snapshot)
		return nil
	})
}

func (s *Service) afterStatusChange(ctx context.Context, r *models.ECRequest) {
	snapshot := *r
	s.publish(ctx, events.StatusEvent(&snapshot))
	s.background(ctx, "index", func(ctx context.Context) error {
		return s.index.Index(ctx, &snapshot)
	})
	s.background(ctx, "notify", func(ctx context.Context) error {
		s.notifier.StatusChanged(ctx, &snapshot)
		return nil
	})
}

func (s *Service) afterMessage(ctx context.Context, actor models.Actor, r *models.ECRequest, msg *models.ECMessage) {
	m := *msg
	s.publish(ctx, events.MessageEvent(&m))
	s.recordAudit(ctx, actor, audit.ActionMessage, r.ID.String(), nil, map[string]string{"message_id": m.ID.String()}, nil)

	snapshot := *r
	s.background(ctx, "notify", func(ctx context.Context) error {
		to := snapshot.UserEmail
		if !m.IsFromStore {
			store, err := s.repo.GetStore(ctx, snapshot.StoreID)
			if err != nil {
				return err
			}
			to = store.Email
		}
		s.notifier.MessagePosted(ctx, to, &snapshot, &m)
		return nil
	})
}
