package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/cache"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/payments"
)

func lockKey(id uuid.UUID) string { return "ec_request:" + id.String() }

// withLock exécute fn sous le verrou de la demande ; un second appelant reçoit ErrBusy
func (s *Service) withLock(ctx context.Context, id uuid.UUID, fn func() (*models.ECRequest, error)) (*models.ECRequest, error) {
	release, err := s.locker.Acquire(ctx, lockKey(id), s.settings.LockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, fmt.Errorf("verrou: %w", err)
	}
	defer release()
	return fn()
}

// Decide applique la décision du magasin sur une demande en attente
func (s *Service) Decide(ctx context.Context, actor models.Actor, id uuid.UUID, d models.Decision) (*models.ECRequest, error) {
	if !actor.IsStore() && !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	d, err := models.Normalize(d)
	if err != nil {
		return nil, decisionError(err)
	}

	action := audit.ActionApprove
	if _, ok := d.(models.Reject); ok {
		action = audit.ActionReject
	}

	r, err := s.withLock(ctx, id, func() (*models.ECRequest, error) {
		current, err := s.load(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		if current.Status != models.StatusPending {
			return nil, ErrAlreadyProcessed
		}

		switch v := d.(type) {
		case models.Reject:
			return s.reject(ctx, actor, current, v)
		case models.Approve:
			return s.approve(ctx, actor, current, v)
		}
		return nil, invalid("action", models.ErrUnknownAction.Error())
	})

	s.recordAudit(ctx, actor, action, id.String(), map[string]string{"status": string(models.StatusPending)}, statusOf(r), err)
	if err != nil {
		return nil, err
	}
	s.afterStatusChange(ctx, r)
	s.decorate(ctx, r)
	return r, nil
}

func decisionError(err error) error {
	switch {
	case errors.Is(err, models.ErrEmptyRejectNote):
		return invalid("rejection_reason", "却下理由を入力してください")
	case errors.Is(err, models.ErrBadPayment):
		return invalid("payment_method", "支払い方法が不正です")
	}
	return invalid("action", "不明な操作です")
}

func (s *Service) reject(ctx context.Context, actor models.Actor, r *models.ECRequest, d models.Reject) (*models.ECRequest, error) {
	now := s.now()
	out, err := s.repo.TransitionStatus(ctx, r.ID, models.StatusPending, models.StatusPatch{
		To:              models.StatusRejected,
		RejectionReason: d.Reason,
		DecidedBy:       actor.UserID,
		DecidedAt:       &now,
		UpdatedAt:       now,
	})
	if err != nil {
		return nil, transitionError(err)
	}
	s.log.Info("❌ demande EC refusée", zap.String("request_id", r.ID.String()), zap.String("by", actor.UserID))
	return out, nil
}

func (s *Service) approve(ctx context.Context, actor models.Actor, r *models.ECRequest, d models.Approve) (*models.ECRequest, error) {
	store, err := s.repo.GetStore(ctx, r.StoreID)
	if err != nil {
		return nil, fmt.Errorf("magasin %s: %w", r.StoreID, err)
	}

	var reference string
	if r.PointsToAward > 0 {
		reference, err = s.charger.Charge(ctx, payments.Charge{
			RequestID: r.ID,
			Store:     *store,
			Points:    r.PointsToAward,
			AmountYen: int64(r.PointsToAward) * s.settings.PointUnitPriceYen,
			Method:    d.PaymentMethod,
		})
		if err != nil {
			s.log.Error("❌ facturation du magasin échouée",
				zap.String("request_id", r.ID.String()),
				zap.String("method", string(d.PaymentMethod)),
				zap.Error(err))
			return nil, &PaymentError{Cause: err}
		}
	}

	now := s.now()
	approved, err := s.repo.TransitionStatus(ctx, r.ID, models.StatusPending, models.StatusPatch{
		To:               models.StatusApproved,
		PaymentMethod:    d.PaymentMethod,
		PaymentReference: reference,
		DecidedBy:        actor.UserID,
		DecidedAt:        &now,
		UpdatedAt:        now,
	})
	if err != nil {
		// Ne devrait pas arriver sous verrou ; la référence permet de rembourser
		s.log.Error("❌ paiement encaissé mais transition refusée",
			zap.String("request_id", r.ID.String()),
			zap.String("payment_reference", reference),
			zap.Error(err))
		return nil, transitionError(err)
	}
	s.log.Info("✅ demande EC approuvée", zap.String("request_id", r.ID.String()), zap.String("by", actor.UserID))

	completed, err := s.award(ctx, approved)
	if err != nil {
		// La demande reste approved, un admin pourra relancer CompleteAward
		s.log.Error("❌ crédit des points échoué, demande laissée approved",
			zap.String("request_id", r.ID.String()), zap.Error(err))
		return approved, nil
	}
	return completed, nil
}

// award crédite les points puis passe la demande en completed. Rejouable.
func (s *Service) award(ctx context.Context, r *models.ECRequest) (*models.ECRequest, error) {
	now := s.now()
	tx := models.PointTransaction{
		ID:        uuid.Must(uuid.NewUUID()),
		UserID:    r.UserID,
		Points:    r.PointsToAward,
		Kind:      models.TransactionKindECAward,
		Reference: r.ID.String(),
		CreatedAt: now,
	}
	award := models.PointAwardLog{
		RequestID:          r.ID,
		TransactionID:      tx.ID,
		AwardedPoints:      r.PointsToAward,
		YenPerPoint:        s.settings.YenPerPoint,
		ProcessingDuration: now.Sub(r.CreatedAt).Milliseconds(),
		CreatedAt:          now,
	}

	// ErrDuplicate : crédit déjà inscrit au grand livre par un essai précédent
	err := s.repo.RecordAward(ctx, award, tx)
	if err != nil && !errors.Is(err, ecstore.ErrDuplicate) {
		return nil, err
	}

	out, err := s.repo.TransitionStatus(ctx, r.ID, models.StatusApproved, models.StatusPatch{
		To:            models.StatusCompleted,
		PointsAwarded: r.PointsToAward,
		CompletedAt:   &now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, transitionError(err)
	}
	s.log.Info("🎉 points crédités",
		zap.String("request_id", r.ID.String()),
		zap.String("user_id", r.UserID),
		zap.Int("points", r.PointsToAward))
	return out, nil
}

// CompleteAward relance le crédit des points d'une demande restée approved (admin)
func (s *Service) CompleteAward(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ECRequest, error) {
	if !actor.IsAdmin() {
		return nil, ErrForbidden
	}
	r, err := s.withLock(ctx, id, func() (*models.ECRequest, error) {
		current, err := s.load(ctx, actor, id)
		if err != nil {
			return nil, err
		}
		switch current.Status {
		case models.StatusApproved:
			return s.award(ctx, current)
		case models.StatusPending:
			return nil, ErrConflict
		}
		return nil, ErrAlreadyProcessed
	})

	s.recordAudit(ctx, actor, audit.ActionComplete, id.String(), map[string]string{"status": string(models.StatusApproved)}, statusOf(r), err)
	if err != nil {
		return nil, err
	}
	s.afterStatusChange(ctx, r)
	s.decorate(ctx, r)
	return r, nil
}

func transitionError(err error) error {
	var conflict *ecstore.ConflictError
	switch {
	case errors.As(err, &conflict) && conflict.Current.IsTerminal():
		return ErrAlreadyProcessed
	case errors.Is(err, ecstore.ErrConflict):
		return ErrConflict
	case errors.Is(err, ecstore.ErrNotFound):
		return ErrNotFound
	}
	return err
}

func statusOf(r *models.ECRequest) interface{} {
	if r == nil {
		return nil
	}
	return map[string]string{"status": string(r.Status)}
}
