package ecstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

// awardSteps découpe le crédit d'une demande en écritures rejouables.
// Le solde se calcule à partir des transactions : réécrire la même
// transaction ne crédite pas deux fois.
type awardSteps interface {
	// reserveAward insère le journal s'il est absent, sinon retourne celui existant
	reserveAward(ctx context.Context, award models.PointAwardLog) (existing *models.PointAwardLog, credited bool, err error)
	// writeTransaction écrase la transaction de même ID
	writeTransaction(ctx context.Context, tx models.PointTransaction) error
	markCredited(ctx context.Context, requestID uuid.UUID) error
}

// postAward crédite une demande une seule fois. Une écriture interrompue
// reprend avec la transaction du premier essai.
func postAward(ctx context.Context, steps awardSteps, award models.PointAwardLog, tx models.PointTransaction) error {
	existing, credited, err := steps.reserveAward(ctx, award)
	if err != nil {
		return fmt.Errorf("journal attribution: %w", err)
	}
	if existing != nil {
		if credited {
			return ErrDuplicate
		}
		tx.ID = existing.TransactionID
		tx.Points = existing.AwardedPoints
		tx.CreatedAt = existing.CreatedAt
	}

	if err := steps.writeTransaction(ctx, tx); err != nil {
		return fmt.Errorf("écriture transaction: %w", err)
	}
	if err := steps.markCredited(ctx, award.RequestID); err != nil {
		return fmt.Errorf("marquage crédit: %w", err)
	}
	return nil
}
