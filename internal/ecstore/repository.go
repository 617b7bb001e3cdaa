// Package ecstore persiste les demandes EC, leur fil de messages et le
// grand livre de points.
package ecstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

var (
	ErrNotFound            = errors.New("introuvable")
	ErrConflict            = errors.New("statut modifié entre-temps")
	ErrDuplicate           = errors.New("doublon")
	ErrInsufficientDeposit = errors.New("dépôt insuffisant")
)

// ConflictError porte le statut effectivement trouvé lors d'un échec de CAS
type ConflictError struct {
	Current models.ECStatus
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("statut actuel %q", e.Current)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

type Repository interface {
	// CreateRequest retourne ErrDuplicate si RequestHash existe déjà
	CreateRequest(ctx context.Context, r *models.ECRequest) error
	GetRequest(ctx context.Context, id uuid.UUID) (*models.ECRequest, error)
	ListByUser(ctx context.Context, userID string) ([]models.ECRequest, error)
	// ListByStore filtre sur status si non vide
	ListByStore(ctx context.Context, storeID string, status models.ECStatus) ([]models.ECRequest, error)
	// TransitionStatus applique patch seulement si le statut courant vaut from
	TransitionStatus(ctx context.Context, id uuid.UUID, from models.ECStatus, patch models.StatusPatch) (*models.ECRequest, error)

	AppendMessage(ctx context.Context, m *models.ECMessage) error
	ListMessages(ctx context.Context, requestID uuid.UUID) ([]models.ECMessage, error)

	// RecordAward retourne ErrDuplicate si la demande a déjà été créditée
	RecordAward(ctx context.Context, award models.PointAwardLog, tx models.PointTransaction) error
	Balance(ctx context.Context, userID string) (int, error)

	GetStore(ctx context.Context, id string) (*models.Store, error)
	ListStores(ctx context.Context) ([]models.Store, error)
	// ConsumeDeposit retourne le solde restant
	ConsumeDeposit(ctx context.Context, storeID string, amount int64) (int64, error)
}
