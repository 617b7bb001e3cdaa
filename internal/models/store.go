package models

import (
	"time"

	"github.com/google/uuid"
)

// Store est un magasin partenaire qui valide les demandes EC
type Store struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Email               string    `json:"email,omitempty"`
	StripeCustomerID    string    `json:"-"`
	StripePaymentMethod string    `json:"-"`
	DepositBalance      int64     `json:"-"`
	CreatedAt           time.Time `json:"created_at"`
}

// PointTransaction est une écriture du grand livre de points
type PointTransaction struct {
	ID        uuid.UUID `json:"id"`
	UserID    string    `json:"user_id"`
	Points    int       `json:"points"`
	Kind      string    `json:"kind"` // "ec_award"
	Reference string    `json:"reference"`
	CreatedAt time.Time `json:"created_at"`
}

const TransactionKindECAward = "ec_award"

// PointAwardLog trace l'attribution des points d'une demande EC
type PointAwardLog struct {
	RequestID          uuid.UUID `json:"request_id"`
	TransactionID      uuid.UUID `json:"transaction_id"`
	AwardedPoints      int       `json:"awarded_points"`
	YenPerPoint        int64     `json:"yen_per_point"`
	ProcessingDuration int64     `json:"processing_duration_ms"`
	CreatedAt          time.Time `json:"created_at"`
}
