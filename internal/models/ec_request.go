package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type ECStatus string

const (
	StatusPending   ECStatus = "pending"
	StatusApproved  ECStatus = "approved"
	StatusRejected  ECStatus = "rejected"
	StatusCompleted ECStatus = "completed"
)

// Valid indique si le statut fait partie de l'énumération connue
func (s ECStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCompleted:
		return true
	}
	return false
}

// IsTerminal : plus aucune transition possible
func (s ECStatus) IsTerminal() bool {
	return s == StatusRejected || s == StatusCompleted
}

// CanTransition vérifie qu'une transition est autorisée par la machine d'états
func (s ECStatus) CanTransition(to ECStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusCompleted
	}
	return false
}

type PaymentMethod string

const (
	PaymentCard    PaymentMethod = "card_payment"
	PaymentDeposit PaymentMethod = "deposit_consumption"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCard || m == PaymentDeposit
}

const RequestTypeReceipt = "receipt"

// ECRequest est une demande de points pour un achat EC
type ECRequest struct {
	ID                 uuid.UUID       `json:"id"`
	RequestType        string          `json:"request_type"`
	UserID             string          `json:"user_id"`
	UserName           string          `json:"user_name"`
	UserEmail          string          `json:"-"`
	StoreID            string          `json:"store_id"`
	StoreName          string          `json:"store_name"`
	PurchaseAmount     decimal.Decimal `json:"purchase_amount"`
	OrderID            string          `json:"order_id"`
	PurchaseDate       time.Time       `json:"purchase_date"`
	PointsToAward      int             `json:"points_to_award"`
	PointsAwarded      int             `json:"points_awarded"`
	ReceiptImage       string          `json:"receipt_image,omitempty"`
	ReceiptDescription string          `json:"receipt_description,omitempty"`
	Status             ECStatus        `json:"status"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	PaymentMethod      PaymentMethod   `json:"payment_method,omitempty"`
	PaymentReference   string          `json:"payment_reference,omitempty"`
	DecidedBy          string          `json:"decided_by,omitempty"`
	DecidedAt          *time.Time      `json:"decided_at,omitempty"`
	Messages           []ECMessage     `json:"messages"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`

	ReceiptKey  string `json:"-"`
	RequestHash string `json:"-"`
	IPAddress   string `json:"-"`
	UserAgent   string `json:"-"`
}

// ECMessage est un message du fil de discussion d'une demande
type ECMessage struct {
	ID          uuid.UUID `json:"id"`
	RequestID   uuid.UUID `json:"request_id"`
	SenderID    string    `json:"-"`
	SenderName  string    `json:"sender_name"`
	Message     string    `json:"message"`
	IsFromStore bool      `json:"is_from_store"`
	CreatedAt   time.Time `json:"created_at"`
}

// StatusPatch décrit les champs modifiés lors d'une transition de statut
type StatusPatch struct {
	To               ECStatus
	RejectionReason  string
	PaymentMethod    PaymentMethod
	PaymentReference string
	DecidedBy        string
	DecidedAt        *time.Time
	PointsAwarded    int
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// Apply recopie le patch sur la demande
func (p StatusPatch) Apply(r *ECRequest) {
	r.Status = p.To
	r.UpdatedAt = p.UpdatedAt
	switch p.To {
	case StatusRejected:
		r.RejectionReason = p.RejectionReason
		r.DecidedBy = p.DecidedBy
		r.DecidedAt = p.DecidedAt
	case StatusApproved:
		r.PaymentMethod = p.PaymentMethod
		r.PaymentReference = p.PaymentReference
		r.DecidedBy = p.DecidedBy
		r.DecidedAt = p.DecidedAt
	case StatusCompleted:
		r.PointsAwarded = p.PointsAwarded
		r.CompletedAt = p.CompletedAt
	}
}

// CalculatePoints : 1 point pour yenPerPoint yens, arrondi à l'inférieur
func CalculatePoints(amount decimal.Decimal, yenPerPoint int64) int {
	if yenPerPoint <= 0 || !amount.IsPositive() {
		return 0
	}
	return int(amount.Div(decimal.NewFromInt(yenPerPoint)).Floor().IntPart())
}

// RequestHash identifie une demande pour la détection de doublons
func RequestHash(userID, storeID, orderID string, amount decimal.Decimal, purchaseDate time.Time) string {
	data := fmt.Sprintf("%s_%s_%s_%s_%s", userID, storeID, orderID, amount.StringFixed(2), purchaseDate.UTC().Format("2006-01-02"))
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
