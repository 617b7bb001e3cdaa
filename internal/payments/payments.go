// Package payments facture au magasin les points accordés, par carte (Stripe)
// ou en consommant son dépôt.
package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"

	"pointapp_back_end/internal/models"
)

var (
	ErrNoPaymentMethod     = errors.New("支払い方法が登録されていません")
	ErrInsufficientDeposit = errors.New("デポジット残高が不足しています")
	ErrDeclined            = errors.New("決済が拒否されました")
)

// Charge décrit une facturation pour une demande approuvée
type Charge struct {
	RequestID uuid.UUID
	Store     models.Store
	Points    int
	AmountYen int64
	Method    models.PaymentMethod
}

type CardCharger interface {
	ChargeCard(ctx context.Context, c Charge) (string, error)
}

type DepositLedger interface {
	ConsumeDeposit(ctx context.Context, storeID string, amount int64) (int64, error)
}

// Router choisit le moyen de paiement selon la décision du magasin
type Router struct {
	Card    CardCharger
	Deposit DepositLedger
	// IsInsufficient reconnaît l'erreur de solde du DepositLedger
	IsInsufficient func(error) bool
}

// Charge retourne la référence de paiement à stocker sur la demande
func (r *Router) Charge(ctx context.Context, c Charge) (string, error) {
	switch c.Method {
	case models.PaymentCard, "":
		return r.Card.ChargeCard(ctx, c)
	case models.PaymentDeposit:
		left, err := r.Deposit.ConsumeDeposit(ctx, c.Store.ID, c.AmountYen)
		if err != nil {
			if r.IsInsufficient != nil && r.IsInsufficient(err) {
				return "", ErrInsufficientDeposit
			}
			return "", err
		}
		return fmt.Sprintf("deposit:%s:%d", c.RequestID, left), nil
	default:
		return "", fmt.Errorf("moyen de paiement inconnu: %s", c.Method)
	}
}

// StripeCharger crée un PaymentIntent hors session sur la carte enregistrée du magasin
type StripeCharger struct{}

func NewStripeCharger(secretKey string) *StripeCharger {
	stripe.Key = secretKey
	return &StripeCharger{}
}

func (s *StripeCharger) ChargeCard(ctx context.Context, c Charge) (string, error) {
	if c.Store.StripeCustomerID == "" || c.Store.StripePaymentMethod == "" {
		return "", ErrNoPaymentMethod
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(c.AmountYen),
		Currency:      stripe.String(string(stripe.CurrencyJPY)),
		Customer:      stripe.String(c.Store.StripeCustomerID),
		PaymentMethod: stripe.String(c.Store.StripePaymentMethod),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(fmt.Sprintf("EC point award %d pt", c.Points)),
	}
	params.Context = ctx
	// Une seule facturation par demande, même si l'appel est rejoué
	params.SetIdempotencyKey("ec-award-" + c.RequestID.String())
	params.AddMetadata("request_id", c.RequestID.String())
	params.AddMetadata("store_id", c.Store.ID)

	pi, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			return "", fmt.Errorf("%w: %s", ErrDeclined, stripeErr.Msg)
		}
		return "", err
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded && pi.Status != stripe.PaymentIntentStatusProcessing {
		return "", fmt.Errorf("%w: statut %s", ErrDeclined, pi.Status)
	}
	return pi.ID, nil
}

// FakeCard accepte toutes les facturations (mode mémoire, tests)
type FakeCard struct {
	mu      sync.Mutex
	Charges []Charge
	Fail    error
}

func (f *FakeCard) ChargeCard(_ context.Context, c Charge) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Fail != nil {
		return "", f.Fail
	}
	f.Charges = append(f.Charges, c)
	return "pi_fake_" + c.RequestID.String()[:8], nil
}

func (f *FakeCard) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Charges)
}
