package ecclient

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

// ErrNotConfirmed : l'opérateur n'a pas confirmé l'approbation
var ErrNotConfirmed = errors.New("承認がキャンセルされました")

// DecisionPanel porte les actions du magasin sur une demande en attente
type DecisionPanel struct {
	client *Client
	list   *RequestList

	mu         sync.Mutex
	inFlight   map[uuid.UUID]bool
	detail     *models.ECRequest
	rejectOpen bool
	reason     string
	err        string
}

// NewDecisionPanel ; list est rechargée après chaque décision réussie (peut être nil)
func NewDecisionPanel(c *Client, list *RequestList) *DecisionPanel {
	return &DecisionPanel{client: c, list: list, inFlight: make(map[uuid.UUID]bool)}
}

// Open affiche le détail d'une demande
func (p *DecisionPanel) Open(r *models.ECRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detail = r
	p.rejectOpen = false
	p.reason = ""
	p.err = ""
}

func (p *DecisionPanel) Detail() *models.ECRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detail
}

func (p *DecisionPanel) OpenReject() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectOpen = true
}

func (p *DecisionPanel) RejectOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rejectOpen
}

// Reason est le motif saisi, conservé si le refus échoue
func (p *DecisionPanel) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

func (p *DecisionPanel) Err() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// CanDecide : les boutons approuver/refuser n'existent que pour une demande en attente
func CanDecide(r *models.ECRequest) bool {
	return r != nil && r.Status == models.StatusPending
}

// Approve demande confirmation puis débite le magasin par carte
func (p *DecisionPanel) Approve(ctx context.Context, id uuid.UUID, confirm func() bool) (*models.ECRequest, error) {
	if confirm == nil || !confirm() {
		return nil, ErrNotConfirmed
	}
	return p.run(ctx, id, FallbackApprove, func() (*models.ECRequest, error) {
		return p.client.Approve(ctx, id, models.PaymentCard)
	})
}

// Reject exige un motif non vide ; sinon aucun appel n'est fait
func (p *DecisionPanel) Reject(ctx context.Context, id uuid.UUID, reason string) (*models.ECRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		err := &ValidationError{Fields: []string{"rejection_reason"}}
		p.mu.Lock()
		p.err = "却下理由を入力してください"
		p.mu.Unlock()
		return nil, err
	}
	p.mu.Lock()
	p.reason = reason
	p.mu.Unlock()
	return p.run(ctx, id, FallbackReject, func() (*models.ECRequest, error) {
		return p.client.Reject(ctx, id, reason)
	})
}

func (p *DecisionPanel) run(ctx context.Context, id uuid.UUID, fallback string, call func() (*models.ECRequest, error)) (*models.ECRequest, error) {
	p.mu.Lock()
	if p.inFlight[id] {
		p.mu.Unlock()
		return nil, ErrInFlight
	}
	p.inFlight[id] = true
	p.err = ""
	p.mu.Unlock()

	r, err := call()

	p.mu.Lock()
	delete(p.inFlight, id)
	if err != nil {
		// le modal de refus reste ouvert pour réessayer
		p.err = Message(err, fallback)
		p.mu.Unlock()
		return nil, err
	}
	p.detail = nil
	p.rejectOpen = false
	p.reason = ""
	p.mu.Unlock()

	if p.list != nil {
		// l'état d'erreur de la liste suffit
		_ = p.list.Refresh(ctx)
	}
	return r, nil
}
