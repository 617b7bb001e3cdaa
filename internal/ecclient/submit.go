package ecclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pointapp_back_end/internal/models"
)

type Tab string

const (
	TabForm    Tab = "form"
	TabHistory Tab = "history"
)

const (
	DefaultSwitchDelay = 3 * time.Second
	submittedNotice    = "申請を送信しました"
)

// ErrInFlight : une action identique attend encore sa réponse
var ErrInFlight = errors.New("処理中です。しばらくお待ちください")

// SubmitState est un instantané de l'écran de dépôt
type SubmitState struct {
	Form       SubmitForm
	Tab        Tab
	Submitting bool
	Notice     string
	Error      string
}

// SubmitPage porte l'état du formulaire de demande
type SubmitPage struct {
	client      *Client
	switchDelay time.Duration

	mu         sync.Mutex
	form       SubmitForm
	tab        Tab
	submitting bool
	notice     string
	err        string
	idemKey    string
	timer      *time.Timer
}

// NewSubmitPage ; switchDelay <= 0 prend DefaultSwitchDelay
func NewSubmitPage(c *Client, switchDelay time.Duration) *SubmitPage {
	if switchDelay <= 0 {
		switchDelay = DefaultSwitchDelay
	}
	return &SubmitPage{client: c, switchDelay: switchDelay, tab: TabForm}
}

// Fill remplace la saisie. Une nouvelle saisie reçoit une nouvelle clé d'idempotence.
func (p *SubmitPage) Fill(f SubmitForm) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.form = f
	p.idemKey = ""
	p.err = ""
}

func (p *SubmitPage) ShowForm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimer()
	p.tab = TabForm
}

func (p *SubmitPage) State() SubmitState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SubmitState{Form: p.form, Tab: p.tab, Submitting: p.submitting, Notice: p.notice, Error: p.err}
}

// Submit envoie la saisie courante. Un champ obligatoire manquant bloque
// l'envoi ; un échec garde la saisie pour réessayer avec la même clé.
func (p *SubmitPage) Submit(ctx context.Context) (*models.ECRequest, error) {
	p.mu.Lock()
	if p.submitting {
		p.mu.Unlock()
		return nil, ErrInFlight
	}
	if missing := p.form.Missing(); len(missing) > 0 {
		err := &ValidationError{Fields: missing}
		p.err = err.Error()
		p.mu.Unlock()
		return nil, err
	}
	if p.idemKey == "" {
		p.idemKey = uuid.NewString()
	}
	form, key := p.form, p.idemKey
	p.submitting = true
	p.err = ""
	p.notice = ""
	p.mu.Unlock()

	r, err := p.client.Submit(ctx, form, key)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitting = false
	if err != nil {
		p.err = Message(err, FallbackSubmit)
		return nil, err
	}

	p.form = SubmitForm{}
	p.idemKey = ""
	p.notice = submittedNotice
	p.stopTimer()
	p.timer = time.AfterFunc(p.switchDelay, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.tab = TabHistory
		p.notice = ""
	})
	return r, nil
}

// Close arrête le passage différé vers l'historique
func (p *SubmitPage) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimer()
}

func (p *SubmitPage) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
