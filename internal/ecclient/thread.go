package ecclient

import (
	"context"
	"errors"
	"strings"
	"sync"

	"pointapp_back_end/internal/models"
)

// ErrThreadClosed : la demande n'est plus en attente
var ErrThreadClosed = errors.New("この申請にはメッセージを送信できません")

// Thread est le fil de messages d'une demande, relu après chaque envoi
type Thread struct {
	client *Client
	scope  Scope

	mu      sync.Mutex
	request *models.ECRequest
	input   string
	sending bool
	err     string
}

func NewThread(c *Client, scope Scope, r *models.ECRequest) *Thread {
	return &Thread{client: c, scope: scope, request: r}
}

func (t *Thread) SetInput(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.input = s
}

func (t *Thread) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

func (t *Thread) Err() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Thread) Request() *models.ECRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.request
}

// Messages dans l'ordre d'insertion
func (t *Thread) Messages() []models.ECMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.request == nil {
		return nil
	}
	return append([]models.ECMessage(nil), t.request.Messages...)
}

func (t *Thread) CanSend() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.request != nil && t.request.Status == models.StatusPending
}

// Send envoie la saisie courante. Une saisie vide n'appelle pas le serveur.
// Une fois le message accepté, Send retourne nil : l'échec du rechargement
// du fil n'est visible que dans Err, pour ne pas provoquer de double envoi.
func (t *Thread) Send(ctx context.Context) error {
	t.mu.Lock()
	text := strings.TrimSpace(t.input)
	switch {
	case text == "":
		t.mu.Unlock()
		return &ValidationError{Fields: []string{"message"}}
	case t.request == nil || t.request.Status != models.StatusPending:
		t.mu.Unlock()
		return ErrThreadClosed
	case t.sending:
		t.mu.Unlock()
		return ErrInFlight
	}
	id := t.request.ID
	t.sending = true
	t.err = ""
	t.mu.Unlock()

	_, err := t.client.PostMessage(ctx, id, text)

	t.mu.Lock()
	t.sending = false
	if err != nil {
		t.err = Message(err, FallbackMessage)
		t.mu.Unlock()
		return err
	}
	t.input = ""
	t.mu.Unlock()

	fresh, err := t.client.Request(ctx, t.scope, id)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.err = Message(err, FallbackLoad)
		return nil
	}
	t.request = fresh
	return nil
}
