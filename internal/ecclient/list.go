package ecclient

import (
	"context"
	"strings"
	"sync"

	"pointapp_back_end/internal/models"
)

// Scope : demandes de l'utilisateur ou demandes reçues par le magasin
type Scope string

const (
	ScopeMine     Scope = "mine"
	ScopeReceived Scope = "received"
)

func (s Scope) prefix() string {
	if s == ScopeReceived {
		return "/api/ec/store"
	}
	return "/api/ec/user"
}

type Filter string

const (
	FilterAll      Filter = "all"
	FilterPending  Filter = "pending"
	FilterApproved Filter = "approved"
	FilterRejected Filter = "rejected"
)

func (f Filter) keeps(r models.ECRequest) bool {
	if f == FilterAll || f == "" {
		return true
	}
	return string(r.Status) == string(f)
}

// ListState distingue le chargement de la liste vide
type ListState int

const (
	ListLoading ListState = iota
	ListEmpty
	ListReady
	ListFailed
)

func (s ListState) String() string {
	switch s {
	case ListLoading:
		return "loading"
	case ListEmpty:
		return "empty"
	case ListReady:
		return "ready"
	case ListFailed:
		return "failed"
	}
	return "unknown"
}

// RequestList est la liste filtrable des demandes. Le filtre de statut
// refait un appel, la recherche texte reste locale.
type RequestList struct {
	client *Client
	scope  Scope

	mu     sync.Mutex
	filter Filter
	search string
	items  []models.ECRequest
	state  ListState
	err    string
}

// NewRequestList ; côté magasin la liste s'ouvre sur les demandes en attente
func NewRequestList(c *Client, scope Scope) *RequestList {
	filter := FilterAll
	if scope == ScopeReceived {
		filter = FilterPending
	}
	return &RequestList{client: c, scope: scope, filter: filter, state: ListLoading}
}

func (l *RequestList) Scope() Scope { return l.scope }

// SetFilter change le filtre de statut et recharge si besoin
func (l *RequestList) SetFilter(ctx context.Context, f Filter) error {
	l.mu.Lock()
	changed := l.filter != f
	l.filter = f
	l.mu.Unlock()
	if !changed {
		return nil
	}
	return l.Refresh(ctx)
}

func (l *RequestList) Refresh(ctx context.Context) error {
	l.mu.Lock()
	filter := l.filter
	l.state = ListLoading
	l.err = ""
	l.mu.Unlock()

	items, err := l.fetch(ctx, filter)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = ListFailed
		l.err = Message(err, FallbackLoad)
		return err
	}
	l.items = items
	if len(items) == 0 {
		l.state = ListEmpty
	} else {
		l.state = ListReady
	}
	return nil
}

func (l *RequestList) fetch(ctx context.Context, filter Filter) ([]models.ECRequest, error) {
	var (
		all []models.ECRequest
		err error
	)
	switch {
	case l.scope == ScopeMine:
		all, err = l.client.UserRequests(ctx)
	case filter == FilterPending:
		all, err = l.client.PendingRequests(ctx)
	default:
		all, err = l.client.AllRequests(ctx, "")
	}
	if err != nil {
		return nil, err
	}
	out := make([]models.ECRequest, 0, len(all))
	for _, r := range all {
		if filter.keeps(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// SetSearch filtre localement sur le nom du demandeur et le numéro de commande
func (l *RequestList) SetSearch(q string) {
	l.mu.Lock()
	l.search = q
	l.mu.Unlock()
}

// Visible retourne les demandes chargées qui correspondent à la recherche
func (l *RequestList) Visible() []models.ECRequest {
	l.mu.Lock()
	defer l.mu.Unlock()
	q := strings.ToLower(strings.TrimSpace(l.search))
	out := make([]models.ECRequest, 0, len(l.items))
	for _, r := range l.items {
		if q == "" ||
			strings.Contains(strings.ToLower(r.UserName), q) ||
			strings.Contains(strings.ToLower(r.OrderID), q) {
			out = append(out, r)
		}
	}
	return out
}

func (l *RequestList) State() ListState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *RequestList) Filter() Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter
}

// Err retourne le message de la dernière erreur de chargement
func (l *RequestList) Err() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
