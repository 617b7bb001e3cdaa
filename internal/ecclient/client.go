// Package ecclient est le client du workflow EC : appels HTTP typés et
// états des écrans (formulaire, liste, décision, fil de messages).
package ecclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

// Messages de repli quand le serveur ne renvoie pas d'erreur lisible
const (
	FallbackSubmit  = "申請の送信に失敗しました"
	FallbackMessage = "送信に失敗しました"
	FallbackApprove = "承認に失敗しました"
	FallbackReject  = "拒否処理に失敗しました"
	FallbackLoad    = "データの取得に失敗しました"
)

const idempotencyHeader = "Idempotency-Key"

// ValidationError : saisie incomplète détectée avant tout appel réseau
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "必須項目を入力してください: " + strings.Join(e.Fields, ", ")
}

// RequestError : le serveur a répondu success=false ou un statut non 2xx
type RequestError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("requête refusée (HTTP %d)", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// TransportError : échec réseau ou réponse illisible
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Message retourne le texte à afficher pour err : message du serveur,
// champs manquants, ou fallback.
func Message(err error, fallback string) string {
	var reqErr *RequestError
	var valErr *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &reqErr) && reqErr.Message != "":
		return reqErr.Message
	case errors.As(err, &valErr):
		return valErr.Error()
	}
	return fallback
}

// StoreOption est une entrée de la liste des magasins du formulaire
type StoreOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Receipt est le fichier joint au formulaire
type Receipt struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SubmitForm reprend les champs du formulaire de demande
type SubmitForm struct {
	StoreID        string
	PurchaseAmount string
	OrderID        string
	PurchaseDate   string
	Description    string
	Receipt        *Receipt
}

// Missing liste les champs obligatoires absents
func (f SubmitForm) Missing() []string {
	var missing []string
	if strings.TrimSpace(f.StoreID) == "" {
		missing = append(missing, "store_id")
	}
	if strings.TrimSpace(f.PurchaseAmount) == "" {
		missing = append(missing, "purchase_amount")
	}
	if strings.TrimSpace(f.OrderID) == "" {
		missing = append(missing, "order_id")
	}
	if strings.TrimSpace(f.PurchaseDate) == "" {
		missing = append(missing, "purchase_date")
	}
	if f.Receipt == nil || len(f.Receipt.Data) == 0 {
		missing = append(missing, "receipt_image")
	}
	return missing
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithLogger(l *zap.Logger) Option      { return func(c *Client) { c.log = l } }

func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Success *bool             `json:"success"`
	Error   string            `json:"error"`
	Fields  map[string]string `json:"fields"`
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return &TransportError{Op: method + " " + path, Err: err}
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}
	req, err := c.newRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

// do envoie la requête et décode la réponse dans out
func (c *Client) do(req *http.Request, out interface{}) error {
	op := req.Method + " " + req.URL.Path
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("❌ Erreur réseau", zap.String("op", op), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.Warn("❌ Lecture de la réponse impossible", zap.String("op", op), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}

	var env envelope
	if len(bytes.TrimSpace(data)) > 0 {
		// corps non JSON : seul le statut compte
		_ = json.Unmarshal(data, &env)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || (env.Success != nil && !*env.Success) {
		return &RequestError{Status: resp.StatusCode, Message: env.Error, Fields: env.Fields}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.log.Warn("❌ Réponse illisible", zap.String("op", op), zap.Error(err))
		return &TransportError{Op: op, Err: err}
	}
	return nil
}

func (c *Client) Stores(ctx context.Context) ([]StoreOption, error) {
	var out struct {
		Stores []StoreOption `json:"stores"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/stores/", nil, &out); err != nil {
		return nil, err
	}
	return out.Stores, nil
}

// Submit envoie le formulaire multipart. idemKey rend le renvoi sans effet.
func (c *Client) Submit(ctx context.Context, f SubmitForm, idemKey string) (*models.ECRequest, error) {
	if missing := f.Missing(); len(missing) > 0 {
		return nil, &ValidationError{Fields: missing}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, field := range []struct{ name, value string }{
		{"store_id", f.StoreID},
		{"purchase_amount", f.PurchaseAmount},
		{"order_id", f.OrderID},
		{"purchase_date", f.PurchaseDate},
		{"receipt_description", f.Description},
	} {
		if err := mw.WriteField(field.name, strings.TrimSpace(field.value)); err != nil {
			return nil, &TransportError{Op: "multipart", Err: err}
		}
	}

	ct := f.Receipt.ContentType
	if ct == "" {
		ct = http.DetectContentType(f.Receipt.Data)
	}
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="receipt_image"; filename=%q`, f.Receipt.Filename))
	hdr.Set("Content-Type", ct)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, &TransportError{Op: "multipart", Err: err}
	}
	if _, err := part.Write(f.Receipt.Data); err != nil {
		return nil, &TransportError{Op: "multipart", Err: err}
	}
	if err := mw.Close(); err != nil {
		return nil, &TransportError{Op: "multipart", Err: err}
	}

	req, err := c.newRequest(ctx, http.MethodPost, "/api/ec/receipt/upload/", &buf, mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	if idemKey != "" {
		req.Header.Set(idempotencyHeader, idemKey)
	}
	var out struct {
		Request models.ECRequest `json:"request"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

func (c *Client) requests(ctx context.Context, path string) ([]models.ECRequest, error) {
	var out struct {
		Requests []models.ECRequest `json:"requests"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	if out.Requests == nil {
		out.Requests = []models.ECRequest{}
	}
	return out.Requests, nil
}

func (c *Client) UserRequests(ctx context.Context) ([]models.ECRequest, error) {
	return c.requests(ctx, "/api/ec/user/requests/")
}

func (c *Client) PendingRequests(ctx context.Context) ([]models.ECRequest, error) {
	return c.requests(ctx, "/api/ec/store/pending-requests/")
}

func (c *Client) AllRequests(ctx context.Context, status models.ECStatus) ([]models.ECRequest, error) {
	path := "/api/ec/store/all-requests/"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	return c.requests(ctx, path)
}

// Search interroge l'index côté serveur (magasin)
func (c *Client) Search(ctx context.Context, query string) ([]models.ECRequest, error) {
	return c.requests(ctx, "/api/ec/store/search/?q="+url.QueryEscape(query))
}

// Request relit une demande ; scope choisit la vue utilisateur ou magasin
func (c *Client) Request(ctx context.Context, scope Scope, id uuid.UUID) (*models.ECRequest, error) {
	var out struct {
		Request models.ECRequest `json:"request"`
	}
	if err := c.doJSON(ctx, http.MethodGet, scope.prefix()+"/requests/"+id.String()+"/", nil, &out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

func (c *Client) Approve(ctx context.Context, id uuid.UUID, method models.PaymentMethod) (*models.ECRequest, error) {
	return c.decide(ctx, "/api/ec/store/requests/"+id.String()+"/approve/", map[string]string{"payment_method": string(method)})
}

func (c *Client) Reject(ctx context.Context, id uuid.UUID, reason string) (*models.ECRequest, error) {
	return c.decide(ctx, "/api/ec/store/requests/"+id.String()+"/reject/", map[string]string{"rejection_reason": reason})
}

// CompleteAward relance le crédit des points d'une demande approuvée (admin)
func (c *Client) CompleteAward(ctx context.Context, id uuid.UUID) (*models.ECRequest, error) {
	return c.decide(ctx, "/api/ec/admin/requests/"+id.String()+"/complete/", nil)
}

func (c *Client) decide(ctx context.Context, path string, body interface{}) (*models.ECRequest, error) {
	var out struct {
		Request models.ECRequest `json:"request"`
	}
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out.Request, nil
}

func (c *Client) PostMessage(ctx context.Context, id uuid.UUID, text string) (*models.ECMessage, error) {
	var out struct {
		Message models.ECMessage `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/ec/requests/"+id.String()+"/messages/", map[string]string{"message": text}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *Client) Points(ctx context.Context) (int, error) {
	var out struct {
		Balance int `json:"balance"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/ec/user/points/", nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// QR télécharge le PNG à présenter en magasin
func (c *Client) QR(ctx context.Context, id uuid.UUID) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/ec/user/requests/"+id.String()+"/qr/", nil, "")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "image/png")
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("❌ Erreur réseau", zap.String("op", "qr"), zap.Error(err))
		return nil, &TransportError{Op: "qr", Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Op: "qr", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		var env envelope
		_ = json.Unmarshal(data, &env)
		return nil, &RequestError{Status: resp.StatusCode, Message: env.Error}
	}
	return data, nil
}
