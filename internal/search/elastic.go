// Package search indexe les demandes EC dans Elasticsearch pour la recherche côté magasin.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"pointapp_back_end/internal/models"
)

// Document est la forme indexée d'une demande
type Document struct {
	RequestID          string    `json:"request_id"`
	UserID             string    `json:"user_id"`
	UserName           string    `json:"user_name"`
	StoreID            string    `json:"store_id"`
	StoreName          string    `json:"store_name"`
	OrderID            string    `json:"order_id"`
	PurchaseAmount     string    `json:"purchase_amount"`
	ReceiptDescription string    `json:"receipt_description"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
}

func DocumentFrom(r *models.ECRequest) Document {
	return Document{
		RequestID:          r.ID.String(),
		UserID:             r.UserID,
		UserName:           r.UserName,
		StoreID:            r.StoreID,
		StoreName:          r.StoreName,
		OrderID:            r.OrderID,
		PurchaseAmount:     r.PurchaseAmount.String(),
		ReceiptDescription: r.ReceiptDescription,
		Status:             string(r.Status),
		CreatedAt:          r.CreatedAt,
	}
}

type ElasticIndex struct {
	client *elasticsearch.Client
	index  string
	log    *zap.Logger
}

func NewElasticIndex(client *elasticsearch.Client, index string, log *zap.Logger) *ElasticIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &ElasticIndex{client: client, index: index, log: log}
}

// indexMapping fige les champs filtrés en keyword : un term sur un champ
// text analysé ne retrouve pas "store-umeda".
var indexMapping = map[string]interface{}{
	"mappings": map[string]interface{}{
		"properties": map[string]interface{}{
			"request_id":          map[string]interface{}{"type": "keyword"},
			"user_id":             map[string]interface{}{"type": "keyword"},
			"store_id":            map[string]interface{}{"type": "keyword"},
			"status":              map[string]interface{}{"type": "keyword"},
			"user_name":           map[string]interface{}{"type": "text"},
			"store_name":          map[string]interface{}{"type": "text"},
			"order_id":            map[string]interface{}{"type": "text"},
			"purchase_amount":     map[string]interface{}{"type": "text"},
			"receipt_description": map[string]interface{}{"type": "text"},
			"created_at":          map[string]interface{}{"type": "date"},
		},
	},
}

// EnsureIndex crée l'index avec son mapping s'il n'existe pas encore
func (e *ElasticIndex) EnsureIndex(ctx context.Context) error {
	exists, err := esapi.IndicesExistsRequest{Index: []string{e.index}}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("vérification index: %w", err)
	}
	exists.Body.Close()
	switch exists.StatusCode {
	case 200:
		return nil
	case 404:
	default:
		return fmt.Errorf("vérification index: %s", exists.String())
	}

	body, err := json.Marshal(indexMapping)
	if err != nil {
		return err
	}
	res, err := esapi.IndicesCreateRequest{Index: e.index, Body: bytes.NewReader(body)}.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("création index: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("création index: %s", res.String())
	}
	e.log.Info("✅ index Elastic créé", zap.String("index", e.index))
	return nil
}

// Index ajoute ou remplace le document de la demande
func (e *ElasticIndex) Index(ctx context.Context, r *models.ECRequest) error {
	data, err := json.Marshal(DocumentFrom(r))
	if err != nil {
		return err
	}
	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: r.ID.String(),
		Body:       bytes.NewReader(data),
		Refresh:    "true",
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("envoi Elastic: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elastic a renvoyé une erreur: %s", res.String())
	}
	e.log.Debug("✅ demande indexée", zap.String("request_id", r.ID.String()))
	return nil
}

// Search retourne les IDs des demandes du magasin correspondant à la requête
func (e *ElasticIndex) Search(ctx context.Context, storeID, query string) ([]uuid.UUID, error) {
	var buf bytes.Buffer
	q := map[string]interface{}{
		"size": 100,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"order_id^3", "user_name^2", "receipt_description", "purchase_amount"},
						"type":   "phrase_prefix",
					},
				},
				"filter": map[string]interface{}{
					"term": map[string]interface{}{"store_id": storeID},
				},
			},
		},
		"sort": []interface{}{map[string]interface{}{"created_at": "desc"}},
	}
	if err := json.NewEncoder(&buf).Encode(q); err != nil {
		return nil, fmt.Errorf("erreur encodage requête: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("erreur requête Elastic: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, errors.New("index non trouvé ou vide")
	}

	var r struct {
		Hits struct {
			Hits []struct {
				Source Document `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("erreur décodage JSON: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(r.Hits.Hits))
	for _, h := range r.Hits.Hits {
		if id, err := uuid.Parse(h.Source.RequestID); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Matches applique la même recherche en mémoire
func Matches(r *models.ECRequest, query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	for _, field := range []string{r.OrderID, r.UserName, r.ReceiptDescription, r.PurchaseAmount.String()} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
