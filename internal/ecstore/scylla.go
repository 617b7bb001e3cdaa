package ecstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/inf.v0"

	"pointapp_back_end/internal/logger"
	"pointapp_back_end/internal/models"
)

const requestColumns = `request_id, request_type, user_id, user_name, user_email, store_id, store_name,
	purchase_amount, order_id, purchase_date, points_to_award, points_awarded,
	receipt_key, receipt_description, status, rejection_reason, payment_method,
	payment_reference, decided_by, decided_at, request_hash, ip_address, user_agent,
	created_at, updated_at, completed_at`

const depositCASRetries = 5

// ScyllaRepository implémente Repository sur ScyllaDB
type ScyllaRepository struct {
	session *gocql.Session
	log     *zap.Logger
}

func NewScyllaRepository(session *gocql.Session, log *zap.Logger) *ScyllaRepository {
	return &ScyllaRepository{session: session, log: logger.OrNop(log)}
}

func (s *ScyllaRepository) CreateRequest(ctx context.Context, r *models.ECRequest) error {
	// 1. Réserver le hash (LWT) pour bloquer les doublons
	if r.RequestHash != "" {
		applied, err := s.session.Query(
			`INSERT INTO ec_request_hashes (request_hash, request_id) VALUES (?, ?) IF NOT EXISTS`,
			r.RequestHash, gocql.UUID(r.ID),
		).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("réservation hash: %w", err)
		}
		if !applied {
			return ErrDuplicate
		}
	}

	// 2. Ligne principale
	err := s.session.Query(`INSERT INTO ec_requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		gocql.UUID(r.ID), r.RequestType, r.UserID, r.UserName, r.UserEmail, r.StoreID, r.StoreName,
		toInfDec(r.PurchaseAmount), r.OrderID, r.PurchaseDate, r.PointsToAward, r.PointsAwarded,
		r.ReceiptKey, r.ReceiptDescription, string(r.Status), r.RejectionReason, string(r.PaymentMethod),
		r.PaymentReference, r.DecidedBy, r.DecidedAt, r.RequestHash, r.IPAddress, r.UserAgent,
		r.CreatedAt, r.UpdatedAt, r.CompletedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		s.undoCreate(r, false)
		return fmt.Errorf("insertion demande: %w", err)
	}

	// 3. Index par utilisateur et par magasin
	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(`INSERT INTO ec_requests_by_user (user_id, created_at, request_id) VALUES (?, ?, ?)`,
		r.UserID, r.CreatedAt, gocql.UUID(r.ID))
	batch.Query(`INSERT INTO ec_requests_by_store (store_id, created_at, request_id) VALUES (?, ?, ?)`,
		r.StoreID, r.CreatedAt, gocql.UUID(r.ID))
	if err := s.session.ExecuteBatch(batch); err != nil {
		s.undoCreate(r, true)
		return fmt.Errorf("index demande: %w", err)
	}
	return nil
}

// undoCreate libère le hash réservé pour qu'un nouvel envoi reste possible
func (s *ScyllaRepository) undoCreate(r *models.ECRequest, rowWritten bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if rowWritten {
		if err := s.session.Query(`DELETE FROM ec_requests WHERE request_id = ?`, gocql.UUID(r.ID)).
			WithContext(ctx).Exec(); err != nil {
			s.log.Warn("⚠️ suppression demande incomplète échouée", zap.String("request_id", r.ID.String()), zap.Error(err))
		}
	}
	if r.RequestHash == "" {
		return
	}
	_, err := s.session.Query(`DELETE FROM ec_request_hashes WHERE request_hash = ? IF request_id = ?`,
		r.RequestHash, gocql.UUID(r.ID)).WithContext(ctx).MapScanCAS(map[string]interface{}{})
	if err != nil {
		s.log.Error("❌ libération hash échouée, nouvel envoi bloqué",
			zap.String("request_id", r.ID.String()), zap.String("hash", r.RequestHash), zap.Error(err))
	}
}

func (s *ScyllaRepository) GetRequest(ctx context.Context, id uuid.UUID) (*models.ECRequest, error) {
	r, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Messages, err = s.ListMessages(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *ScyllaRepository) loadRequest(ctx context.Context, id uuid.UUID) (*models.ECRequest, error) {
	var (
		r                      models.ECRequest
		rid                    gocql.UUID
		amount                 *inf.Dec
		status, payment        string
		decidedAt, completedAt time.Time
	)
	err := s.session.Query(`SELECT `+requestColumns+` FROM ec_requests WHERE request_id = ?`, gocql.UUID(id)).
		WithContext(ctx).
		Scan(&rid, &r.RequestType, &r.UserID, &r.UserName, &r.UserEmail, &r.StoreID, &r.StoreName,
			&amount, &r.OrderID, &r.PurchaseDate, &r.PointsToAward, &r.PointsAwarded,
			&r.ReceiptKey, &r.ReceiptDescription, &status, &r.RejectionReason, &payment,
			&r.PaymentReference, &r.DecidedBy, &decidedAt, &r.RequestHash, &r.IPAddress, &r.UserAgent,
			&r.CreatedAt, &r.UpdatedAt, &completedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lecture demande %s: %w", id, err)
	}

	r.ID = uuid.UUID(rid)
	r.PurchaseAmount = fromInfDec(amount)
	r.Status = models.ECStatus(status)
	r.PaymentMethod = models.PaymentMethod(payment)
	r.DecidedAt = optionalTime(decidedAt)
	r.CompletedAt = optionalTime(completedAt)
	return &r, nil
}

func (s *ScyllaRepository) ListByUser(ctx context.Context, userID string) ([]models.ECRequest, error) {
	ids, err := s.indexIDs(ctx, `SELECT request_id FROM ec_requests_by_user WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, ids, "")
}

func (s *ScyllaRepository) ListByStore(ctx context.Context, storeID string, status models.ECStatus) ([]models.ECRequest, error) {
	ids, err := s.indexIDs(ctx, `SELECT request_id FROM ec_requests_by_store WHERE store_id = ?`, storeID)
	if err != nil {
		return nil, err
	}
	return s.loadMany(ctx, ids, status)
}

func (s *ScyllaRepository) indexIDs(ctx context.Context, stmt, key string) ([]uuid.UUID, error) {
	iter := s.session.Query(stmt, key).WithContext(ctx).Iter()
	var (
		ids []uuid.UUID
		id  gocql.UUID
	)
	for iter.Scan(&id) {
		ids = append(ids, uuid.UUID(id))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture index: %w", err)
	}
	return ids, nil
}

func (s *ScyllaRepository) loadMany(ctx context.Context, ids []uuid.UUID, status models.ECStatus) ([]models.ECRequest, error) {
	out := make([]models.ECRequest, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRequest(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("⚠️ Index orphelin", zap.String("request_id", id.String()))
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *r)
	}
	return out, nil
}

func (s *ScyllaRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from models.ECStatus, patch models.StatusPatch) (*models.ECRequest, error) {
	var q *gocql.Query
	switch patch.To {
	case models.StatusApproved:
		q = s.session.Query(`UPDATE ec_requests SET status = ?, payment_method = ?, payment_reference = ?,
			decided_by = ?, decided_at = ?, updated_at = ? WHERE request_id = ? IF status = ?`,
			string(patch.To), string(patch.PaymentMethod), patch.PaymentReference,
			patch.DecidedBy, patch.DecidedAt, patch.UpdatedAt, gocql.UUID(id), string(from))
	case models.StatusRejected:
		q = s.session.Query(`UPDATE ec_requests SET status = ?, rejection_reason = ?,
			decided_by = ?, decided_at = ?, updated_at = ? WHERE request_id = ? IF status = ?`,
			string(patch.To), patch.RejectionReason,
			patch.DecidedBy, patch.DecidedAt, patch.UpdatedAt, gocql.UUID(id), string(from))
	case models.StatusCompleted:
		q = s.session.Query(`UPDATE ec_requests SET status = ?, points_awarded = ?, completed_at = ?,
			updated_at = ? WHERE request_id = ? IF status = ?`,
			string(patch.To), patch.PointsAwarded, patch.CompletedAt,
			patch.UpdatedAt, gocql.UUID(id), string(from))
	default:
		return nil, fmt.Errorf("transition vers %q non supportée", patch.To)
	}

	previous := map[string]interface{}{}
	applied, err := q.WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", id, err)
	}
	if !applied {
		current, _ := previous["status"].(string)
		if current == "" {
			return nil, ErrNotFound
		}
		return nil, &ConflictError{Current: models.ECStatus(current)}
	}
	return s.GetRequest(ctx, id)
}

func (s *ScyllaRepository) AppendMessage(ctx context.Context, m *models.ECMessage) error {
	if _, err := s.loadRequest(ctx, m.RequestID); err != nil {
		return err
	}
	err := s.session.Query(`INSERT INTO ec_messages (request_id, message_id, sender_id, sender_name, message, is_from_store, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		gocql.UUID(m.RequestID), gocql.UUID(m.ID), m.SenderID, m.SenderName, m.Message, m.IsFromStore, m.CreatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("insertion message: %w", err)
	}
	return nil
}

func (s *ScyllaRepository) ListMessages(ctx context.Context, requestID uuid.UUID) ([]models.ECMessage, error) {
	iter := s.session.Query(`SELECT message_id, sender_id, sender_name, message, is_from_store, created_at
		FROM ec_messages WHERE request_id = ?`, gocql.UUID(requestID)).WithContext(ctx).Iter()

	messages := make([]models.ECMessage, 0)
	var (
		m  models.ECMessage
		id gocql.UUID
	)
	for iter.Scan(&id, &m.SenderID, &m.SenderName, &m.Message, &m.IsFromStore, &m.CreatedAt) {
		m.ID = uuid.UUID(id)
		m.RequestID = requestID
		messages = append(messages, m)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture messages: %w", err)
	}
	return messages, nil
}

func (s *ScyllaRepository) RecordAward(ctx context.Context, award models.PointAwardLog, tx models.PointTransaction) error {
	return postAward(ctx, s, award, tx)
}

func (s *ScyllaRepository) reserveAward(ctx context.Context, award models.PointAwardLog) (*models.PointAwardLog, bool, error) {
	previous := map[string]interface{}{}
	applied, err := s.session.Query(`INSERT INTO point_award_logs
		(request_id, transaction_id, awarded_points, yen_per_point, processing_duration_ms, credited, created_at)
		VALUES (?, ?, ?, ?, ?, false, ?) IF NOT EXISTS`,
		gocql.UUID(award.RequestID), gocql.UUID(award.TransactionID), award.AwardedPoints,
		award.YenPerPoint, award.ProcessingDuration, award.CreatedAt,
	).WithContext(ctx).MapScanCAS(previous)
	if err != nil {
		return nil, false, err
	}
	if applied {
		return nil, false, nil
	}

	existing := &models.PointAwardLog{RequestID: award.RequestID}
	txID, ok := previous["transaction_id"].(gocql.UUID)
	if !ok {
		return nil, false, fmt.Errorf("journal attribution %s illisible", award.RequestID)
	}
	existing.TransactionID = uuid.UUID(txID)
	existing.AwardedPoints, _ = previous["awarded_points"].(int)
	existing.CreatedAt, _ = previous["created_at"].(time.Time)
	credited, _ := previous["credited"].(bool)
	return existing, credited, nil
}

func (s *ScyllaRepository) writeTransaction(ctx context.Context, tx models.PointTransaction) error {
	return s.session.Query(`INSERT INTO point_transactions (user_id, transaction_id, points, kind, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tx.UserID, gocql.UUID(tx.ID), tx.Points, tx.Kind, tx.Reference, tx.CreatedAt,
	).WithContext(ctx).Exec()
}

func (s *ScyllaRepository) markCredited(ctx context.Context, requestID uuid.UUID) error {
	return s.session.Query(`UPDATE point_award_logs SET credited = true WHERE request_id = ?`,
		gocql.UUID(requestID)).WithContext(ctx).Exec()
}

// Balance additionne les transactions de la partition utilisateur
func (s *ScyllaRepository) Balance(ctx context.Context, userID string) (int, error) {
	var balance int
	err := s.session.Query(`SELECT SUM(points) FROM point_transactions WHERE user_id = ?`, userID).
		WithContext(ctx).Scan(&balance)
	if errors.Is(err, gocql.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lecture solde: %w", err)
	}
	return balance, nil
}

func (s *ScyllaRepository) GetStore(ctx context.Context, id string) (*models.Store, error) {
	st := models.Store{ID: id}
	err := s.session.Query(`SELECT name, email, stripe_customer_id, stripe_payment_method, deposit_balance, created_at
		FROM stores WHERE store_id = ?`, id).WithContext(ctx).
		Scan(&st.Name, &st.Email, &st.StripeCustomerID, &st.StripePaymentMethod, &st.DepositBalance, &st.CreatedAt)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lecture magasin %s: %w", id, err)
	}
	return &st, nil
}

func (s *ScyllaRepository) ListStores(ctx context.Context) ([]models.Store, error) {
	iter := s.session.Query(`SELECT store_id, name, email, created_at FROM stores`).WithContext(ctx).Iter()
	stores := make([]models.Store, 0)
	var st models.Store
	for iter.Scan(&st.ID, &st.Name, &st.Email, &st.CreatedAt) {
		stores = append(stores, st)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("lecture magasins: %w", err)
	}
	return stores, nil
}

func (s *ScyllaRepository) ConsumeDeposit(ctx context.Context, storeID string, amount int64) (int64, error) {
	for attempt := 0; attempt < depositCASRetries; attempt++ {
		st, err := s.GetStore(ctx, storeID)
		if err != nil {
			return 0, err
		}
		if st.DepositBalance < amount {
			return st.DepositBalance, ErrInsufficientDeposit
		}
		remaining := st.DepositBalance - amount
		applied, err := s.session.Query(`UPDATE stores SET deposit_balance = ? WHERE store_id = ? IF deposit_balance = ?`,
			remaining, storeID, st.DepositBalance).WithContext(ctx).MapScanCAS(map[string]interface{}{})
		if err != nil {
			return 0, fmt.Errorf("débit dépôt: %w", err)
		}
		if applied {
			return remaining, nil
		}
		s.log.Debug("🔁 Conflit débit dépôt, nouvel essai", zap.String("store_id", storeID), zap.Int("attempt", attempt+1))
	}
	return 0, ErrConflict
}

func toInfDec(d decimal.Decimal) *inf.Dec {
	return inf.NewDecBig(d.Coefficient(), inf.Scale(-d.Exponent()))
}

func fromInfDec(d *inf.Dec) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(d.UnscaledBig(), -int32(d.Scale()))
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
