package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/storage"
)

const dateLayout = "2006-01-02"

// Les dates d'achat sont saisies en heure japonaise
var jst = time.FixedZone("JST", 9*60*60)

// SubmitInput reprend les champs du formulaire multipart
type SubmitInput struct {
	StoreID            string
	PurchaseAmount     string
	OrderID            string
	PurchaseDate       string
	ReceiptDescription string
	Receipt            *storage.Upload
	IdempotencyKey     string
	IPAddress          string
	UserAgent          string
}

type validatedSubmit struct {
	amount decimal.Decimal
	date   time.Time
}

func (s *Service) validateSubmit(in SubmitInput) (validatedSubmit, error) {
	var v validatedSubmit
	fields := map[string]string{}

	if strings.TrimSpace(in.StoreID) == "" {
		fields["store_id"] = "店舗を選択してください"
	}
	if strings.TrimSpace(in.OrderID) == "" {
		fields["order_id"] = "注文番号を入力してください"
	}

	if raw := strings.TrimSpace(in.PurchaseAmount); raw == "" {
		fields["purchase_amount"] = "購入金額を入力してください"
	} else if amount, err := decimal.NewFromString(raw); err != nil {
		fields["purchase_amount"] = "購入金額が不正です"
	} else if !amount.IsPositive() {
		fields["purchase_amount"] = "購入金額は0より大きい値を入力してください"
	} else {
		v.amount = amount
	}

	if raw := strings.TrimSpace(in.PurchaseDate); raw == "" {
		fields["purchase_date"] = "購入日を入力してください"
	} else if date, err := time.ParseInLocation(dateLayout, raw, jst); err != nil {
		fields["purchase_date"] = "購入日の形式が不正です"
	} else if date.After(s.now().In(jst)) {
		fields["purchase_date"] = "未来の日付は指定できません"
	} else {
		v.date = date
	}

	if in.Receipt == nil || in.Receipt.Size == 0 {
		fields["receipt_image"] = "レシート画像を添付してください"
	}

	if len(fields) > 0 {
		return v, &ValidationError{Fields: fields}
	}
	return v, nil
}

// Submit crée une demande en attente. Avec une clé d'idempotence, un second
// envoi de la même clé renvoie la demande déjà créée.
func (s *Service) Submit(ctx context.Context, actor models.Actor, in SubmitInput) (*models.ECRequest, error) {
	v, err := s.validateSubmit(in)
	if err != nil {
		return nil, err
	}

	store, err := s.repo.GetStore(ctx, strings.TrimSpace(in.StoreID))
	if errors.Is(err, ecstore.ErrNotFound) {
		return nil, invalid("store_id", "店舗が見つかりません")
	}
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" && s.idem != nil {
		existing, fresh, err := s.idem.Reserve(ctx, actor.UserID, key, id)
		if err != nil {
			return nil, err
		}
		if !fresh {
			return s.replay(ctx, actor, existing)
		}
	}

	r, err := s.create(ctx, actor, store, in, v, id)
	if err != nil && key != "" && s.idem != nil {
		if ferr := s.idem.Forget(ctx, actor.UserID, key); ferr != nil {
			s.log.Warn("⚠️ libération clé d'idempotence échouée", zap.Error(ferr))
		}
	}
	if err != nil {
		s.recordAudit(ctx, actor, audit.ActionSubmit, id.String(), nil, nil, err)
		return nil, err
	}

	s.log.Info("✅ demande EC créée",
		zap.String("request_id", r.ID.String()),
		zap.String("user_id", r.UserID),
		zap.String("store_id", r.StoreID),
		zap.Int("points", r.PointsToAward),
	)
	s.afterSubmit(ctx, actor, *store, r)

	s.decorate(ctx, r)
	return r, nil
}

// replay renvoie la demande créée par un envoi précédent
func (s *Service) replay(ctx context.Context, actor models.Actor, id uuid.UUID) (*models.ECRequest, error) {
	r, err := s.load(ctx, actor, id)
	if errors.Is(err, ErrNotFound) {
		// premier envoi encore en cours
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("🔁 envoi rejoué, demande existante renvoyée", zap.String("request_id", id.String()))
	s.decorate(ctx, r)
	return r, nil
}

func (s *Service) create(ctx context.Context, actor models.Actor, store *models.Store, in SubmitInput, v validatedSubmit, id uuid.UUID) (*models.ECRequest, error) {
	orderID := strings.TrimSpace(in.OrderID)
	hash := models.RequestHash(actor.UserID, store.ID, orderID, v.amount, v.date)

	upload := *in.Receipt
	upload.UserID = actor.UserID
	receiptKey, err := s.receipts.Put(ctx, upload)
	if errors.Is(err, storage.ErrTooLarge) || errors.Is(err, storage.ErrUnsupportedType) {
		return nil, invalid("receipt_image", err.Error())
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	name := actor.Name
	if name == "" {
		name = actor.UserID
	}
	r := &models.ECRequest{
		ID:                 id,
		RequestType:        models.RequestTypeReceipt,
		UserID:             actor.UserID,
		UserName:           name,
		UserEmail:          actor.Email,
		StoreID:            store.ID,
		StoreName:          store.Name,
		PurchaseAmount:     v.amount,
		OrderID:            orderID,
		PurchaseDate:       v.date,
		PointsToAward:      models.CalculatePoints(v.amount, s.settings.YenPerPoint),
		ReceiptKey:         receiptKey,
		ReceiptDescription: strings.TrimSpace(in.ReceiptDescription),
		Status:             models.StatusPending,
		RequestHash:        hash,
		IPAddress:          in.IPAddress,
		UserAgent:          in.UserAgent,
		Messages:           []models.ECMessage{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repo.CreateRequest(ctx, r); err != nil {
		s.discardReceipt(ctx, receiptKey)
		if errors.Is(err, ecstore.ErrDuplicate) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// discardReceipt supprime le reçu d'une demande qui n'a pas été créée
func (s *Service) discardReceipt(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.receipts.Delete(ctx, key); err != nil {
		s.log.Warn("⚠️ reçu orphelin non supprimé", zap.String("key", key), zap.Error(err))
	}
}
