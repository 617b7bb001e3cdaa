package workflow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointapp_back_end/internal/audit"
	"pointapp_back_end/internal/cache"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/notify"
	"pointapp_back_end/internal/payments"
	"pointapp_back_end/internal/search"
	"pointapp_back_end/internal/storage"
)

var (
	taro   = models.Actor{UserID: "user-taro", Name: "山田太郎", Email: "taro@example.jp", Role: models.RoleUser}
	hanako = models.Actor{UserID: "user-hanako", Name: "佐藤花子", Role: models.RoleUser}
	umeda  = models.Actor{UserID: "staff-umeda", Name: "梅田スタッフ", Role: models.RoleStore, StoreID: "store-umeda"}
	namba  = models.Actor{UserID: "staff-namba", Name: "難波スタッフ", Role: models.RoleStore, StoreID: "store-namba"}
	admin  = models.Actor{UserID: "admin", Name: "管理者", Role: models.RoleAdmin}
)

// flakyRepo fait échouer RecordAward tant que failAward est vrai
type flakyRepo struct {
	*ecstore.MemoryRepository
	mu        sync.Mutex
	failAward bool
}

func (f *flakyRepo) RecordAward(ctx context.Context, award models.PointAwardLog, tx models.PointTransaction) error {
	f.mu.Lock()
	fail := f.failAward
	f.mu.Unlock()
	if fail {
		return errors.New("scylla timeout")
	}
	return f.MemoryRepository.RecordAward(ctx, award, tx)
}

type fixture struct {
	svc      *Service
	receipts *storage.MemoryStore
	repo     *flakyRepo
	card     *payments.FakeCard
	mailer   *notify.RecordingMailer
	locker   *cache.MemoryLocker
	recorder *audit.MemoryRecorder
	broker   *events.MemoryBroker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := ecstore.NewMemoryRepository()
	mem.SeedDefaults()
	f := &fixture{
		receipts: storage.NewMemoryStore(1 << 20),
		repo:     &flakyRepo{MemoryRepository: mem},
		card:     &payments.FakeCard{},
		mailer:   &notify.RecordingMailer{},
		locker:   cache.NewMemoryLocker(),
		recorder: &audit.MemoryRecorder{},
		broker:   events.NewMemoryBroker(),
	}
	f.svc = New(Deps{
		Repo:        f.repo,
		Locker:      f.locker,
		Idempotency: cache.NewMemoryIdempotency(),
		Receipts:    f.receipts,
		Index:       search.NewMemoryIndex(),
		Charger: &payments.Router{
			Card:           f.card,
			Deposit:        f.repo,
			IsInsufficient: func(err error) bool { return errors.Is(err, ecstore.ErrInsufficientDeposit) },
		},
		Notifier: notify.NewNotifier(f.mailer, nil),
		Events:   f.broker,
		Audit:    f.recorder,
	}, Settings{YenPerPoint: 100, PointUnitPriceYen: 2})
	t.Cleanup(f.svc.Wait)
	return f
}

func receipt() *storage.Upload {
	return &storage.Upload{Filename: "receipt.jpg", ContentType: "image/jpeg", Size: 4, Body: strings.NewReader("jpeg")}
}

func validInput() SubmitInput {
	return SubmitInput{
		StoreID:            "store-umeda",
		PurchaseAmount:     "5000",
		OrderID:            "AMZ-001",
		PurchaseDate:       "2025-01-15",
		ReceiptDescription: "Kindle",
		Receipt:            receipt(),
	}
}

func (f *fixture) submit(t *testing.T, actor models.Actor, mutate func(*SubmitInput)) *models.ECRequest {
	t.Helper()
	in := validInput()
	if mutate != nil {
		mutate(&in)
	}
	r, err := f.svc.Submit(context.Background(), actor, in)
	require.NoError(t, err)
	return r
}

func TestSubmit_CreatesPendingRequest(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, taro, nil)

	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, 50, r.PointsToAward)
	assert.Equal(t, "梅田本店", r.StoreName)
	assert.Equal(t, "山田太郎", r.UserName)
	assert.NotEmpty(t, r.ReceiptImage)
	assert.NotNil(t, r.Messages)

	f.svc.Wait()
	sent := f.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "umeda@example.jp", sent[0].To)

	found, err := f.svc.Search(context.Background(), umeda, "", "AMZ")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, r.ID, found[0].ID)
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Submit(ctx, taro, SubmitInput{})
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	for _, field := range []string{"store_id", "purchase_amount", "order_id", "purchase_date", "receipt_image"} {
		assert.Contains(t, verr.Fields, field)
	}

	cases := map[string]func(*SubmitInput){
		"purchase_amount": func(in *SubmitInput) { in.PurchaseAmount = "0" },
		"purchase_date":   func(in *SubmitInput) { in.PurchaseDate = time.Now().AddDate(0, 0, 3).Format(dateLayout) },
		"store_id":        func(in *SubmitInput) { in.StoreID = "store-unknown" },
		"receipt_image":   func(in *SubmitInput) { in.Receipt.ContentType = "text/plain" },
	}
	for field, mutate := range cases {
		in := validInput()
		mutate(&in)
		_, err := f.svc.Submit(ctx, taro, in)
		require.True(t, errors.As(err, &verr), field)
		assert.Contains(t, verr.Fields, field)
	}

	list, err := f.svc.ListForUser(ctx, taro)
	require.NoError(t, err)
	assert.Empty(t, list, "nothing stored on validation failure")
}

func TestSubmit_DuplicateClaim(t *testing.T) {
	f := newFixture(t)
	f.submit(t, taro, nil)

	_, err := f.svc.Submit(context.Background(), taro, validInput())
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, 1, f.receipts.Len(), "the refused claim's receipt is removed")

	// même commande, autre utilisateur : accepté
	f.submit(t, hanako, nil)
}

func TestSubmit_IdempotencyKeyReturnsSameRequest(t *testing.T) {
	f := newFixture(t)
	withKey := func(in *SubmitInput) { in.IdempotencyKey = "key-1" }

	first := f.submit(t, taro, withKey)
	second := f.submit(t, taro, withKey)
	assert.Equal(t, first.ID, second.ID)

	list, err := f.svc.ListForUser(context.Background(), taro)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubmit_FailedAttemptReleasesIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := validInput()
	in.IdempotencyKey = "key-2"
	in.Receipt.ContentType = "text/plain"
	_, err := f.svc.Submit(ctx, taro, in)
	require.ErrorIs(t, err, ErrValidation)

	in = validInput()
	in.IdempotencyKey = "key-2"
	_, err = f.svc.Submit(ctx, taro, in)
	assert.NoError(t, err)
}

func TestDecide_ApproveAwardsPoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	stream, cancel, err := f.svc.Subscribe(ctx, taro, r.ID)
	require.NoError(t, err)
	defer cancel()

	out, err := f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 50, out.PointsAwarded)
	assert.Equal(t, models.PaymentCard, out.PaymentMethod)
	assert.NotEmpty(t, out.PaymentReference)
	assert.Equal(t, umeda.UserID, out.DecidedBy)

	balance, err := f.svc.Balance(ctx, taro)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)

	require.Equal(t, 1, f.card.Count())
	assert.Equal(t, int64(100), f.card.Charges[0].AmountYen)

	select {
	case ev := <-stream:
		assert.Equal(t, events.TypeStatus, ev.Type)
		assert.Equal(t, models.StatusCompleted, ev.Status)
	case <-time.After(time.Second):
		t.Fatal("no status event")
	}

	f.svc.Wait()
	subjects := make([]string, 0)
	for _, m := range f.mailer.Sent() {
		if m.To == taro.Email {
			subjects = append(subjects, m.Subject)
		}
	}
	require.Len(t, subjects, 1)
	assert.Contains(t, subjects[0], "付与")
}

func TestDecide_DepositPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	out, err := f.svc.Decide(ctx, umeda, r.ID, models.Approve{PaymentMethod: models.PaymentDeposit})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Zero(t, f.card.Count())

	store, err := f.repo.GetStore(ctx, "store-umeda")
	require.NoError(t, err)
	assert.Equal(t, int64(100000-100), store.DepositBalance)
}

func TestDecide_SecondDecisionIsRequestError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approvedFirst := f.submit(t, taro, nil)
	_, err := f.svc.Decide(ctx, umeda, approvedFirst.ID, models.Approve{})
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, umeda, approvedFirst.ID, models.Reject{Reason: "重複"})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	rejectedFirst := f.submit(t, taro, func(in *SubmitInput) { in.OrderID = "AMZ-002" })
	_, err = f.svc.Decide(ctx, umeda, rejectedFirst.ID, models.Reject{Reason: "レシート不鮮明"})
	require.NoError(t, err)
	_, err = f.svc.Decide(ctx, umeda, rejectedFirst.ID, models.Approve{})
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	got, err := f.svc.Get(ctx, taro, rejectedFirst.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "レシート不鮮明", got.RejectionReason)
	assert.Equal(t, 1, f.card.Count(), "only the first claim was charged")
}

func TestDecide_RejectNeedsReason(t *testing.T) {
	f := newFixture(t)
	r := f.submit(t, taro, nil)

	_, err := f.svc.Decide(context.Background(), umeda, r.ID, models.Reject{Reason: "   "})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Contains(t, verr.Fields, "rejection_reason")
}

func TestDecide_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	_, err := f.svc.Decide(ctx, taro, r.ID, models.Approve{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Decide(ctx, namba, r.ID, models.Approve{})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Decide(ctx, umeda, uuid.New(), models.Approve{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDecide_BusyWhileLocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	release, err := f.locker.Acquire(ctx, lockKey(r.ID), time.Minute)
	require.NoError(t, err)

	_, err = f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	assert.ErrorIs(t, err, ErrBusy)

	release()
	_, err = f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	assert.NoError(t, err)
}

func TestDecide_ConcurrentDecisionsHaveSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var d models.Decision = models.Approve{}
			if i%2 == 1 {
				d = models.Reject{Reason: "重複申請"}
			}
			_, err := f.svc.Decide(ctx, umeda, r.ID, d)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrAlreadyProcessed), err.Error())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.LessOrEqual(t, f.card.Count(), 1)
}

func TestDecide_PaymentFailureKeepsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)
	f.card.Fail = payments.ErrDeclined

	_, err := f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	require.ErrorIs(t, err, ErrPayment)
	assert.ErrorIs(t, err, payments.ErrDeclined)

	got, err := f.svc.Get(ctx, umeda, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
}

func TestCompleteAward_RetriesLedgerPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	f.repo.mu.Lock()
	f.repo.failAward = true
	f.repo.mu.Unlock()

	out, err := f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, out.Status)
	balance, _ := f.svc.Balance(ctx, taro)
	assert.Zero(t, balance)

	_, err = f.svc.CompleteAward(ctx, umeda, r.ID)
	assert.ErrorIs(t, err, ErrForbidden)

	f.repo.mu.Lock()
	f.repo.failAward = false
	f.repo.mu.Unlock()

	out, err = f.svc.CompleteAward(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	balance, _ = f.svc.Balance(ctx, taro)
	assert.Equal(t, 50, balance)

	_, err = f.svc.CompleteAward(ctx, admin, r.ID)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Len(t, f.repo.Transactions(), 1)
}

func TestCompleteAward_ResumesInterruptedLedgerPost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	// le journal d'attribution est écrit, la transaction non
	f.repo.FailNextCredit(errors.New("write timeout"))
	out, err := f.svc.Decide(ctx, umeda, r.ID, models.Approve{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, out.Status)

	out, err = f.svc.CompleteAward(ctx, admin, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, out.Status)
	assert.Equal(t, 50, out.PointsAwarded)

	balance, err := f.svc.Balance(ctx, taro)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
	assert.Len(t, f.repo.Transactions(), 1)
}

func TestPostMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)

	_, err := f.svc.PostMessage(ctx, taro, r.ID, "注文確認メールを添付しました")
	require.NoError(t, err)
	fromStore, err := f.svc.PostMessage(ctx, umeda, r.ID, "確認しました")
	require.NoError(t, err)
	assert.True(t, fromStore.IsFromStore)

	got, err := f.svc.Get(ctx, taro, r.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.False(t, got.Messages[0].IsFromStore)
	assert.Equal(t, "確認しました", got.Messages[1].Message)

	_, err = f.svc.PostMessage(ctx, taro, r.ID, "  ")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.PostMessage(ctx, hanako, r.ID, "hello")
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.Decide(ctx, umeda, r.ID, models.Reject{Reason: "対象外"})
	require.NoError(t, err)
	_, err = f.svc.PostMessage(ctx, taro, r.ID, "なぜですか")
	assert.ErrorIs(t, err, ErrThreadClosed)
}

func TestListForStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.submit(t, taro, nil)
	f.submit(t, taro, func(in *SubmitInput) { in.OrderID = "AMZ-002" })
	f.submit(t, taro, func(in *SubmitInput) { in.StoreID = "store-namba" })

	_, err := f.svc.Decide(ctx, umeda, a.ID, models.Reject{Reason: "重複"})
	require.NoError(t, err)

	all, err := f.svc.ListForStore(ctx, umeda, "store-namba", "")
	require.NoError(t, err)
	assert.Len(t, all, 2, "a store only sees its own claims")

	pending, err := f.svc.ListForStore(ctx, umeda, "", models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = f.svc.ListForStore(ctx, umeda, "", "archived")
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.ListForStore(ctx, taro, "store-umeda", "")
	assert.ErrorIs(t, err, ErrForbidden)

	viaAdmin, err := f.svc.ListForStore(ctx, admin, "store-namba", "")
	require.NoError(t, err)
	assert.Len(t, viaAdmin, 1)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.submit(t, taro, nil)
	_, err := f.svc.Decide(ctx, umeda, r.ID, models.Reject{Reason: "対象外"})
	require.NoError(t, err)
	f.svc.Wait()

	_, err = f.svc.AuditTrail(ctx, umeda, 10)
	assert.ErrorIs(t, err, ErrForbidden)

	logs, err := f.svc.AuditTrail(ctx, admin, 10)
	require.NoError(t, err)
	actions := make([]string, 0, len(logs))
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, audit.ActionSubmit)
	assert.Contains(t, actions, audit.ActionReject)
}
