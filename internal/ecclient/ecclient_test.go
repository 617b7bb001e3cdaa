package ecclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointapp_back_end/internal/auth"
	"pointapp_back_end/internal/cache"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/handlers/ec"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/payments"
	"pointapp_back_end/internal/routes"
	"pointapp_back_end/internal/search"
	"pointapp_back_end/internal/storage"
	"pointapp_back_end/internal/workflow"
)

func init() { gin.SetMode(gin.TestMode) }

// --- serveur complet en mémoire ---

type backend struct {
	srv    *httptest.Server
	issuer *auth.Issuer
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	repo := ecstore.NewMemoryRepository()
	repo.SeedDefaults()
	svc := workflow.New(workflow.Deps{
		Repo:        repo,
		Locker:      cache.NewMemoryLocker(),
		Idempotency: cache.NewMemoryIdempotency(),
		Receipts:    storage.NewMemoryStore(1 << 20),
		Index:       search.NewMemoryIndex(),
		Charger:     &payments.Router{Card: &payments.FakeCard{}, Deposit: repo},
		Events:      events.NewMemoryBroker(),
	}, workflow.Settings{YenPerPoint: 100})

	issuer := auth.NewIssuer("client-test", time.Hour)
	router := routes.NewRouter(ec.NewHandler(svc, 1<<20, []string{"*"}, nil), routes.Options{
		CORSOrigins: []string{"*"},
		Auth:        issuer,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		svc.Wait()
	})
	return &backend{srv: srv, issuer: issuer}
}

func (b *backend) client(t *testing.T, a models.Actor) *Client {
	t.Helper()
	tok, err := b.issuer.Issue(a)
	require.NoError(t, err)
	return New(b.srv.URL, tok)
}

var (
	taro  = models.Actor{UserID: "user-taro", Name: "山田太郎", Role: models.RoleUser}
	umeda = models.Actor{UserID: "staff-umeda", Name: "梅田スタッフ", Role: models.RoleStore, StoreID: "store-umeda"}
)

func validForm(orderID string) SubmitForm {
	return SubmitForm{
		StoreID:        "store-umeda",
		PurchaseAmount: "5000",
		OrderID:        orderID,
		PurchaseDate:   "2025-02-01",
		Receipt:        &Receipt{Filename: "receipt.png", ContentType: "image/png", Data: []byte("\x89PNG fake")},
	}
}

// --- serveur factice qui compte les appels ---

type stub struct {
	srv   *httptest.Server
	hits  int32
	mu    sync.Mutex
	keys  []string
	reply func(w http.ResponseWriter, r *http.Request)
}

func newStub(t *testing.T, reply func(w http.ResponseWriter, r *http.Request)) *stub {
	t.Helper()
	s := &stub{reply: reply}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.hits, 1)
		s.mu.Lock()
		s.keys = append(s.keys, r.Header.Get(idempotencyHeader))
		reply := s.reply
		s.mu.Unlock()
		reply(w, r)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stub) setReply(reply func(w http.ResponseWriter, r *http.Request)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reply = reply
}

func (s *stub) count() int { return int(atomic.LoadInt32(&s.hits)) }

func jsonReply(status int, body string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}
}

const createdReply = `{"success":true,"request":{"id":"6f1c2f7e-7d0a-4f44-9a55-0d3d3b1f0a01","status":"pending","points_to_award":50,"purchase_amount":"5000"}}`

func TestSubmitPage_MissingFieldBlocksNetwork(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusCreated, createdReply))
	page := NewSubmitPage(New(s.srv.URL, "tok"), time.Hour)
	defer page.Close()

	cases := map[string]func(f *SubmitForm){
		"store_id":        func(f *SubmitForm) { f.StoreID = "" },
		"purchase_amount": func(f *SubmitForm) { f.PurchaseAmount = " " },
		"order_id":        func(f *SubmitForm) { f.OrderID = "" },
		"purchase_date":   func(f *SubmitForm) { f.PurchaseDate = "" },
		"receipt_image":   func(f *SubmitForm) { f.Receipt = nil },
	}
	for field, mutate := range cases {
		t.Run(field, func(t *testing.T) {
			f := validForm("AMZ-1")
			mutate(&f)
			page.Fill(f)

			_, err := page.Submit(context.Background())
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, []string{field}, verr.Fields)
			assert.NotEmpty(t, page.State().Error)
		})
	}
	assert.Equal(t, 0, s.count())

	f := validForm("AMZ-1")
	f.Description = ""
	page.Fill(f)
	r, err := page.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50, r.PointsToAward)
	assert.Equal(t, 1, s.count())
}

func TestSubmitPage_SuccessResetsAndSwitchesTab(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusCreated, createdReply))
	page := NewSubmitPage(New(s.srv.URL, "tok"), 20*time.Millisecond)
	defer page.Close()

	page.Fill(validForm("AMZ-1"))
	_, err := page.Submit(context.Background())
	require.NoError(t, err)

	st := page.State()
	assert.Equal(t, SubmitForm{}, st.Form)
	assert.Equal(t, submittedNotice, st.Notice)
	assert.Equal(t, TabForm, st.Tab)
	assert.False(t, st.Submitting)

	assert.Eventually(t, func() bool { return page.State().Tab == TabHistory }, time.Second, 5*time.Millisecond)
	assert.Empty(t, page.State().Notice)
}

func TestSubmitPage_FailureKeepsForm(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusBadRequest, `{"success":false,"error":"購入金額が不正です"}`))
	page := NewSubmitPage(New(s.srv.URL, "tok"), time.Hour)
	defer page.Close()

	form := validForm("AMZ-1")
	page.Fill(form)
	_, err := page.Submit(context.Background())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.Status)

	st := page.State()
	assert.Equal(t, "購入金額が不正です", st.Error)
	assert.Equal(t, form, st.Form)
	assert.Equal(t, TabForm, st.Tab)

	// un retry de la même saisie garde la clé, une nouvelle saisie en change
	_, _ = page.Submit(context.Background())
	page.Fill(validForm("AMZ-2"))
	_, _ = page.Submit(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.keys, 3)
	assert.NotEmpty(t, s.keys[0])
	assert.Equal(t, s.keys[0], s.keys[1])
	assert.NotEqual(t, s.keys[1], s.keys[2])
}

func TestSubmitPage_TransportErrorUsesFallback(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusCreated, createdReply))
	url := s.srv.URL
	s.srv.Close()

	page := NewSubmitPage(New(url, "tok"), time.Hour)
	defer page.Close()
	page.Fill(validForm("AMZ-1"))

	_, err := page.Submit(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, FallbackSubmit, page.State().Error)
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "", Message(nil, FallbackApprove))
	assert.Equal(t, "already", Message(&RequestError{Status: 409, Message: "already"}, FallbackApprove))
	assert.Equal(t, FallbackApprove, Message(&RequestError{Status: 500}, FallbackApprove))
	assert.Equal(t, FallbackReject, Message(&TransportError{Op: "x", Err: context.DeadlineExceeded}, FallbackReject))
}

func TestDecisionPanel_BlankReasonSendsNothing(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusOK, `{"success":true,"request":{}}`))
	panel := NewDecisionPanel(New(s.srv.URL, "tok"), nil)
	panel.OpenReject()

	_, err := panel.Reject(context.Background(), uuid.New(), "   ")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.True(t, panel.RejectOpen())
	assert.Equal(t, 0, s.count())
}

func TestDecisionPanel_ApproveNeedsConfirmation(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusOK, `{"success":true,"request":{}}`))
	panel := NewDecisionPanel(New(s.srv.URL, "tok"), nil)

	_, err := panel.Approve(context.Background(), uuid.New(), nil)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	_, err = panel.Approve(context.Background(), uuid.New(), func() bool { return false })
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Equal(t, 0, s.count())
}

func TestDecisionPanel_RejectFailureKeepsModalOpen(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusInternalServerError, ``))
	panel := NewDecisionPanel(New(s.srv.URL, "tok"), nil)
	r := &models.ECRequest{ID: uuid.New(), Status: models.StatusPending}
	panel.Open(r)
	panel.OpenReject()

	_, err := panel.Reject(context.Background(), r.ID, "不鮮明")
	require.Error(t, err)
	assert.True(t, panel.RejectOpen())
	assert.Equal(t, r, panel.Detail())
	assert.Equal(t, FallbackReject, panel.Err())
	assert.Equal(t, "不鮮明", panel.Reason(), "the typed reason survives for the retry")
}

func TestDecisionPanel_SecondDecisionIsRequestError(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()

	created, err := b.client(t, taro).Submit(ctx, validForm("AMZ-1"), "")
	require.NoError(t, err)

	panel := NewDecisionPanel(b.client(t, umeda), nil)
	got, err := panel.Approve(ctx, created.ID, func() bool { return true })
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	_, err = panel.Reject(ctx, created.ID, "重複申請")
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusConflict, reqErr.Status)
	assert.Equal(t, workflow.ErrAlreadyProcessed.Error(), panel.Err())

	// l'ordre inverse : refus puis approbation
	other, err := b.client(t, taro).Submit(ctx, validForm("AMZ-2"), "")
	require.NoError(t, err)
	_, err = panel.Reject(ctx, other.ID, "重複申請")
	require.NoError(t, err)
	_, err = panel.Approve(ctx, other.ID, func() bool { return true })
	require.ErrorAs(t, err, &reqErr)

	final, err := b.client(t, umeda).Request(ctx, ScopeReceived, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, final.Status)
	assert.Equal(t, "重複申請", final.RejectionReason)
}

func TestBadgeFor(t *testing.T) {
	want := map[models.ECStatus]string{
		models.StatusPending:   "承認待ち",
		models.StatusApproved:  "承認済み",
		models.StatusRejected:  "拒否",
		models.StatusCompleted: "完了",
	}
	for status, label := range want {
		assert.Equal(t, label, BadgeFor(status).Label)
		assert.Equal(t, BadgeFor(status), BadgeFor(status))
	}
	assert.NotPanics(t, func() { BadgeFor("archived") })
	assert.Equal(t, unknownBadge, BadgeFor("archived"))
	assert.Equal(t, unknownBadge, BadgeFor(""))
}

func TestFormatYen(t *testing.T) {
	cases := map[string]string{
		"5000":    "¥5,000",
		"0":       "¥0",
		"999":     "¥999",
		"1234567": "¥1,234,567",
		"1500.4":  "¥1,500",
		"-2500":   "-¥2,500",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatYen(decimal.RequireFromString(in)), in)
	}
}

func TestThread_Send(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	user := b.client(t, taro)

	created, err := user.Submit(ctx, validForm("AMZ-1"), "")
	require.NoError(t, err)

	th := NewThread(user, ScopeMine, created)
	require.True(t, th.CanSend())

	for _, blank := range []string{"", "   "} {
		th.SetInput(blank)
		var verr *ValidationError
		require.ErrorAs(t, th.Send(ctx), &verr)
	}
	assert.Empty(t, th.Messages())

	th.SetInput("hello")
	require.NoError(t, th.Send(ctx))
	assert.Equal(t, "", th.Input())
	msgs := th.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Message)
	assert.False(t, msgs[0].IsFromStore)
}

func TestThread_RefetchFailureIsNotASendFailure(t *testing.T) {
	posted := jsonReply(http.StatusCreated, `{"success":true,"message":{"message":"hello"}}`)
	broken := jsonReply(http.StatusInternalServerError, ``)
	s := newStub(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posted(w, r)
			return
		}
		broken(w, r)
	})
	req := &models.ECRequest{ID: uuid.New(), Status: models.StatusPending}
	th := NewThread(New(s.srv.URL, "tok"), ScopeMine, req)

	th.SetInput("hello")
	require.NoError(t, th.Send(context.Background()), "the message was accepted")
	assert.Equal(t, "", th.Input())
	assert.Equal(t, FallbackLoad, th.Err())
	assert.Equal(t, 2, s.count())
}

func TestThread_ClosedOnceResolved(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusCreated, `{"success":true}`))
	th := NewThread(New(s.srv.URL, "tok"), ScopeReceived, &models.ECRequest{ID: uuid.New(), Status: models.StatusCompleted})
	th.SetInput("merci")

	assert.False(t, th.CanSend())
	assert.ErrorIs(t, th.Send(context.Background()), ErrThreadClosed)
	assert.Equal(t, "merci", th.Input())
	assert.Equal(t, 0, s.count())
}

func TestRequestList_States(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusOK, `{"success":true,"requests":[]}`))
	list := NewRequestList(New(s.srv.URL, "tok"), ScopeReceived)
	assert.Equal(t, ListLoading, list.State())

	require.NoError(t, list.Refresh(context.Background()))
	assert.Equal(t, ListEmpty, list.State())

	s.setReply(jsonReply(http.StatusForbidden, `{"success":false,"error":"この操作を行う権限がありません"}`))
	require.Error(t, list.SetFilter(context.Background(), FilterApproved))
	assert.Equal(t, ListFailed, list.State())
	assert.Equal(t, "この操作を行う権限がありません", list.Err())

	// même filtre : pas de nouvel appel
	hits := s.count()
	require.NoError(t, list.SetFilter(context.Background(), FilterApproved))
	assert.Equal(t, hits, s.count())
}

func TestNewRequestList_DefaultFilter(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok")
	assert.Equal(t, FilterPending, NewRequestList(c, ScopeReceived).Filter())
	assert.Equal(t, FilterAll, NewRequestList(c, ScopeMine).Filter())
}

func TestRequestList_FilterAndSearch(t *testing.T) {
	s := newStub(t, jsonReply(http.StatusOK, `{"success":true,"requests":[
		{"id":"6f1c2f7e-7d0a-4f44-9a55-0d3d3b1f0a01","user_name":"山田太郎","order_id":"AMZ-100","status":"pending"},
		{"id":"6f1c2f7e-7d0a-4f44-9a55-0d3d3b1f0a02","user_name":"Suzuki","order_id":"RKT-200","status":"approved"},
		{"id":"6f1c2f7e-7d0a-4f44-9a55-0d3d3b1f0a03","user_name":"Sato","order_id":"amz-300","status":"rejected"}
	]}`))
	list := NewRequestList(New(s.srv.URL, "tok"), ScopeReceived)
	ctx := context.Background()

	require.NoError(t, list.SetFilter(ctx, FilterAll))
	assert.Equal(t, ListReady, list.State())
	assert.Len(t, list.Visible(), 3)

	hits := s.count()
	list.SetSearch("AMZ")
	assert.Len(t, list.Visible(), 2)
	list.SetSearch("suzu")
	require.Len(t, list.Visible(), 1)
	assert.Equal(t, "RKT-200", list.Visible()[0].OrderID)
	assert.Equal(t, hits, s.count(), "search stays local")

	list.SetSearch("")
	require.NoError(t, list.SetFilter(ctx, FilterRejected))
	require.Len(t, list.Visible(), 1)
	assert.Equal(t, models.StatusRejected, list.Visible()[0].Status)
	assert.Equal(t, hits+1, s.count())
}

func TestEndToEnd_ClaimApprovedByStore(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	user, store := b.client(t, taro), b.client(t, umeda)

	page := NewSubmitPage(user, time.Hour)
	defer page.Close()
	page.Fill(validForm("AMZ-E2E"))
	created, err := page.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, created.PointsToAward)

	list := NewRequestList(store, ScopeReceived)
	require.NoError(t, list.SetFilter(ctx, FilterPending))
	visible := list.Visible()
	require.Len(t, visible, 1)
	entry := visible[0]
	assert.Equal(t, created.ID, entry.ID)
	assert.Equal(t, "承認待ち", BadgeFor(entry.Status).Label)
	assert.Equal(t, "¥5,000", FormatYen(entry.PurchaseAmount))
	assert.True(t, CanDecide(&entry))

	panel := NewDecisionPanel(store, list)
	panel.Open(&entry)
	_, err = panel.Approve(ctx, entry.ID, func() bool { return true })
	require.NoError(t, err)
	assert.Nil(t, panel.Detail())
	assert.Equal(t, ListEmpty, list.State(), "pending list refetched")

	require.NoError(t, list.SetFilter(ctx, FilterAll))
	visible = list.Visible()
	require.Len(t, visible, 1)
	assert.Equal(t, models.StatusCompleted, visible[0].Status)
	assert.Equal(t, "完了", BadgeFor(visible[0].Status).Label)
	assert.False(t, CanDecide(&visible[0]))

	balance, err := user.Points(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
}

func TestSubmit_IdempotencyKeyReplays(t *testing.T) {
	b := newBackend(t)
	ctx := context.Background()
	user := b.client(t, taro)

	first, err := user.Submit(ctx, validForm("AMZ-IDEM"), "key-1")
	require.NoError(t, err)
	second, err := user.Submit(ctx, validForm("AMZ-IDEM"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	list, err := user.UserRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWatch(t *testing.T) {
	b := newBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	user := b.client(t, taro)

	created, err := user.Submit(ctx, validForm("AMZ-WS"), "")
	require.NoError(t, err)

	stream, err := user.Watch(ctx, created.ID)
	require.NoError(t, err)

	select {
	case ev := <-stream:
		assert.Equal(t, events.TypeConnected, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no connected event")
	}

	_, err = b.client(t, umeda).Reject(ctx, created.ID, "対象外")
	require.NoError(t, err)
	select {
	case ev := <-stream:
		assert.Equal(t, events.TypeStatus, ev.Type)
		assert.Equal(t, models.StatusRejected, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no status event")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, open := <-stream:
			return !open
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_Unauthorized(t *testing.T) {
	b := newBackend(t)
	_, err := New(b.srv.URL, "").Watch(context.Background(), uuid.New())
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusUnauthorized, reqErr.Status)
}
