package ec

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pointapp_back_end/internal/auth"
	"pointapp_back_end/internal/cache"
	"pointapp_back_end/internal/ecstore"
	"pointapp_back_end/internal/events"
	"pointapp_back_end/internal/middleware"
	"pointapp_back_end/internal/models"
	"pointapp_back_end/internal/payments"
	"pointapp_back_end/internal/search"
	"pointapp_back_end/internal/storage"
	"pointapp_back_end/internal/workflow"
)

func init() { gin.SetMode(gin.TestMode) }

type testEnv struct {
	router *gin.Engine
	svc    *workflow.Service
	tokens map[string]string
}

func newEnv(t *testing.T) *testEnv {
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
	t.Cleanup(svc.Wait)

	issuer := auth.NewIssuer("test-secret", time.Hour)
	tokens := map[string]string{}
	for name, a := range map[string]models.Actor{
		"taro":  {UserID: "user-taro", Name: "山田太郎", Role: models.RoleUser},
		"jiro":  {UserID: "user-jiro", Name: "鈴木次郎", Role: models.RoleUser},
		"umeda": {UserID: "staff-umeda", Name: "梅田スタッフ", Role: models.RoleStore, StoreID: "store-umeda"},
		"admin": {UserID: "admin", Role: models.RoleAdmin},
	} {
		tok, err := issuer.Issue(a)
		require.NoError(t, err)
		tokens[name] = tok
	}

	h := NewHandler(svc, 1<<20, []string{"*"}, nil)
	r := gin.New()
	h.Register(r.Group("/api"), RouteOptions{
		Auth:    middleware.AuthRequired(issuer, nil),
		Limiter: cache.NewMemoryRateLimiter(),
	})
	return &testEnv{router: r, svc: svc, tokens: tokens}
}

func (e *testEnv) do(t *testing.T, who, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if who != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[who])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) upload(t *testing.T, who string, fields map[string]string, withImage bool, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if withImage {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="receipt_image"; filename="receipt.png"`)
		hdr.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = part.Write([]byte("\x89PNG fake"))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/ec/receipt/upload/", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+e.tokens[who])
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func claimFields() map[string]string {
	return map[string]string{
		"store_id":        "store-umeda",
		"purchase_amount": "5000",
		"order_id":        "AMZ-100",
		"purchase_date":   "2025-02-01",
	}
}

type requestBody struct {
	Success  bool               `json:"success"`
	Error    string             `json:"error"`
	Fields   map[string]string  `json:"fields"`
	Request  models.ECRequest   `json:"request"`
	Requests []models.ECRequest `json:"requests"`
	Balance  int                `json:"balance"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) requestBody {
	t.Helper()
	var out requestBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) submitClaim(t *testing.T) models.ECRequest {
	t.Helper()
	w := e.upload(t, "taro", claimFields(), true, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w).Request
}

func TestUploadReceipt(t *testing.T) {
	env := newEnv(t)

	w := env.upload(t, "taro", claimFields(), true, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	body := decode(t, w)
	assert.True(t, body.Success)
	assert.Equal(t, 50, body.Request.PointsToAward)
	assert.Equal(t, models.StatusPending, body.Request.Status)
	assert.NotEmpty(t, body.Request.ReceiptImage)
	assert.NotContains(t, w.Body.String(), "request_hash")

	w = env.upload(t, "taro", claimFields(), true, "")
	assert.Equal(t, http.StatusConflict, w.Code, "duplicate claim")

	w = env.upload(t, "taro", map[string]string{"store_id": "store-umeda"}, false, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	body = decode(t, w)
	assert.False(t, body.Success)
	assert.Contains(t, body.Fields, "receipt_image")
	assert.Contains(t, body.Fields, "order_id")

	w = env.upload(t, "umeda", claimFields(), true, "")
	assert.Equal(t, http.StatusForbidden, w.Code, "stores cannot submit")
}

func TestUploadReceipt_IdempotencyKey(t *testing.T) {
	env := newEnv(t)
	fields := claimFields()
	fields["order_id"] = "AMZ-IDEM"

	first := decode(t, env.upload(t, "taro", fields, true, "form-1"))
	w := env.upload(t, "taro", fields, true, "form-1")
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, first.Request.ID, decode(t, w).Request.ID)
}

func TestStoreFlow_ApproveThenReject(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)

	w := env.do(t, "umeda", http.MethodGet, "/api/ec/store/pending-requests/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	pending := decode(t, w).Requests
	require.Len(t, pending, 1)
	assert.Equal(t, claim.ID, pending[0].ID)

	path := "/api/ec/store/requests/" + claim.ID.String()
	w = env.do(t, "umeda", http.MethodPost, path+"/approve/", map[string]string{"payment_method": "card_payment"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusCompleted, decode(t, w).Request.Status)

	w = env.do(t, "umeda", http.MethodPost, path+"/approve/", map[string]string{"action": "reject", "rejection_reason": "重複"})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.False(t, body.Success)
	assert.Equal(t, workflow.ErrAlreadyProcessed.Error(), body.Error)

	w = env.do(t, "taro", http.MethodGet, "/api/ec/user/points/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 50, decode(t, w).Balance)

	w = env.do(t, "umeda", http.MethodGet, "/api/ec/store/all-requests/?status=completed", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w).Requests, 1)
}

func TestLegacyRejectBody(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)
	path := "/api/ec/store/requests/" + claim.ID.String() + "/approve/"

	w := env.do(t, "umeda", http.MethodPost, path, map[string]string{"action": "reject", "rejection_reason": "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "umeda", http.MethodPost, path, map[string]string{"action": "refund"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "umeda", http.MethodPost, path, map[string]string{"action": "reject", "rejection_reason": "レシート不鮮明"})
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w).Request
	assert.Equal(t, models.StatusRejected, got.Status)
	assert.Equal(t, "レシート不鮮明", got.RejectionReason)

	w = env.do(t, "umeda", http.MethodPost, "/api/ec/store/requests/"+claim.ID.String()+"/reject/", map[string]string{"rejection_reason": "再度"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRejectEndpoint(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)
	path := "/api/ec/store/requests/" + claim.ID.String() + "/reject/"

	w := env.do(t, "umeda", http.MethodPost, path, map[string]string{"rejection_reason": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, "umeda", http.MethodPost, path, map[string]string{"rejection_reason": "対象外の店舗です"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusRejected, decode(t, w).Request.Status)
}

func TestAuthorization(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, "", http.MethodGet, "/api/ec/user/requests/", nil).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, "taro", http.MethodGet, "/api/ec/store/pending-requests/", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		env.do(t, "jiro", http.MethodGet, "/api/ec/user/requests/"+claim.ID.String()+"/", nil).Code)
	assert.Equal(t, http.StatusForbidden,
		env.do(t, "taro", http.MethodPost, "/api/ec/store/requests/"+claim.ID.String()+"/approve/", map[string]string{}).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, "taro", http.MethodGet, "/api/ec/user/requests/not-a-uuid/", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, "taro", http.MethodGet, "/api/ec/user/requests/00000000-0000-0000-0000-000000000001/", nil).Code)
}

func TestMessages(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)
	path := "/api/ec/requests/" + claim.ID.String() + "/messages/"

	w := env.do(t, "taro", http.MethodPost, path, map[string]string{"message": "hello"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, "umeda", http.MethodPost, path, map[string]string{"message": "確認中です"})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "taro", http.MethodPost, path, map[string]string{"message": " "}).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, "jiro", http.MethodPost, path, map[string]string{"message": "hi"}).Code)

	w = env.do(t, "taro", http.MethodGet, "/api/ec/user/requests/"+claim.ID.String()+"/", nil)
	msgs := decode(t, w).Request.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Message)
	assert.False(t, msgs[0].IsFromStore)
	assert.True(t, msgs[1].IsFromStore)
}

func TestRequestQR(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)

	w := env.do(t, "taro", http.MethodGet, "/api/ec/user/requests/"+claim.ID.String()+"/qr/", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))

	assert.Contains(t, QRPayload(&claim), claim.ID.String())
}

func TestStoreSearch(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)
	env.svc.Wait()

	w := env.do(t, "umeda", http.MethodGet, "/api/ec/store/search/?q=amz-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	found := decode(t, w).Requests
	require.Len(t, found, 1)
	assert.Equal(t, claim.ID, found[0].ID)
}

func TestAdminComplete(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)
	path := "/api/ec/admin/requests/" + claim.ID.String() + "/complete/"

	assert.Equal(t, http.StatusForbidden, env.do(t, "umeda", http.MethodPost, path, nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, "admin", http.MethodPost, path, nil).Code, "still pending")

	w := env.do(t, "admin", http.MethodGet, "/api/ec/admin/audit/?limit=5", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWatchStreamsStatusChanges(t *testing.T) {
	env := newEnv(t)
	claim := env.submitClaim(t)

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ec/requests/" + claim.ID.String() + "/ws?token=" + env.tokens["taro"]
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var ev events.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeConnected, ev.Type)

	w := env.do(t, "umeda", http.MethodPost, "/api/ec/store/requests/"+claim.ID.String()+"/approve/", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, events.TypeStatus, ev.Type)
	assert.Equal(t, models.StatusCompleted, ev.Status)
}
