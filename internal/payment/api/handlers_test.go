package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/mock/gomock"

	"paycore/internal/common/api"
	"paycore/internal/payment"
	paymentapi "paycore/internal/payment/api"
	"paycore/internal/payment/mocks"
	"paycore/internal/tracker"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T, gw payment.Gateway, opts ...payment.Option) *payment.Service {
	t.Helper()
	svc, err := payment.NewService(payment.Config{
		Currency: "ZMW",
		Limits:   payment.Limits{MinAmount: 0.01, MaxAmount: 100000},
	}, gw, testLogger(), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func pendingTracking() payment.Option {
	return payment.WithTracking(tracker.QuerierFunc(func(_ context.Context, reference string) (*tracker.Record, error) {
		return &tracker.Record{Status: "pending", Reference: reference}, nil
	}), tracker.Options{
		PollInterval:    10 * time.Millisecond,
		TickInterval:    10 * time.Millisecond,
		MaxTrackingTime: 5 * time.Second,
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		r.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) *api.Error {
	t.Helper()
	var resp api.Response[json.RawMessage]
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil {
		t.Fatalf("expected an error body, got status %d", w.Code)
	}
	return resp.Error
}

func TestHandler_Quote(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	h := paymentapi.NewHandler(newService(t, mocks.NewMockGateway(ctrl)), testLogger(), nil).Routes()

	w := do(t, h, http.MethodPost, "/quote", `{"amount": 100}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data struct {
			PlatformFee      struct{ Amount string } `json:"platform_fee"`
			ProviderReceives struct{ Amount string } `json:"provider_receives"`
			FeePercentage    float64                 `json:"fee_percentage"`
		} `json:"data"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.PlatformFee.Amount != "5.00" || resp.Data.ProviderReceives.Amount != "95.00" || resp.Data.FeePercentage != 5 {
		t.Fatalf("unexpected quote %+v", resp.Data)
	}

	w = do(t, h, http.MethodPost, "/quote", `{"amount": 10, "transaction_type": "lottery"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", w.Code)
	}
	if e := decodeError(t, w); e.Details["transaction_type"] != payment.MsgInvalidTxType {
		t.Fatalf("unexpected error %+v", e)
	}
}

func TestHandler_Validate(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	h := paymentapi.NewHandler(newService(t, mocks.NewMockGateway(ctrl)), testLogger(), nil).Routes()

	w := do(t, h, http.MethodPost, "/validate",
		`{"amount": 25, "payment_method": "mobile_money", "provider": "airtel", "phone_number": "+260971234567"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp api.Response[paymentapi.ValidateResponse]
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Data.Valid || resp.Data.Warning == "" {
		t.Fatalf("expected valid request with carrier warning, got %+v", resp.Data)
	}
	if resp.Data.Normalized.PhoneNumber != "0971234567" {
		t.Fatalf("normalized phone = %q", resp.Data.Normalized.PhoneNumber)
	}
}

func TestHandler_Process(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		outcome    *payment.Outcome
		wantStatus int
		wantCode   string
	}{
		{
			name:       "invalid amount",
			body:       `{"amount": 0, "payment_method": "card"}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   api.ErrCodeValidation,
		},
		{
			name:       "malformed body",
			body:       `{"amount": "lots"`,
			wantStatus: http.StatusUnprocessableEntity,
			wantCode:   api.ErrCodeValidation,
		},
		{
			name:       "declined",
			body:       `{"amount": 50, "payment_method": "card"}`,
			outcome:    &payment.Outcome{Failure: payment.FailureDeclined, ErrorMessage: "Card declined"},
			wantStatus: http.StatusPaymentRequired,
			wantCode:   api.ErrCodePaymentDeclined,
		},
		{
			name:       "transport failure",
			body:       `{"amount": 50, "payment_method": "card"}`,
			outcome:    &payment.Outcome{Failure: payment.FailureTransport, ErrorMessage: "Network error"},
			wantStatus: http.StatusBadGateway,
			wantCode:   api.ErrCodeGatewayUnavailable,
		},
		{
			name:       "gateway error",
			body:       `{"amount": 50, "payment_method": "card"}`,
			outcome:    &payment.Outcome{Failure: payment.FailureGateway, ErrorMessage: "boom"},
			wantStatus: http.StatusBadGateway,
			wantCode:   api.ErrCodeGatewayError,
		},
		{
			name:       "accepted",
			body:       `{"amount": 50, "payment_method": "card", "email": "a@b.co"}`,
			outcome:    &payment.Outcome{Success: true, TransactionID: "CARD9", RedirectURL: "https://pay.example/3ds"},
			wantStatus: http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			defer ctrl.Finish()
			gw := mocks.NewMockGateway(ctrl)
			if tt.outcome != nil {
				gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return(*tt.outcome)
			}
			h := paymentapi.NewHandler(newService(t, gw), testLogger(), nil).Routes()

			w := do(t, h, http.MethodPost, "/", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d, body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantCode != "" {
				if e := decodeError(t, w); e.Code != tt.wantCode {
					t.Fatalf("code = %q, want %q", e.Code, tt.wantCode)
				}
				return
			}

			var resp api.Response[payment.Payment]
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Data.Reference != "CARD9" || resp.Data.Outcome.RedirectURL == "" || resp.Message == "" {
				t.Fatalf("unexpected response %+v", resp)
			}
		})
	}
}

func TestHandler_GetAndList(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	store := mocks.NewMockStore(ctrl)

	store.EXPECT().GetByReference(gomock.Any(), "TXN1").Return(&payment.Payment{ID: "p1", Reference: "TXN1", Status: "completed"}, nil)
	store.EXPECT().GetByReference(gomock.Any(), "missing").Return(nil, payment.ErrNotFound)
	store.EXPECT().List(gomock.Any(), 2, 4).Return([]*payment.Payment{{ID: "p5"}, {ID: "p6"}}, int64(10), nil)

	h := paymentapi.NewHandler(newService(t, mocks.NewMockGateway(ctrl), payment.WithStore(store)), testLogger(), nil).Routes()

	if w := do(t, h, http.MethodGet, "/TXN1", ""); w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/missing", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", w.Code)
	}

	w := do(t, h, http.MethodGet, "/?limit=2&offset=4", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var page api.PaginatedResponse[payment.Payment]
	if err := json.NewDecoder(w.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Data) != 2 || page.Pagination.Total != 10 || !page.Pagination.HasMore {
		t.Fatalf("unexpected page %+v", page.Pagination)
	}
}

func TestHandler_Tracking(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	gw := mocks.NewMockGateway(ctrl)
	gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return(payment.Succeeded("TXN8", ""))

	h := paymentapi.NewHandler(newService(t, gw, pendingTracking()), testLogger(), nil).Routes()

	w := do(t, h, http.MethodPost, "/", `{"amount": 10, "payment_method": "mobile_money", "provider": "mtn", "phone_number": "0961234567"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("process status = %d body = %s", w.Code, w.Body.String())
	}

	w = do(t, h, http.MethodGet, "/TXN8/tracking", "")
	if w.Code != http.StatusOK {
		t.Fatalf("tracking status = %d", w.Code)
	}
	var resp api.Response[tracker.Snapshot]
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Data.Reference != "TXN8" || !resp.Data.Tracking {
		t.Fatalf("unexpected snapshot %+v", resp.Data)
	}

	if w := do(t, h, http.MethodDelete, "/TXN8/tracking", ""); w.Code != http.StatusNoContent {
		t.Fatalf("stop status = %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/TXN8/tracking", ""); w.Code != http.StatusNotFound {
		t.Fatalf("second stop status = %d", w.Code)
	}
	if w := do(t, h, http.MethodGet, "/nope/tracking", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown tracking status = %d", w.Code)
	}
}

func TestHandler_Stream(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	gw := mocks.NewMockGateway(ctrl)
	gw.EXPECT().Initiate(gomock.Any(), gomock.Any()).Return(payment.Succeeded("TXN9", ""))

	svc := newService(t, gw, pendingTracking())
	srv := httptest.NewServer(paymentapi.NewHandler(svc, testLogger(), nil).Routes())
	defer srv.Close()

	req := payment.Request{Amount: 10, Method: payment.MethodMobileMoney, Provider: payment.ProviderZamtel, PhoneNumber: "0951234567"}
	if _, err := svc.Process(context.Background(), req); err != nil {
		t.Fatalf("Process: %v", err)
	}

	resp, err := http.Get(srv.URL + "/unknown/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream status = %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/TXN9/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var first paymentapi.StreamMessage
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read: %v", err)
	}
	if first.Type != paymentapi.MessageSnapshot || first.Data == nil || first.Data.Reference != "TXN9" {
		t.Fatalf("unexpected first frame %+v", first)
	}

	awaitPaused := func(action string, want bool) {
		t.Helper()
		if err := conn.WriteJSON(map[string]string{"action": action}); err != nil {
			t.Fatalf("write %s: %v", action, err)
		}
		for {
			var msg paymentapi.StreamMessage
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("waiting for paused=%v: %v", want, err)
			}
			if msg.Type != paymentapi.MessageSnapshot {
				t.Fatalf("unexpected %s frame while paused=%v", msg.Type, want)
			}
			if msg.Data.Paused == want {
				return
			}
		}
	}
	awaitPaused(paymentapi.ActionPause, true)
	awaitPaused(paymentapi.ActionResume, false)

	if err := conn.WriteJSON(map[string]string{"action": "stop"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for {
		var msg paymentapi.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("stream closed before final frame: %v", err)
		}
		if msg.Type == paymentapi.MessageFinal {
			if msg.Data.Status != tracker.StatusCancelled || msg.Data.StopReason != tracker.StopCancelled {
				t.Fatalf("unexpected final frame %+v", msg.Data)
			}
			break
		}
	}

	var msg paymentapi.StreamMessage
	err = conn.ReadJSON(&msg)
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
