package payment

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStatusUpdateArgs(t *testing.T) {
	paid := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("settled transaction id is written", func(t *testing.T) {
		args := StatusUpdate{
			Reference:       "TXN1",
			Status:          "completed",
			TransactionID:   "MTN-8841",
			PaidAt:          &paid,
			GatewayResponse: json.RawMessage(`{"status":"success"}`),
		}.args()
		if len(args) != 5 {
			t.Fatalf("args = %d, want 5", len(args))
		}
		if id, ok := args[4].(*string); !ok || id == nil || *id != "MTN-8841" {
			t.Fatalf("transaction id arg = %#v", args[4])
		}
		if resp, ok := args[3].([]byte); !ok || string(resp) != `{"status":"success"}` {
			t.Fatalf("gateway response arg = %#v", args[3])
		}
	})

	t.Run("empty values keep stored ones", func(t *testing.T) {
		args := StatusUpdate{Reference: "TXN1", Status: "processing"}.args()
		if id := args[4].(*string); id != nil {
			t.Fatalf("empty transaction id should be NULL, got %q", *id)
		}
		if resp := args[3].([]byte); resp != nil {
			t.Fatalf("empty gateway response should be NULL, got %q", resp)
		}
	})
}
