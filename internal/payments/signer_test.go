package payments

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

const testSecret = "secret"

func notificationFields() map[string]any {
	return map[string]any{
		"TerminalKey": "TinkoffBankTest",
		"OrderId":     "01J9Z8Q3W5_1234567890",
		"Success":     true,
		"Status":      "CONFIRMED",
		"PaymentId":   json.Number("13660"),
		"ErrorCode":   "0",
		"Amount":      json.Number("500000"),
	}
}

func TestSignMatchesReferenceVector(t *testing.T) {
	got := Sign(notificationFields(), testSecret)
	const want = "cdcdc573554d84778ffe0d43650b29a8bcf450646bcf2b3d8cb9f224c36cc821"
	if got != want {
		t.Fatalf("unexpected token\n got: %s\nwant: %s", got, want)
	}
}

func TestSignIgnoresTokenNilAndNestedValues(t *testing.T) {
	base := Sign(notificationFields(), testSecret)

	fields := notificationFields()
	fields["Token"] = "whatever"
	fields["Data"] = map[string]any{"Phone": "+7000"}
	fields["Receipt"] = []any{"x"}
	fields["CardId"] = nil
	if got := Sign(fields, testSecret); got != base {
		t.Fatalf("expected token, nil and nested values to be skipped")
	}
}

func TestVerifyToken(t *testing.T) {
	fields := notificationFields()
	fields["Token"] = Sign(fields, testSecret)
	if !VerifyToken(fields, testSecret) {
		t.Fatalf("expected valid token")
	}

	upper := notificationFields()
	upper["Token"] = strings.ToUpper(Sign(upper, testSecret))
	if !VerifyToken(upper, testSecret) {
		t.Fatalf("expected hex comparison to ignore case")
	}

	tampered := notificationFields()
	tampered["Token"] = fields["Token"]
	tampered["Amount"] = json.Number("1")
	if VerifyToken(tampered, testSecret) {
		t.Fatalf("expected tampered amount to fail verification")
	}

	missing := notificationFields()
	if VerifyToken(missing, testSecret) {
		t.Fatalf("expected missing token to fail verification")
	}

	wrongSecret := notificationFields()
	wrongSecret["Token"] = Sign(wrongSecret, "other")
	if VerifyToken(wrongSecret, testSecret) {
		t.Fatalf("expected token signed with another secret to fail")
	}

	if VerifyToken(fields, "") {
		t.Fatalf("expected empty secret to fail closed")
	}
}

func TestIdempotencyKey(t *testing.T) {
	now := time.UnixMilli(1718000000123)
	orderID := "01HV0000000000000000000000"

	if got := IdempotencyKey(orderID, now, 64); got != orderID+"_8000000123" {
		t.Fatalf("unexpected key %s", got)
	}
	got := IdempotencyKey(orderID, now, 0)
	if got != orderID+"_800000012" || len(got) != 36 {
		t.Fatalf("expected key truncated to 36 characters, got %s (%d)", got, len(got))
	}
	if OrderIDFromKey(got) != orderID {
		t.Fatalf("expected order id to round-trip, got %s", OrderIDFromKey(got))
	}
	if OrderIDFromKey("plain") != "plain" {
		t.Fatalf("expected plain ids to pass through")
	}

	later := IdempotencyKey(orderID, now.Add(10*time.Millisecond), 0)
	if later == got {
		t.Fatalf("expected a fresh key for a later attempt")
	}
	if same := IdempotencyKey(orderID, now.Add(5*time.Millisecond), 0); same != got {
		t.Fatalf("expected attempts within the same 10ms window to share a key, got %s", same)
	}
}

func TestAttemptConfirmed(t *testing.T) {
	cases := []struct {
		attempt Attempt
		want    bool
	}{
		{Attempt{Kind: AttemptCard, RawStatus: "CONFIRMED"}, true},
		{Attempt{Kind: AttemptCard, RawStatus: "AUTHORIZED"}, false},
		{Attempt{Kind: AttemptQR, RawStatus: "accepted"}, true},
		{Attempt{Kind: AttemptInvoice, RawStatus: "EXECUTED"}, true},
		{Attempt{Kind: AttemptInvoice, RawStatus: "SUBMITTED"}, false},
		{Attempt{Kind: "cash", RawStatus: "CONFIRMED"}, false},
	}
	for _, tc := range cases {
		if got := tc.attempt.Confirmed(); got != tc.want {
			t.Fatalf("%+v: expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}
