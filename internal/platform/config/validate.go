package config

import (
	"fmt"
	"strings"
)

// ValidationError lists the config fields that are missing or out of range.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns the offending field paths in check order.
func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

func validate(cfg Config) error {
	p := cfg.Payments
	checks := []struct {
		field string
		bad   bool
	}{
		{"Server.Port", blank(cfg.Server.Port)},
		{"Firebase.ProjectID", blank(cfg.Firebase.ProjectID)},
		{"Firestore.ProjectID", blank(cfg.Firestore.ProjectID)},
		{"Storage.DocumentsBucket", blank(cfg.Storage.DocumentsBucket)},
		{"PubSub.ProjectID", blank(cfg.PubSub.ProjectID)},
		{"PubSub.OrderEventsTopic", blank(cfg.PubSub.OrderEventsTopic)},
		{"PubSub.MailTopic", blank(cfg.PubSub.MailTopic)},
		{"Payments.Acquiring.BaseURL", blank(p.Acquiring.BaseURL)},
		{"Payments.Acquiring.TerminalKey", blank(p.Acquiring.TerminalKey)},
		{"Payments.Acquiring.NotificationURL", blank(p.Acquiring.NotificationURL)},
		// QR links and invoices need the merchant account.
		{"Payments.Business.AccountNumber", !blank(p.Business.BaseURL) && blank(p.Business.AccountNumber)},
		{"Payments.QRTTLMinutes", p.QRTTLMinutes < 1 || p.QRTTLMinutes > maxQRTTLMinutes},
		{"Payments.HTTPTimeout", p.HTTPTimeout <= 0},
		{"Payments.MaxOrderIDLength", p.MaxOrderIDLength <= 0},
		{"Redis.DB", cfg.Redis.DB < 0},
		{"Idempotency.Header", blank(cfg.Idempotency.Header)},
		{"Idempotency.TTL", cfg.Idempotency.TTL <= 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval <= 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize <= 0},
		{"Outbox.SweepInterval", cfg.Outbox.SweepInterval <= 0},
		{"Outbox.BatchSize", cfg.Outbox.BatchSize <= 0},
		{"Outbox.MinAge", cfg.Outbox.MinAge <= 0},
	}

	var fields []string
	for _, c := range checks {
		if c.bad {
			fields = append(fields, c.field)
		}
	}
	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
