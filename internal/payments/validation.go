package payments

import (
	"slices"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	minQRTTLMinutes = 1
	maxQRTTLMinutes = 129600
	maxInvoiceItems = 100
)

// VATCodes enumerates the VAT values accepted by the business API.
var VATCodes = []string{"None", "0", "5", "7", "10", "20", "22"}

// ValidVAT reports whether code is a known VAT value.
func ValidVAT(code string) bool {
	return slices.Contains(VATCodes, strings.TrimSpace(code))
}

func isDigits(s string, lengths ...int) bool {
	if !slices.Contains(lengths, len(s)) {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func validateQR(req QRRequest) error {
	if !isDigits(req.AccountNumber, 20) {
		return invalidf("account number must have 20 digits")
	}
	if !req.Amount.IsPositive() {
		return invalidf("amount must be positive")
	}
	if !ValidVAT(req.VAT) {
		return invalidf("vat %q is not one of %s", req.VAT, strings.Join(VATCodes, ", "))
	}
	if req.TTLMinutes < minQRTTLMinutes || req.TTLMinutes > maxQRTTLMinutes {
		return invalidf("ttl must be between %d and %d minutes", minQRTTLMinutes, maxQRTTLMinutes)
	}
	if strings.TrimSpace(req.Purpose) == "" {
		return invalidf("payment purpose is required")
	}
	return nil
}

func validateInvoice(req InvoiceRequest) error {
	if strings.TrimSpace(req.InvoiceNumber) == "" {
		return invalidf("invoice number is required")
	}
	if !isDigits(req.AccountNumber, 20, 22) {
		return invalidf("account number must have 20 or 22 digits")
	}
	if strings.TrimSpace(req.Payer.Name) == "" {
		return invalidf("payer name is required")
	}
	if !isDigits(req.Payer.INN, 10, 12) {
		return invalidf("payer INN must have 10 or 12 digits")
	}
	if req.Payer.KPP != "" && !isDigits(req.Payer.KPP, 9) {
		return invalidf("payer KPP must have 9 digits")
	}
	if n := len(req.Items); n < 1 || n > maxInvoiceItems {
		return invalidf("invoice must have between 1 and %d items, got %d", maxInvoiceItems, n)
	}
	for i, item := range req.Items {
		if strings.TrimSpace(item.Name) == "" {
			return invalidf("item %d: name is required", i+1)
		}
		if !item.Price.IsPositive() {
			return invalidf("item %d: price must be positive", i+1)
		}
		if item.Amount.LessThanOrEqual(decimal.Zero) {
			return invalidf("item %d: amount must be positive", i+1)
		}
		if !ValidVAT(item.VAT) {
			return invalidf("item %d: vat %q is not one of %s", i+1, item.VAT, strings.Join(VATCodes, ", "))
		}
	}
	return nil
}
