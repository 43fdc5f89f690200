package obr

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const defaultCurrency = "RUB"

// Transaction is the canonical shape every bank's transaction payload
// is folded into.
type Transaction struct {
	ID        string
	AccountID string

	Amount   float64
	Currency string

	BookingDate time.Time
	Description string
	Category    string
	Code        string

	Merchant *Merchant
	Card     *Card

	Raw map[string]any
}

type Merchant struct {
	ID       string
	Name     string
	MCC      string
	Category string
	City     string
	Country  string
	Address  string
}

type Card struct {
	MaskedPan string
	Scheme    string
	Name      string
}

var bookingDateKeys = []string{"bookingDate", "bookingDateTime", "valueDate", "valueDateTime"}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// toTransaction folds one raw transaction into the canonical model.
// Records without a parsable amount or booking date are dropped, the
// caller decides whether to log that.
func toTransaction(raw map[string]any) (*Transaction, bool) {
	amountValue, ok := probeAny(raw, "amount", "transactionAmount", "Amount")
	if !ok {
		return nil, false
	}
	amount, currency, ok := coerceAmount(amountValue)
	if !ok {
		return nil, false
	}

	if currency == "" {
		currency = probeString(raw, "currency", "transactionCurrency")
	}
	if currency == "" {
		currency = defaultCurrency
	}

	indicator := strings.ToLower(probeString(raw, "creditDebitIndicator", "direction"))
	switch indicator {
	case "debit", "dbit":
		if amount > 0 {
			amount = -amount
		}
	case "credit", "crdt":
		if amount < 0 {
			amount = -amount
		}
	}

	bookingDate, ok := parseBookingDate(raw)
	if !ok {
		return nil, false
	}

	id := probeString(raw, "transactionId", "transaction_id", "id")
	if id == "" {
		id = uuid.NewString()
	}

	txn := &Transaction{
		ID:          id,
		AccountID:   extractAccountID(raw),
		Amount:      amount,
		Currency:    currency,
		BookingDate: bookingDate,
		Description: probeString(raw, "description", "remittanceInformationUnstructured", "comment", "details"),
		Category:    probeString(raw, "category", "transactionCategory"),
		Code:        bankTransactionCode(raw),
		Merchant:    toMerchant(raw["merchant"]),
		Card:        toCard(raw["card"]),
		Raw:         raw,
	}
	return txn, true
}

func parseBookingDate(raw map[string]any) (time.Time, bool) {
	value := probeString(raw, bookingDateKeys...)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// coerceAmount accepts {"amount": "...", "currency": "..."} objects
// and bare scalars.
func coerceAmount(v any) (float64, string, bool) {
	if m, ok := asMap(v); ok {
		currency := probeString(m, "currency", "Currency")
		inner, ok := probeAny(m, "amount", "Amount", "value", "Value")
		if !ok {
			return 0, "", false
		}
		amount, ok := coerceFloat(inner)
		return amount, currency, ok
	}
	amount, ok := coerceFloat(v)
	return amount, "", ok
}

func coerceFloat(v any) (float64, bool) {
	switch value := v.(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case string:
		cleaned := strings.ReplaceAll(value, " ", "")
		cleaned = strings.ReplaceAll(cleaned, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ",", ".")
		if cleaned == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

func bankTransactionCode(raw map[string]any) string {
	code, ok := asMap(raw["bankTransactionCode"])
	if !ok {
		return probeString(raw, "bankTransactionCode")
	}
	main := probeString(code, "code")
	sub := probeString(code, "subCode")
	if main != "" && sub != "" {
		return main + ":" + sub
	}
	if main != "" {
		return main
	}
	return sub
}

func toMerchant(v any) *Merchant {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	merchant := &Merchant{
		ID:       probeString(m, "merchantId", "id", "merchant_id"),
		Name:     probeString(m, "name"),
		MCC:      probeString(m, "mccCode", "mcc"),
		Category: probeString(m, "category"),
		City:     probeString(m, "city"),
		Country:  probeString(m, "country"),
		Address:  probeString(m, "address", "street"),
	}
	return merchant
}

func toCard(v any) *Card {
	m, ok := asMap(v)
	if !ok {
		return nil
	}
	return &Card{
		MaskedPan: probeString(m, "maskedPan", "masked_pan"),
		Scheme:    probeString(m, "type", "scheme"),
		Name:      probeString(m, "name"),
	}
}

// balanceAmountKeys lists every field name the banks were seen using
// for the actual balance figure.
var balanceAmountKeys = []string{
	"amount", "balance", "availableBalance", "currentBalance",
	"ledgerBalance", "available_balance", "current_balance",
	"clearedBalance", "cleared_balance",
}

// BalanceAmount pulls the numeric balance out of one balance entry,
// including the nested balanceAmount.amount shape.
func BalanceAmount(entry map[string]any) (float64, bool) {
	for _, key := range balanceAmountKeys {
		if v, ok := entry[key]; ok && v != nil {
			if amount, _, ok := coerceAmount(v); ok {
				return amount, true
			}
		}
	}
	if nested, ok := asMap(entry["balanceAmount"]); ok {
		if amount, _, ok := coerceAmount(nested["amount"]); ok {
			return amount, true
		}
	}
	return 0, false
}

// isCreditAgreement filters product agreements down to loans.
func isCreditAgreement(agreement map[string]any) bool {
	productType := strings.ToLower(probeString(agreement, "productType", "product_type", "type"))
	if strings.Contains(productType, "credit") || strings.Contains(productType, "loan") {
		return true
	}
	name := strings.ToLower(probeString(agreement, "name", "productName", "product_name"))
	return strings.Contains(name, "кредит")
}
