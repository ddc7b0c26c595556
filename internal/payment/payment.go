// Package payment validates payment methods and constructs their persistable
// payloads. Every validator here is a pure decision function; the gateway
// flow's asynchronous completion lives in the cart state machine, not here.
package payment

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smartretail/pos/internal/domain"
	"smartretail/pos/internal/store"
)

var (
	ErrUnsupportedMode   = fmt.Errorf("%w: unsupported payment mode", store.ErrValidation)
	ErrInvalidCardNumber = fmt.Errorf("%w: invalid card number", store.ErrValidation)
	ErrInvalidExpiry     = fmt.Errorf("%w: invalid card expiry", store.ErrValidation)
	ErrCardExpired       = fmt.Errorf("%w: card expired", store.ErrValidation)
	ErrInvalidHandle     = fmt.Errorf("%w: invalid transfer handle", store.ErrValidation)
)

// Validator validates a PaymentInput and builds the corresponding payload.
// now is injectable for expiry tests.
type Validator struct {
	merchantName string
	currency     string
	now          func() time.Time
}

func NewValidator(merchantName string, currency string) *Validator {
	if merchantName == "" {
		merchantName = "SmartRetails"
	}
	if currency == "" {
		currency = "INR"
	}
	return &Validator{merchantName: merchantName, currency: currency, now: time.Now}
}

// Validate runs the per-mode validation and returns the persistable payload.
// Gateway inputs pass trivially here: their real validation is deferred to
// the external gateway and gated by the cart state machine.
func (v *Validator) Validate(input domain.PaymentInput, amount decimal.Decimal) (domain.PaymentPayload, error) {
	switch input.Mode {
	case domain.PaymentCash:
		return domain.PaymentPayload{Mode: domain.PaymentCash}, nil
	case domain.PaymentCard:
		return v.validateCard(input.Card)
	case domain.PaymentTransfer:
		return v.validateTransfer(input.Transfer, amount)
	case domain.PaymentGateway:
		return domain.PaymentPayload{Mode: domain.PaymentGateway}, nil
	default:
		return domain.PaymentPayload{}, ErrUnsupportedMode
	}
}

func (v *Validator) validateCard(card domain.CardDetails) (domain.PaymentPayload, error) {
	digits := stripNonDigits(card.Number)
	if !luhnValid(digits) {
		return domain.PaymentPayload{}, ErrInvalidCardNumber
	}

	endOfMonth, err := parseExpiry(card.Expiry)
	if err != nil {
		return domain.PaymentPayload{}, err
	}
	if endOfMonth.Before(v.now()) {
		return domain.PaymentPayload{}, ErrCardExpired
	}

	// Only the masked number survives validation; the raw PAN is dropped.
	return domain.PaymentPayload{
		Mode:       domain.PaymentCard,
		CardMasked: MaskCard(card.Number),
		CardHolder: strings.TrimSpace(card.Holder),
		CardExpiry: strings.TrimSpace(card.Expiry),
	}, nil
}

func (v *Validator) validateTransfer(transfer domain.TransferDetails, amount decimal.Decimal) (domain.PaymentPayload, error) {
	handle := strings.TrimSpace(transfer.Handle)
	if !HandleValid(handle) {
		return domain.PaymentPayload{}, ErrInvalidHandle
	}

	return domain.PaymentPayload{
		Mode:            domain.PaymentTransfer,
		TransferHandle:  handle,
		TransferRequest: TransferRequest(handle, v.merchantName, amount, v.currency),
	}, nil
}

// HandleValid reports whether a VPA-style transfer handle is acceptable:
// at least 3 characters and either containing '@' or stripping to a 10-20
// digit account number.
func HandleValid(handle string) bool {
	handle = strings.TrimSpace(handle)
	if len(handle) < 3 {
		return false
	}
	if strings.Contains(handle, "@") {
		return true
	}
	digits := stripNonDigits(handle)
	return len(digits) >= 10 && len(digits) <= 20
}

// TransferRequest builds the canonical payment request string for a handle
// transfer. It is the single source of truth for any QR or deep-link
// rendering and must be recomputed whenever amount or handle changes; it is
// deliberately never stored between renders.
func TransferRequest(handle string, merchantName string, amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("upi://pay?pa=%s&pn=%s&am=%s&cu=%s",
		url.QueryEscape(strings.TrimSpace(handle)),
		url.QueryEscape(merchantName),
		url.QueryEscape(domain.Round2(amount).StringFixed(2)),
		url.QueryEscape(currency),
	)
}

// MaskCard reduces a card number to its last four digits. Numbers of four
// digits or fewer are returned as their bare digits.
func MaskCard(number string) string {
	digits := stripNonDigits(number)
	if len(digits) <= 4 {
		return digits
	}
	return "**** **** **** " + digits[len(digits)-4:]
}

// luhnValid runs the Luhn checksum: double every second digit from the
// right, subtract 9 when doubling exceeds 9, and require the digit sum to be
// divisible by 10. Empty input is invalid.
func luhnValid(digits string) bool {
	if digits == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := int(digits[i] - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// parseExpiry accepts MM/YY, MM/YYYY or YYYY-MM and returns the last instant
// of the expiry month in local time.
func parseExpiry(expiry string) (time.Time, error) {
	expiry = strings.TrimSpace(expiry)

	var monthPart, yearPart string
	switch {
	case strings.Contains(expiry, "/"):
		parts := strings.SplitN(expiry, "/", 2)
		monthPart, yearPart = parts[0], parts[1]
		if len(yearPart) == 2 {
			yearPart = "20" + yearPart
		}
	case strings.Contains(expiry, "-"):
		parts := strings.SplitN(expiry, "-", 2)
		yearPart, monthPart = parts[0], parts[1]
	default:
		return time.Time{}, ErrInvalidExpiry
	}

	month, err := strconv.Atoi(strings.TrimSpace(monthPart))
	if err != nil || month < 1 || month > 12 {
		return time.Time{}, ErrInvalidExpiry
	}
	year, err := strconv.Atoi(strings.TrimSpace(yearPart))
	if err != nil || year < 1 {
		return time.Time{}, ErrInvalidExpiry
	}

	// Day 0 of the following month normalizes to the last day of the expiry
	// month.
	return time.Date(year, time.Month(month)+1, 0, 23, 59, 59, 0, time.Local), nil
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
