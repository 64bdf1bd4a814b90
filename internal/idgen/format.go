package idgen

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"dukapos-offline-core/internal/domain"
)

// kindSpec holds the formatting and reset rule for one identifier kind.
// dateLayout scopes the human-readable rollover period embedded in the string;
// resets marks kinds whose counter restarts when that period changes.
type kindSpec struct {
	namespace  string
	prefix     string
	dateLayout string
	pad        int
	resets     bool
}

var kindSpecs = map[domain.IdentifierKind]kindSpec{
	domain.KindInvoice:     {namespace: "invoice_number", prefix: "INV", dateLayout: "200601", pad: 4, resets: true},
	domain.KindReceipt:     {namespace: "receipt_number", prefix: "RCT", dateLayout: "20060102", pad: 3, resets: true},
	domain.KindPOS:         {namespace: "pos_reference", prefix: "POS", dateLayout: "20060102", pad: 6},
	domain.KindExpense:     {namespace: "expense_reference", prefix: "EXP", dateLayout: "200601", pad: 4},
	domain.KindSKU:         {namespace: "sku", prefix: "SKU", pad: 4},
	domain.KindTransaction: {namespace: "transaction_id", prefix: "TXN", dateLayout: "20060102", pad: 6},
}

func (s kindSpec) format(now time.Time, ictx domain.IdentifierContext, value int64) string {
	parts := []string{s.prefix}

	if s.namespace == "sku" {
		parts = append(parts, categoryFragment(ictx.Category))
	} else if s.dateLayout != "" {
		parts = append(parts, now.Format(s.dateLayout))
	}

	parts = append(parts, fmt.Sprintf("%0*d", s.pad, value))
	return strings.Join(parts, "-")
}

// period returns the reset-period marker for the given time, or "" for kinds
// that never reset.
func (s kindSpec) period(now time.Time) string {
	if !s.resets {
		return ""
	}
	return now.Format(s.dateLayout)
}

// categoryFragment derives the three-letter category code embedded in SKUs.
func categoryFragment(category string) string {
	var letters []rune
	for _, r := range category {
		if unicode.IsLetter(r) {
			letters = append(letters, unicode.ToUpper(r))
			if len(letters) == 3 {
				break
			}
		}
	}
	if len(letters) == 0 {
		return "GEN"
	}
	return string(letters)
}
