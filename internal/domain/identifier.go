package domain

type IdentifierKind string

const (
	KindInvoice     IdentifierKind = "invoice"
	KindReceipt     IdentifierKind = "receipt"
	KindPOS         IdentifierKind = "pos"
	KindExpense     IdentifierKind = "expense"
	KindSKU         IdentifierKind = "sku"
	KindTransaction IdentifierKind = "transaction"
)

func (k IdentifierKind) Valid() bool {
	switch k {
	case KindInvoice, KindReceipt, KindPOS, KindExpense, KindSKU, KindTransaction:
		return true
	}
	return false
}

// IdentifierContext carries the caller-supplied fragments some kinds embed in
// the formatted string, e.g. the product category for SKUs.
type IdentifierContext struct {
	Category string `json:"category,omitempty"`
	Name     string `json:"name,omitempty"`
}

type GenerateIdentifierRequest struct {
	Kind    IdentifierKind    `json:"kind" validate:"required,oneof=invoice receipt pos expense sku transaction"`
	Context IdentifierContext `json:"context"`
}

type GeneratedIdentifier struct {
	Kind  IdentifierKind `json:"kind"`
	Value string         `json:"value"`
}
