package ledger

import (
	"encoding/json"
	"fmt"
)

// =============================================================================
// TAGGED METADATA
// =============================================================================

// MetaKind tags the concrete payload stored with a transaction.
type MetaKind string

const (
	MetaGatewayPayment MetaKind = "gateway_payment"
	MetaOrder          MetaKind = "order"
	MetaAdmin          MetaKind = "admin"
	MetaWithdrawal     MetaKind = "withdrawal"
	MetaSystem         MetaKind = "system"
)

// Meta is the closed set of transaction payloads. Each Source accepts a
// fixed set of kinds (see allowedMeta).
type Meta interface {
	Kind() MetaKind
	isMeta()
}

type GatewayPaymentMeta struct {
	OrderID   string `json:"orderId"`
	PaymentID string `json:"paymentId,omitempty"`
	Method    string `json:"method,omitempty"`
}

type OrderMeta struct {
	OrderID string `json:"orderId"`
	StoreID string `json:"storeId,omitempty"`
}

type AdminMeta struct {
	AdminID string `json:"adminId"`
	Reason  string `json:"reason"`
}

type WithdrawalMeta struct {
	RequestID   string `json:"requestId"`
	Destination string `json:"destination,omitempty"`
}

type SystemMeta struct {
	Note string `json:"note,omitempty"`
}

func (GatewayPaymentMeta) Kind() MetaKind { return MetaGatewayPayment }
func (OrderMeta) Kind() MetaKind          { return MetaOrder }
func (AdminMeta) Kind() MetaKind          { return MetaAdmin }
func (WithdrawalMeta) Kind() MetaKind     { return MetaWithdrawal }
func (SystemMeta) Kind() MetaKind         { return MetaSystem }

func (GatewayPaymentMeta) isMeta() {}
func (OrderMeta) isMeta()          {}
func (AdminMeta) isMeta()          {}
func (WithdrawalMeta) isMeta()     {}
func (SystemMeta) isMeta()         {}

var allowedMeta = map[Source][]MetaKind{
	SourceGateway: {MetaGatewayPayment},
	SourceOrder:   {MetaOrder},
	SourceAdmin:   {MetaAdmin},
	SourceSystem:  {MetaWithdrawal, MetaSystem},
}

// CheckMeta reports whether m is a valid payload for source.
func CheckMeta(source Source, m Meta) error {
	kinds, ok := allowedMeta[source]
	if !ok {
		return &ValidationError{Field: "source", Message: fmt.Sprintf("unknown source %q", source)}
	}
	if m == nil {
		return &ValidationError{Field: "meta", Message: fmt.Sprintf("%s transactions require metadata", source)}
	}
	for _, k := range kinds {
		if m.Kind() == k {
			return nil
		}
	}
	return &ValidationError{Field: "meta", Message: fmt.Sprintf("%s metadata not allowed for source %s", m.Kind(), source)}
}

// EncodeMeta returns the kind tag and JSON body for storage.
func EncodeMeta(m Meta) (MetaKind, []byte, error) {
	if m == nil {
		return "", nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s meta: %w", m.Kind(), err)
	}
	return m.Kind(), data, nil
}

// DecodeMeta rebuilds a Meta from its stored kind tag and JSON body.
func DecodeMeta(kind MetaKind, data []byte) (Meta, error) {
	if kind == "" {
		return nil, nil
	}
	var (
		m   Meta
		err error
	)
	switch kind {
	case MetaGatewayPayment:
		var v GatewayPaymentMeta
		err = json.Unmarshal(data, &v)
		m = v
	case MetaOrder:
		var v OrderMeta
		err = json.Unmarshal(data, &v)
		m = v
	case MetaAdmin:
		var v AdminMeta
		err = json.Unmarshal(data, &v)
		m = v
	case MetaWithdrawal:
		var v WithdrawalMeta
		err = json.Unmarshal(data, &v)
		m = v
	case MetaSystem:
		var v SystemMeta
		err = json.Unmarshal(data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown meta kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s meta: %w", kind, err)
	}
	return m, nil
}
