package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/ledger"
)

func TestMeta_EncodeDecode(t *testing.T) {
	metas := []ledger.Meta{
		ledger.GatewayPaymentMeta{OrderID: "order_1", PaymentID: "pay_1", Method: "card"},
		ledger.OrderMeta{OrderID: "o-7", StoreID: "s-1"},
		ledger.AdminMeta{AdminID: "a-1", Reason: "goodwill"},
		ledger.WithdrawalMeta{RequestID: "w-1", Destination: "****6789"},
		ledger.SystemMeta{Note: "migration"},
	}
	for _, m := range metas {
		t.Run(string(m.Kind()), func(t *testing.T) {
			kind, data, err := ledger.EncodeMeta(m)
			require.NoError(t, err)
			got, err := ledger.DecodeMeta(kind, data)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecodeMeta_Empty(t *testing.T) {
	m, err := ledger.DecodeMeta("", nil)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDecodeMeta_UnknownKind(t *testing.T) {
	_, err := ledger.DecodeMeta("carrier_pigeon", []byte("{}"))
	assert.Error(t, err)
}

func TestCheckMeta(t *testing.T) {
	tests := []struct {
		name    string
		source  ledger.Source
		meta    ledger.Meta
		wantErr bool
	}{
		{"gateway payment", ledger.SourceGateway, ledger.GatewayPaymentMeta{OrderID: "o"}, false},
		{"order", ledger.SourceOrder, ledger.OrderMeta{OrderID: "o"}, false},
		{"admin", ledger.SourceAdmin, ledger.AdminMeta{AdminID: "a", Reason: "r"}, false},
		{"system withdrawal", ledger.SourceSystem, ledger.WithdrawalMeta{RequestID: "w"}, false},
		{"system note", ledger.SourceSystem, ledger.SystemMeta{}, false},
		{"admin meta on order", ledger.SourceOrder, ledger.AdminMeta{}, true},
		{"gateway meta on admin", ledger.SourceAdmin, ledger.GatewayPaymentMeta{}, true},
		{"nil meta", ledger.SourceGateway, nil, true},
		{"unknown source", "FAX", ledger.SystemMeta{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ledger.CheckMeta(tt.source, tt.meta)
			if tt.wantErr {
				assert.ErrorIs(t, err, ledger.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestTxTypeAllows(t *testing.T) {
	assert.True(t, ledger.TxTopUp.Allows(ledger.Credit))
	assert.False(t, ledger.TxTopUp.Allows(ledger.Debit))
	assert.True(t, ledger.TxRefund.Allows(ledger.Credit))
	assert.True(t, ledger.TxDebit.Allows(ledger.Debit))
	assert.False(t, ledger.TxWithdrawal.Allows(ledger.Credit))
	assert.True(t, ledger.TxAdjustment.Allows(ledger.Credit))
	assert.True(t, ledger.TxAdjustment.Allows(ledger.Debit))
	assert.False(t, ledger.TxType("GIFT").Allows(ledger.Credit))
}
