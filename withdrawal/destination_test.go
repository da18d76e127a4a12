package withdrawal_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/wallet-ledger/withdrawal"
)

func TestDestination_Validate(t *testing.T) {
	bank := withdrawal.Destination{
		Method:        withdrawal.MethodBank,
		AccountNumber: "123456789012",
		IFSC:          "HDFC0001234",
		AccountHolder: "Shop Owner",
	}

	tests := []struct {
		name    string
		dest    withdrawal.Destination
		wantErr bool
	}{
		{"upi", withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop.owner@okaxis"}, false},
		{"upi without provider", withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop"}, true},
		{"bank", bank, false},
		{"bank short account", func() withdrawal.Destination { d := bank; d.AccountNumber = "1234"; return d }(), true},
		{"bank bad ifsc", func() withdrawal.Destination { d := bank; d.IFSC = "HDFC1234567"; return d }(), true},
		{"bank no holder", func() withdrawal.Destination { d := bank; d.AccountHolder = " "; return d }(), true},
		{"unknown method", withdrawal.Destination{Method: "CHEQUE"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.dest.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDestination_NormalizeAndMask(t *testing.T) {
	d := withdrawal.Destination{
		Method:        withdrawal.MethodBank,
		AccountNumber: " 123456789012 ",
		IFSC:          "hdfc0001234",
		AccountHolder: " Shop Owner ",
	}.Normalize()

	require.NoError(t, d.Validate())
	assert.Equal(t, "HDFC0001234", d.IFSC)
	assert.Equal(t, "bank:HDFC0001234/xxxxxxxx9012", d.Masked())

	u := withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop@okbank"}
	assert.Equal(t, "upi:shop@okbank", u.Masked())
}

func TestDestination_EncodeDecode(t *testing.T) {
	d := withdrawal.Destination{Method: withdrawal.MethodUPI, UPIID: "shop@okbank"}
	s, err := d.Encode()
	require.NoError(t, err)

	got, err := withdrawal.DecodeDestination(s)
	require.NoError(t, err)
	assert.Equal(t, d, got)

	_, err = withdrawal.DecodeDestination("{")
	assert.Error(t, err)
}
