package withdrawal

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/warp/wallet-ledger/ledger"
)

type Method string

const (
	MethodUPI  Method = "UPI"
	MethodBank Method = "BANK_TRANSFER"
)

// Destination is where an approved payout is sent.
type Destination struct {
	Method        Method `json:"method"`
	UPIID         string `json:"upiId,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	IFSC          string `json:"ifsc,omitempty"`
	AccountHolder string `json:"accountHolder,omitempty"`
}

var (
	upiPattern     = regexp.MustCompile(`^[a-zA-Z0-9.\-_]{2,256}@[a-zA-Z]{2,64}$`)
	accountPattern = regexp.MustCompile(`^[0-9]{9,18}$`)
	ifscPattern    = regexp.MustCompile(`^[A-Z]{4}0[A-Z0-9]{6}$`)
)

// Validate checks format only; it does not prove the account exists.
func (d Destination) Validate() error {
	switch d.Method {
	case MethodUPI:
		if !upiPattern.MatchString(d.UPIID) {
			return ledger.Invalid("payoutDestination.upiId", "must look like name@provider")
		}
	case MethodBank:
		if !accountPattern.MatchString(d.AccountNumber) {
			return ledger.Invalid("payoutDestination.accountNumber", "must be 9 to 18 digits")
		}
		if !ifscPattern.MatchString(d.IFSC) {
			return ledger.Invalid("payoutDestination.ifsc", "must be a valid IFSC code")
		}
		if strings.TrimSpace(d.AccountHolder) == "" {
			return ledger.Invalid("payoutDestination.accountHolder", "is required")
		}
	default:
		return ledger.Invalid("payoutDestination.method", "must be UPI or BANK_TRANSFER")
	}
	return nil
}

// Normalize upper-cases IFSC codes and trims whitespace.
func (d Destination) Normalize() Destination {
	d.UPIID = strings.TrimSpace(d.UPIID)
	d.AccountNumber = strings.TrimSpace(d.AccountNumber)
	d.IFSC = strings.ToUpper(strings.TrimSpace(d.IFSC))
	d.AccountHolder = strings.TrimSpace(d.AccountHolder)
	return d
}

// Masked renders the destination for logs and transaction metadata.
func (d Destination) Masked() string {
	switch d.Method {
	case MethodUPI:
		return "upi:" + d.UPIID
	case MethodBank:
		n := d.AccountNumber
		if len(n) > 4 {
			n = strings.Repeat("x", len(n)-4) + n[len(n)-4:]
		}
		return fmt.Sprintf("bank:%s/%s", d.IFSC, n)
	}
	return string(d.Method)
}

func (d Destination) Encode() (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to encode destination: %w", err)
	}
	return string(b), nil
}

func DecodeDestination(s string) (Destination, error) {
	var d Destination
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return Destination{}, fmt.Errorf("failed to decode destination: %w", err)
	}
	return d, nil
}
