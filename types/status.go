package types

import "fmt"

// TxStatus is the lifecycle state of a bridge transaction.
type TxStatus uint8

const (
	TxPending TxStatus = iota
	TxValidated
	TxRejected
	TxCompleted
	TxFailed
)

var txStatusNames = [...]string{
	TxPending:   "pending",
	TxValidated: "validated",
	TxRejected:  "rejected",
	TxCompleted: "completed",
	TxFailed:    "failed",
}

func (s TxStatus) String() string {
	if int(s) < len(txStatusNames) {
		return txStatusNames[s]
	}
	return fmt.Sprintf("TxStatus(%d)", uint8(s))
}

// IsTerminal returns true for statuses after which no further transition happens.
func (s TxStatus) IsTerminal() bool {
	return s == TxRejected || s == TxCompleted || s == TxFailed
}

func (s TxStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(txStatusNames) {
		return nil, fmt.Errorf("unknown transaction status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *TxStatus) UnmarshalText(text []byte) error {
	for i, name := range txStatusNames {
		if name == string(text) {
			*s = TxStatus(i)
			return nil
		}
	}
	return fmt.Errorf("unknown transaction status %q", text)
}
