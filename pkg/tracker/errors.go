package tracker

import (
	"errors"
	"fmt"

	"github.com/eunmann/s3-size-history/pkg/ledger"
)

var (
	// ErrMalformedEvent marks an event that can never be applied. It is
	// logged and dropped; retrying it is pointless.
	ErrMalformedEvent = errors.New("tracker: malformed event")

	// ErrLedgerUnavailable means the ledger stayed unavailable after its own
	// retries. The caller should redeliver the whole event later.
	ErrLedgerUnavailable = errors.New("tracker: ledger unavailable")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedEvent, fmt.Sprintf(format, args...))
}

// ledgerErr wraps a ledger failure, tagging transient ones with
// ErrLedgerUnavailable.
func ledgerErr(op string, err error) error {
	if errors.Is(err, ledger.ErrUnavailable) {
		return fmt.Errorf("%s: %w: %w", op, ErrLedgerUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
