package types

import "errors"

// Rejections the pipeline returns for opportunities that are not viable.
// They are expected outcomes, callers match them with errors.Is.
var (
	ErrUnsupportedToken    = errors.New("unsupported token")
	ErrMaxAmountExceeded   = errors.New("max amount exceeded")
	ErrPriceUnavailable    = errors.New("price unavailable")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRoute        = errors.New("invalid route")
	ErrNoFlashLoanProvider = errors.New("no flash loan provider")
)

// ErrInfrastructureUnavailable is returned once retries against the chain
// or the relay are exhausted.
var ErrInfrastructureUnavailable = errors.New("infrastructure unavailable")

// Warning strings attached to estimates and validation results
const (
	WarningPriceUnavailable = "PriceUnavailable"
	WarningThinMargin       = "thin margin"
)
