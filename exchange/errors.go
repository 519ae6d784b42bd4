package exchange

import "errors"

// Callers classify failures with errors.Is against these kinds. Detail is
// attached with fmt.Errorf("%w: ...") so the kind survives wrapping.
var (
	// ErrNotFound signals a missing definition or instance.
	ErrNotFound = errors.New("exchange: not found")
	// ErrForbidden signals the caller may not act on the case or definition.
	ErrForbidden = errors.New("exchange: forbidden")
	// ErrInvalidState signals a mutation the instance's current state does not allow.
	ErrInvalidState = errors.New("exchange: invalid state")
	// ErrInvalidToken signals a QR token that does not match or is no longer valid.
	ErrInvalidToken = errors.New("exchange: invalid qr token")
	// ErrInvalidInput signals a malformed request.
	ErrInvalidInput = errors.New("exchange: invalid input")
)
