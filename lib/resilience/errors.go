package resilience

import apperrors "github.com/memkeep/memkeep/lib/errors"

// ErrCircuitOpen is returned by Breaker.Do while the breaker is open.
var ErrCircuitOpen = apperrors.ErrCircuitOpen
