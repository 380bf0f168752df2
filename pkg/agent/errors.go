package agent

import "errors"

// ErrInvalidTransition indicates a phase transition not present in the
// transition table. Hitting it means a handler bug rather than bad
// input, so the machine treats it as fatal.
var ErrInvalidTransition = errors.New("invalid phase transition")
