package workflow

import "errors"

// ErrValidation tags a phase failure caused by malformed LLM output or
// invalid user/package input, as distinct from an infrastructure
// failure. The engine handles it like any other failed attempt: the
// phase is retried up to its MaxRetries and then detours through
// RECOVER.
var ErrValidation = errors.New("workflow: validation error")
