package domain

import "errors"

// Failure reasons shared by the task manager and the ledger. Callers wrap
// them with context and match with errors.Is.
var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrTaskNotFound         = errors.New("task does not exist")
	ErrTaskNotPending       = errors.New("task is not pending")
	ErrTaskAlreadyFinalized = errors.New("task is finalized")
	ErrTaskNotApproved      = errors.New("task is not approved")
	ErrWrongTaskKind        = errors.New("invalid task type")
	ErrAlreadyApproved      = errors.New("task already approved by this account")
	ErrLengthMismatch       = errors.New("inputs have incorrect lengths")
	ErrEmptyInput           = errors.New("empty inputs")
	ErrInvalidTarget        = errors.New("invalid target")
	ErrZeroAddress          = errors.New("target with zero address")
	ErrAccountLocked        = errors.New("account cannot transfer tokens")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrCannotAcceptValue    = errors.New("cannot accept native value")
	ErrInvariantViolation   = errors.New("invariant violation")
)

var codes = map[error]string{
	ErrUnauthorized:         "unauthorized",
	ErrTaskNotFound:         "task_not_found",
	ErrTaskNotPending:       "task_not_pending",
	ErrTaskAlreadyFinalized: "task_already_finalized",
	ErrTaskNotApproved:      "task_not_approved",
	ErrWrongTaskKind:        "wrong_task_kind",
	ErrAlreadyApproved:      "already_approved",
	ErrLengthMismatch:       "length_mismatch",
	ErrEmptyInput:           "empty_input",
	ErrInvalidTarget:        "invalid_target",
	ErrZeroAddress:          "zero_address",
	ErrAccountLocked:        "account_locked",
	ErrInsufficientBalance:  "insufficient_balance",
	ErrInvalidConfiguration: "invalid_configuration",
	ErrCannotAcceptValue:    "cannot_accept_value",
	ErrInvariantViolation:   "invariant_violation",
}

// Code returns the stable snake_case code of the first taxonomy error found
// in err's chain, or "" when err carries none.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}
