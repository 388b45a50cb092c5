// Package money holds the identity and amount types shared by the order,
// stock and payment packages: order/line/charge ids, decimal amounts and
// currency snapshots.
package money

// ErrorCode is the taxonomy from the error-handling design: validation,
// not-found/conflict, shortage, stale, data-corruption, transient and
// processor errors. Use cases translate these into their own result shapes;
// repos tag them with a fn_label before returning them to a use case.
type ErrorCode string

const (
	ErrValidation     ErrorCode = "VALIDATION"
	ErrNotExist       ErrorCode = "NOT_EXIST"
	ErrConflict       ErrorCode = "CONFLICT"
	ErrShortage       ErrorCode = "SHORTAGE"
	ErrStale          ErrorCode = "STALE"
	ErrDataCorruption ErrorCode = "DATA_CORRUPTION"
	ErrTransient      ErrorCode = "TRANSIENT"
	ErrProcessor      ErrorCode = "PROCESSOR"
)

// AppError is the single typed error shape returned by models, repos and
// processors. Repos wrap the originating model error with FnLabel so logs
// can tell which repository call failed without re-parsing Detail.
type AppError struct {
	Code    ErrorCode
	Detail  string
	FnLabel string
}

func (e *AppError) Error() string {
	if e.FnLabel != "" {
		return string(e.Code) + " (" + e.FnLabel + "): " + e.Detail
	}
	return string(e.Code) + ": " + e.Detail
}

// NewAppError builds an AppError with no fn_label; repos call WithFnLabel
// to tag it once it crosses the repository boundary.
func NewAppError(code ErrorCode, detail string) *AppError {
	return &AppError{Code: code, Detail: detail}
}

func (e *AppError) WithFnLabel(label string) *AppError {
	return &AppError{Code: e.Code, Detail: e.Detail, FnLabel: label}
}
