package crm

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/napryag/fitness_portal_bot/pkg/utils/errs"
)

// ErrEmptyCart is returned when cart_cost answers without cart lines.
var ErrEmptyCart = errs.New("cart has no lines").Kind(errs.KindIntegrity)

// Failure is the single failure shape of every gateway call.
// Status is 0 for transport failures.
type Failure struct {
	Op     string
	Reason string
	Status int
	Raw    []byte
	Kind   errs.Kind
	Err    error
}

func (f *Failure) Error() string {
	if f.Status != 0 {
		return fmt.Sprintf("crm %s: %s (HTTP %d)", f.Op, f.Reason, f.Status)
	}
	return fmt.Sprintf("crm %s: %s", f.Op, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

func (f *Failure) ErrKind() errs.Kind { return f.Kind }

// Unauthorized reports whether the CRM rejected the session token.
func (f *Failure) Unauthorized() bool {
	return f.Status == http.StatusUnauthorized || f.Status == http.StatusForbidden
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// IsUnauthorized reports whether err carries a 401/403 gateway failure.
func IsUnauthorized(err error) bool {
	f, ok := AsFailure(err)
	return ok && f.Unauthorized()
}

// Reason returns the human-readable reason of a gateway failure, or err.Error().
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if f, ok := AsFailure(err); ok && f.Reason != "" {
		return f.Reason
	}
	var ce *errs.CustomError
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}
