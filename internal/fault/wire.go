package fault

import "errors"

// WireError is the transport form of a kinded error. The kind is preserved
// verbatim across cell boundaries; the message rides along for diagnostics.
type WireError struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// Encode converts err into its wire form. Unkinded errors are tagged fatal so
// remote callers never treat a programming error as retryable.
func Encode(err error) *WireError {
	if err == nil {
		return nil
	}
	kind := KindOf(err)
	retryAfter := 0
	var fe *Error
	if errors.As(err, &fe) {
		retryAfter = fe.RetryAfterSeconds
	}
	if kind == KindUnknown {
		kind = KindFatal
	}
	return &WireError{
		Kind:              kind.String(),
		Message:           err.Error(),
		RetryAfterSeconds: retryAfter,
	}
}

// Decode restores a kinded error from the wire.
func (w *WireError) Decode() error {
	if w == nil {
		return nil
	}
	return &Error{
		Kind:              ParseKind(w.Kind),
		Message:           w.Message,
		RetryAfterSeconds: w.RetryAfterSeconds,
	}
}
