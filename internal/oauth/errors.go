package oauth

import "fmt"

// InvalidGrantError signals an irrecoverable refresh failure. The stored
// refresh token is dead and the user must re-authorize the integration.
type InvalidGrantError struct {
	Provider string
	Err      error
}

func (e *InvalidGrantError) Error() string {
	return fmt.Sprintf("%s: refresh token rejected: %v", e.Provider, e.Err)
}

func (e *InvalidGrantError) Unwrap() error { return e.Err }

// ErrStateMismatch is returned by CompleteAuthorize when the state parameter
// on the callback does not match the one issued by StartAuthorize.
var ErrStateMismatch = fmt.Errorf("oauth state mismatch")
