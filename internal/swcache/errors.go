package swcache

import "errors"

var (
	// ErrNotActive is returned when a controller that has not finished
	// activation (or was superseded) is asked to answer a request.
	ErrNotActive = errors.New("controller is not active")

	ErrInstallFailed     = errors.New("install failed")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrNetwork marks a rejected fetch: the request never produced a response.
	ErrNetwork = errors.New("network error")

	// ErrForbiddenTarget rejects absolute-form requests for origins the
	// proxy does not front.
	ErrForbiddenTarget = errors.New("target origin not allowed")

	ErrMethodNotCacheable = errors.New("only GET requests can be cached")
	ErrGenerationDeleted  = errors.New("cache generation was deleted")
)
