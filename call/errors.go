package call

import "errors"

var (
	// ErrInvalidRequest rejects a call with an empty destination or trunk server.
	ErrInvalidRequest = errors.New("invalid call request")
	// ErrEngineCommand reports an engine command that could not be carried out.
	ErrEngineCommand = errors.New("engine command failed")
	// ErrClosed is returned once the controller loop has stopped.
	ErrClosed = errors.New("call controller closed")
)
