package toolloop

import "errors"

var (
	// ErrMaxIterations means the model was still calling tools when the
	// iteration budget ran out.
	ErrMaxIterations = errors.New("maximum tool iterations exceeded")

	// ErrGracefulShutdown means the loop stopped because its context ended.
	ErrGracefulShutdown = errors.New("graceful shutdown requested")

	// ErrInvalidConfig is returned for a loop started without its collaborators.
	ErrInvalidConfig = errors.New("invalid tool loop config")
)
