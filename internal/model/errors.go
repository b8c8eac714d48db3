package model

import (
	"errors"
)

var (
	ErrEngineNotFound  = errors.New("render engine not found")
	ErrInputNotFound   = errors.New("input file not found")
	ErrSpawn           = errors.New("spawning render engine")
	ErrNonZeroExit     = errors.New("render engine exited with non-zero code")
	ErrKilledByRequest = errors.New("render engine killed by request")
	ErrParseAnomaly    = errors.New("unexpected render engine output")
)

// KindOf maps an error returned by the process supervisor to the ErrorKind
// stored on a failed job.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrEngineNotFound):
		return ErrorKindEngineNotFound
	case errors.Is(err, ErrInputNotFound):
		return ErrorKindInputNotFound
	case errors.Is(err, ErrNonZeroExit):
		return ErrorKindNonZeroExit
	default:
		return ErrorKindSpawn
	}
}
