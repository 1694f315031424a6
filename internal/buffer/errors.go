package buffer

import "github.com/Gameminde/Chneowave-sub003/internal/errors"

var (
	// ErrBufferFull is returned by Write under PolicyBlock when no space
	// became free within the block timeout. It is recoverable.
	ErrBufferFull = errors.Sentinel("buffer", errors.CategoryBuffer, "sample buffer full")

	// ErrInvalidVector is returned when a sample vector does not match
	// the channel count.
	ErrInvalidVector = errors.Sentinel("buffer", errors.CategoryConfiguration, "sample vector length does not match channel count")

	// ErrInvalidConfig is returned by Config.Validate
	ErrInvalidConfig = errors.Sentinel("buffer", errors.CategoryConfiguration, "invalid buffer configuration")
)
