package discovery

import "codeberg.org/mutker/statlink/internal/errors"

const (
	ErrEnumerationFailed = errors.ErrorCode("discovery_enumeration_failed")
)
