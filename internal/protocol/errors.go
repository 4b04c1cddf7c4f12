package protocol

import "codeberg.org/mutker/statlink/internal/errors"

const (
	ErrEncodeFailed = errors.ErrorCode("protocol_encode_failed")
	ErrDecodeFailed = errors.ErrorCode("protocol_decode_failed")
)
