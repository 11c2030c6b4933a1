package protocol

import "errors"

var (
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	ErrUnknownTag     = errors.New("protocol: unknown tag")
)
