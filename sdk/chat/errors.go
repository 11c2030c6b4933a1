package chat

import "errors"

var (
	ErrMessageNotFound = errors.New("chat: message not found")
	ErrDecoderFinished = errors.New("chat: decoder already finished")
	ErrForkSubmitted   = errors.New("chat: fork already submitted")
)
