package megolm

import "errors"

var (
	ErrKeyTooOld        = errors.New("message index precedes first known index")
	ErrInvalidTag       = errors.New("invalid tag")
	ErrInvalidSignature = errors.New("invalid session signature")
)
