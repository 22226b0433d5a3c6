package consts

import "errors"

var (
	ErrInvalidUser      = errors.New("invalid user")
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrIndexOutOfRange  = errors.New("no such message")
	ErrSyntax           = errors.New("syntax error")
	ErrSequence         = errors.New("bad sequence of commands")
	ErrDelivery         = errors.New("delivery failed")
)
