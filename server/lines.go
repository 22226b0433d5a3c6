package server

import (
	"bufio"
	"errors"
)

// MaxCommandLineLength bounds a protocol command line, terminator included.
const MaxCommandLineLength = 4096

// ErrLineTooLong is returned by ReadLine when a line exceeds its limit. The
// whole line has been consumed by then, so the caller can keep reading.
var ErrLineTooLong = errors.New("line too long")

// ReadLine reads one '\n' terminated line and keeps at most limit bytes of
// it in memory. A longer line is read to its end and discarded. A limit of
// zero or less reads without a bound.
func ReadLine(r *bufio.Reader, limit int) (string, error) {
	var line []byte
	overflow := false
	for {
		frag, err := r.ReadSlice('\n')
		if !overflow {
			if limit > 0 && len(line)+len(frag) > limit {
				overflow = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}

		switch {
		case err == nil:
			if overflow {
				return "", ErrLineTooLong
			}
			return string(line), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return "", err
		}
	}
}
