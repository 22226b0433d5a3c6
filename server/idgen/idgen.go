// Package idgen generates short, sortable identifiers for sessions.
package idgen

import "github.com/rs/xid"

// New returns a 20 character, lowercase, time-ordered identifier.
func New() string {
	return xid.New().String()
}

// String is an alias for New.
func String() string {
	return New()
}
