// Package storage implements the file-backed mailbox store.
//
// Every registered user owns a directory below the store root. Each message
// is one file in that directory whose name ends in ".mail":
//
//	<root>/<username>/<discriminator>.mail
//
// Messages are listed in file name order. Discriminators are zero padded and
// increase monotonically, so file name order is delivery order.
//
// # Sessions
//
// A Mailbox is created per use: a POP3 session opens one for the user that
// logs in, an SMTP session opens one per accepted recipient. After
// Authenticate the mailbox holds a snapshot of the messages present at that
// moment. Deletion is two phase: messages are tagged during the session and
// PurgeTagged removes the tagged files of this snapshot only, so concurrent
// deliveries and other sessions are never affected.
//
// # Delivery
//
// NewMessageSink claims a temporary file under <root>/<username>/tmp and, on
// Close, links it into the mailbox under the next free discriminator.
// Readers never observe partially written messages. DeliveryWriter fans one
// message out to the sinks of several recipients.
package storage

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/credentials"
)

const (
	dirPerm  = 0700
	filePerm = 0600
	tmpDir   = "tmp"
)

// Store maps registered usernames to mailbox directories below root.
type Store struct {
	root     string
	registry *credentials.Registry
}

// New returns a store rooted at root that accepts the users of registry.
func New(root string, registry *credentials.Registry) *Store {
	return &Store{root: root, registry: registry}
}

// Root returns the directory holding all mailboxes.
func (s *Store) Root() string {
	return s.root
}

// Registry returns the credential registry the store validates against.
func (s *Store) Registry() *credentials.Registry {
	return s.registry
}

// Open returns an unauthenticated mailbox for username. Unknown users fail
// with ErrInvalidUser before any storage is touched.
func (s *Store) Open(username string) (*Mailbox, error) {
	if !s.registry.IsValidUser(username) {
		return nil, fmt.Errorf("%w: %s", consts.ErrInvalidUser, username)
	}
	if !isSafeDirName(username) {
		return nil, fmt.Errorf("%w: %q cannot be used as a mailbox directory", consts.ErrInvalidUser, username)
	}
	return &Mailbox{
		store:    s,
		username: username,
		dir:      filepath.Join(s.root, username),
	}, nil
}

func isSafeDirName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
