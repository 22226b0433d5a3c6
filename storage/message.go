package storage

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ternmail/tern/consts"
)

// MessageState is the deletion state of a message within one session.
type MessageState int

const (
	StateActive MessageState = iota
	StateTagged
	StatePurged
)

func (s MessageState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateTagged:
		return "tagged"
	case StatePurged:
		return "purged"
	default:
		return fmt.Sprintf("MessageState(%d)", int(s))
	}
}

// Message is one stored message as seen by the session that loaded it.
// Its size is captured when the mailbox is loaded.
type Message struct {
	path  string
	name  string
	size  int64
	state MessageState
}

// Name returns the file name of the message.
func (m *Message) Name() string {
	return m.name
}

// UID returns an identifier that stays the same across sessions.
func (m *Message) UID() string {
	return strings.TrimSuffix(m.name, consts.MessageFileSuffix)
}

// Size returns the size in bytes recorded at load time.
func (m *Message) Size() int64 {
	return m.size
}

func (m *Message) State() MessageState {
	return m.state
}

// Deleted reports whether the message is tagged for deletion or already purged.
func (m *Message) Deleted() bool {
	return m.state != StateActive
}

// TagForDeletion marks the message for removal at purge time.
func (m *Message) TagForDeletion() {
	if m.state == StateActive {
		m.state = StateTagged
	}
}

// Untag clears a deletion tag. Purged messages stay purged.
func (m *Message) Untag() {
	if m.state == StateTagged {
		m.state = StateActive
	}
}

// Open returns the stored content.
func (m *Message) Open() (io.ReadCloser, error) {
	if m.state == StatePurged {
		return nil, fmt.Errorf("message %s: %w", m.name, os.ErrNotExist)
	}
	return os.Open(m.path)
}
