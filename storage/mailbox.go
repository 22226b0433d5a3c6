package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
)

// Mailbox is one user's message collection. It is owned by a single session
// and is not safe for concurrent use; concurrency between sessions is
// handled at the file level.
type Mailbox struct {
	store    *Store
	username string
	dir      string
	messages []*Message // nil until authenticated
}

func (m *Mailbox) Username() string {
	return m.username
}

// Dir returns the directory holding the messages of this mailbox.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Authenticated reports whether the message list has been loaded.
func (m *Mailbox) Authenticated() bool {
	return m.messages != nil
}

// Authenticate checks password and, on success, loads the message list.
// A mailbox without a directory is empty.
func (m *Mailbox) Authenticate(password string) error {
	if !m.store.registry.Verify(m.username, password) {
		return consts.ErrNotAuthenticated
	}

	messages, err := m.load()
	if err != nil {
		return fmt.Errorf("load mailbox %s: %w", m.username, err)
	}
	m.messages = messages
	return nil
}

func (m *Mailbox) load() ([]*Message, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Message{}, nil
		}
		return nil, err
	}

	messages := make([]*Message, 0, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.HasSuffix(e.Name(), consts.MessageFileSuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed by another session between listing and stat.
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		messages = append(messages, &Message{
			path: filepath.Join(m.dir, e.Name()),
			name: e.Name(),
			size: info.Size(),
		})
	}

	sort.Slice(messages, func(i, j int) bool {
		return messages[i].name < messages[j].name
	})
	return messages, nil
}

// Messages returns the loaded snapshot, tagged messages included.
func (m *Mailbox) Messages() ([]*Message, error) {
	if m.messages == nil {
		return nil, consts.ErrNotAuthenticated
	}
	return m.messages, nil
}

// Size returns the number of messages, optionally counting tagged ones.
func (m *Mailbox) Size(includeDeleted bool) (int, error) {
	if m.messages == nil {
		return 0, consts.ErrNotAuthenticated
	}
	if includeDeleted {
		return len(m.messages), nil
	}
	n := 0
	for _, msg := range m.messages {
		if !msg.Deleted() {
			n++
		}
	}
	return n, nil
}

// TotalBytes returns the summed message sizes, optionally counting tagged ones.
func (m *Mailbox) TotalBytes(includeDeleted bool) (int64, error) {
	if m.messages == nil {
		return 0, consts.ErrNotAuthenticated
	}
	var total int64
	for _, msg := range m.messages {
		if includeDeleted || !msg.Deleted() {
			total += msg.size
		}
	}
	return total, nil
}

// Message returns the message at the 1-based index. Tagged messages are
// returned too; callers check Deleted.
func (m *Mailbox) Message(index int) (*Message, error) {
	if m.messages == nil {
		return nil, consts.ErrNotAuthenticated
	}
	if index < 1 || index > len(m.messages) {
		return nil, fmt.Errorf("%w: %d", consts.ErrIndexOutOfRange, index)
	}
	return m.messages[index-1], nil
}

// ResetTags clears every deletion tag and returns how many were cleared.
func (m *Mailbox) ResetTags() (int, error) {
	if m.messages == nil {
		return 0, consts.ErrNotAuthenticated
	}
	n := 0
	for _, msg := range m.messages {
		if msg.state == StateTagged {
			msg.Untag()
			n++
		}
	}
	return n, nil
}

// PurgeTagged removes the files of every tagged message in this snapshot.
// It does nothing for a mailbox that was never authenticated. Files that are
// already gone count as purged.
func (m *Mailbox) PurgeTagged() (int, error) {
	if m.messages == nil {
		return 0, nil
	}

	var result *multierror.Error
	purged := 0
	for _, msg := range m.messages {
		if msg.state != StateTagged {
			continue
		}
		if err := os.Remove(msg.path); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", msg.name, err))
			continue
		}
		msg.state = StatePurged
		purged++
	}

	if purged > 0 {
		logger.Debug("Storage: purged tagged messages", "user", m.username, "count", purged)
	}
	return purged, result.ErrorOrNil()
}

// NewMessageSink opens a receptacle for one new message in this mailbox.
// It does not require authentication.
func (m *Mailbox) NewMessageSink() (*MessageSink, error) {
	return newMessageSink(m)
}
