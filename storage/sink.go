package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ternmail/tern/consts"
)

// maxClaimAttempts bounds the create-if-absent retry loops.
const maxClaimAttempts = 10000

var lastDiscriminator atomic.Int64

// nextDiscriminator returns a value greater than every value returned
// before by this process, normally the current time in nanoseconds.
func nextDiscriminator() int64 {
	now := time.Now().UnixNano()
	for {
		last := lastDiscriminator.Load()
		next := max(now, last+1)
		if lastDiscriminator.CompareAndSwap(last, next) {
			return next
		}
	}
}

func messageFileName(discriminator int64) string {
	return fmt.Sprintf("%020d%s", discriminator, consts.MessageFileSuffix)
}

// MessageSink receives the content of one new message. Content becomes
// visible in the mailbox only when Close succeeds.
type MessageSink struct {
	mailbox *Mailbox
	file    *os.File
	tmpPath string
	name    string // final file name, set by Close
	done    bool
}

func newMessageSink(m *Mailbox) (*MessageSink, error) {
	tmp := filepath.Join(m.dir, tmpDir)
	if err := os.MkdirAll(tmp, dirPerm); err != nil {
		return nil, fmt.Errorf("create mailbox directory for %s: %w", m.username, err)
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		path := filepath.Join(tmp, fmt.Sprintf("%020d.%d.tmp", nextDiscriminator(), os.Getpid()))
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
		if err == nil {
			return &MessageSink{mailbox: m, file: f, tmpPath: path}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create receptacle for %s: %w", m.username, err)
		}
	}
	return nil, fmt.Errorf("create receptacle for %s: no free name after %d attempts", m.username, maxClaimAttempts)
}

func (s *MessageSink) Write(p []byte) (int, error) {
	if s.done {
		return 0, fs.ErrClosed
	}
	return s.file.Write(p)
}

// Name returns the file name the message was stored under, empty until Close.
func (s *MessageSink) Name() string {
	return s.name
}

// Mailbox returns the mailbox the sink delivers to.
func (s *MessageSink) Mailbox() *Mailbox {
	return s.mailbox
}

// Close syncs the content and links it into the mailbox under the first
// unused discriminator.
func (s *MessageSink) Close() error {
	if s.done {
		return nil
	}
	s.done = true
	defer os.Remove(s.tmpPath)

	if err := s.file.Sync(); err != nil {
		s.file.Close()
		return fmt.Errorf("sync message for %s: %w", s.mailbox.username, err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close message for %s: %w", s.mailbox.username, err)
	}

	disc := nextDiscriminator()
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		name := messageFileName(disc)
		err := os.Link(s.tmpPath, filepath.Join(s.mailbox.dir, name))
		if err == nil {
			s.name = name
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("commit message for %s: %w", s.mailbox.username, err)
		}
		disc = nextDiscriminator()
	}
	return fmt.Errorf("commit message for %s: no free name after %d attempts", s.mailbox.username, maxClaimAttempts)
}

// Abort discards the content.
func (s *MessageSink) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	s.file.Close()
	return os.Remove(s.tmpPath)
}
