// Package credentials holds the read-only user registry shared by every
// session. The registry is read from a plain text file with one
// "username password" pair per line; the password is the remainder of the
// line after the first space and may be a bcrypt hash.
package credentials

import (
	"bufio"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ternmail/tern/helpers"
	"github.com/ternmail/tern/logger"
	"golang.org/x/crypto/bcrypt"
)

const blfCryptPrefix = "{BLF-CRYPT}"

// Registry maps usernames to passwords. It is loaded at most once and never
// modified afterwards, so concurrent readers need no locking.
type Registry struct {
	path    string
	once    sync.Once
	users   map[string]string
	loadErr error
}

// NewRegistry returns a registry backed by the file at path. The file is read
// on first use, or earlier through Load.
func NewRegistry(path string) *Registry {
	return &Registry{path: path}
}

// NewStaticRegistry returns an already loaded registry holding a copy of users.
func NewStaticRegistry(users map[string]string) *Registry {
	r := &Registry{users: make(map[string]string, len(users))}
	for u, p := range users {
		r.users[u] = p
	}
	r.once.Do(func() {})
	return r
}

// Load reads the backing file if that has not happened yet. A missing or
// unreadable file leaves the registry empty; the returned error is only
// informational.
func (r *Registry) Load() error {
	r.once.Do(func() {
		r.users, r.loadErr = loadFile(r.path)
		if r.loadErr != nil {
			if os.IsNotExist(r.loadErr) {
				logger.Warn("Credentials: users file not found, no users registered", "path", r.path)
			} else {
				logger.Warn("Credentials: failed to read users file, no users registered", "path", r.path, "error", r.loadErr)
			}
			return
		}
		logger.Info("Credentials: loaded users", "path", r.path, "count", len(r.users))
	})
	return r.loadErr
}

func loadFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return map[string]string{}, err
	}
	defer f.Close()

	users, err := Parse(f)
	if err != nil {
		return map[string]string{}, fmt.Errorf("read %s: %w", path, err)
	}
	return users, nil
}

// Parse reads "username password" lines. Blank lines, lines starting with
// '#' and lines without a password are skipped. A later entry for the same
// username replaces an earlier one.
func Parse(rd io.Reader) (map[string]string, error) {
	users := make(map[string]string)
	scanner := bufio.NewScanner(rd)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		username, password, ok := strings.Cut(line, " ")
		if !ok || username == "" || password == "" {
			logger.Debug("Credentials: skipping malformed line", "line", lineNo)
			continue
		}
		if _, dup := users[username]; dup {
			logger.Warn("Credentials: duplicate username, later entry wins", "username", username, "line", lineNo)
		}
		users[username] = password
	}
	return users, scanner.Err()
}

// Lookup returns the stored password (or hash) for username.
func (r *Registry) Lookup(username string) (string, bool) {
	r.Load()
	p, ok := r.users[username]
	return p, ok
}

// IsValidUser reports whether username is registered.
func (r *Registry) IsValidUser(username string) bool {
	_, ok := r.Lookup(username)
	return ok
}

// Verify reports whether password matches the entry for username. Unknown
// users never verify.
func (r *Registry) Verify(username, password string) bool {
	stored, ok := r.Lookup(username)
	if !ok {
		return false
	}
	return verifyPassword(stored, password) == nil
}

// Resolve maps a mail address to a registered username. The address is
// tried as is first, then by its local part.
func (r *Registry) Resolve(address string) (string, bool) {
	if address == "" {
		return "", false
	}
	if r.IsValidUser(address) {
		return address, true
	}
	local, domain := helpers.SplitEmailAddress(address)
	if domain != "" && r.IsValidUser(local) {
		return local, true
	}
	return "", false
}

// Len returns the number of registered users.
func (r *Registry) Len() int {
	r.Load()
	return len(r.users)
}

func verifyPassword(stored, password string) error {
	hash := strings.TrimPrefix(stored, blfCryptPrefix)
	switch {
	case strings.HasPrefix(hash, "$2a$"),
		strings.HasPrefix(hash, "$2b$"),
		strings.HasPrefix(hash, "$2y$"):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return fmt.Errorf("password mismatch")
	}
	return nil
}
