package credentials

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeUsers(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestParse(t *testing.T) {
	users, err := Parse(strings.NewReader("alice secret\r\nbob pass word with spaces\n\n# comment\nnopassword\n carol x\n"))
	require.NoError(t, err)

	assert.Equal(t, "secret", users["alice"])
	assert.Equal(t, "pass word with spaces", users["bob"])
	assert.NotContains(t, users, "nopassword")
	assert.NotContains(t, users, "")
	assert.Len(t, users, 2)
}

func TestParseSkipsEmptyPassword(t *testing.T) {
	users, err := Parse(strings.NewReader("alice \nbob hunter2\n"))
	require.NoError(t, err)
	assert.NotContains(t, users, "alice")
	assert.Equal(t, map[string]string{"bob": "hunter2"}, users)
}

func TestParseDuplicateLaterWins(t *testing.T) {
	users, err := Parse(strings.NewReader("alice one\nalice two\n"))
	require.NoError(t, err)
	assert.Equal(t, "two", users["alice"])
}

func TestRegistryFromFile(t *testing.T) {
	reg := NewRegistry(writeUsers(t, "alice secret\nbob hunter2\n"))

	require.NoError(t, reg.Load())
	assert.Equal(t, 2, reg.Len())
	assert.True(t, reg.IsValidUser("alice"))
	assert.False(t, reg.IsValidUser("mallory"))

	pw, ok := reg.Lookup("bob")
	assert.True(t, ok)
	assert.Equal(t, "hunter2", pw)

	assert.True(t, reg.Verify("alice", "secret"))
	assert.False(t, reg.Verify("alice", "Secret"))
	assert.False(t, reg.Verify("mallory", "secret"))
}

func TestRegistryMissingFile(t *testing.T) {
	reg := NewRegistry(filepath.Join(t.TempDir(), "absent.txt"))

	err := reg.Load()
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 0, reg.Len())
	assert.False(t, reg.IsValidUser("alice"))
}

func TestRegistryLoadsOnce(t *testing.T) {
	path := writeUsers(t, "alice secret\n")
	reg := NewRegistry(path)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, reg.IsValidUser("alice"))
		}()
	}
	wg.Wait()

	// Changes on disk are not picked up after the first load.
	require.NoError(t, os.WriteFile(path, []byte("bob x\n"), 0600))
	assert.True(t, reg.IsValidUser("alice"))
	assert.False(t, reg.IsValidUser("bob"))
}

func TestRegistryBcrypt(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	reg := NewStaticRegistry(map[string]string{
		"alice": string(hash),
		"bob":   blfCryptPrefix + string(hash),
	})

	assert.True(t, reg.Verify("alice", "secret"))
	assert.False(t, reg.Verify("alice", "wrong"))
	assert.True(t, reg.Verify("bob", "secret"))
}

func TestRegistryResolve(t *testing.T) {
	reg := NewStaticRegistry(map[string]string{
		"alice":           "a",
		"bob@example.com": "b",
	})

	tests := []struct {
		address string
		want    string
		ok      bool
	}{
		{"alice", "alice", true},
		{"alice@example.com", "alice", true},
		{"bob@example.com", "bob@example.com", true},
		{"bob", "", false},
		{"carol@example.com", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			got, ok := reg.Resolve(tt.address)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
