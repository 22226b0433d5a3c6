package smtp

import (
	"bufio"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternmail/tern/pkg/credentials"
	"github.com/ternmail/tern/server"
	"github.com/ternmail/tern/storage"
)

const testHostname = "mail.test"

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (c *testClient) sendRaw(data string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(data))
	require.NoError(c.t, err)
}

func (c *testClient) send(line string) {
	c.t.Helper()
	c.sendRaw(line + "\r\n")
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (c *testClient) cmd(line string) string {
	c.t.Helper()
	c.send(line)
	return c.readLine()
}

// readReply reads every line of a possibly multi-line reply.
func (c *testClient) readReply() []string {
	c.t.Helper()
	var lines []string
	for {
		line := c.readLine()
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines
		}
	}
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	_, err := c.r.ReadString('\n')
	assert.ErrorIs(c.t, err, io.EOF)
}

func newTestServer(t *testing.T, options SMTPServerOptions) *SMTPServer {
	t.Helper()
	reg := credentials.NewStaticRegistry(map[string]string{
		"alice": "secret",
		"bob":   "hunter2",
	})
	store := storage.New(t.TempDir(), reg)

	srv, err := New(context.Background(), "test", testHostname, "127.0.0.1:0", store, options)
	require.NoError(t, err)
	srv.drainTimeout = time.Second
	t.Cleanup(srv.Close)
	return srv
}

func startSession(t *testing.T, srv *SMTPServer) (*testClient, <-chan struct{}) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	session := srv.newSession(serverConn, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		session.handleConnection()
	}()
	t.Cleanup(func() {
		clientConn.Close()
		<-done
	})

	c := &testClient{t: t, conn: clientConn, r: bufio.NewReader(clientConn)}
	require.Equal(t, "220 "+testHostname+" ESMTP tern ready", c.readLine())
	return c, done
}

// storedMessages returns the contents of user's messages in delivery order.
func storedMessages(t *testing.T, srv *SMTPServer, user string) []string {
	t.Helper()
	dir := filepath.Join(srv.store.Root(), user)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".mail") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var contents []string
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		contents = append(contents, string(data))
	}
	return contents
}

func greet(t *testing.T, c *testClient) {
	t.Helper()
	require.Equal(t, "250 "+testHostname+" Hello client.example", c.cmd("HELO client.example"))
}

func TestEhloAdvertisesExtensions(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	c.send("EHLO client.example")
	assert.Equal(t, []string{
		"250-" + testHostname + " Hello client.example",
		"250-SIZE",
		"250 HELP",
	}, c.readReply())
}

func TestEhloAdvertisesSizeLimit(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxMessageSize: 1024})
	c, _ := startSession(t, srv)

	c.send("EHLO client.example")
	assert.Contains(t, c.readReply(), "250-SIZE 1024")
}

func TestHelloRequiresArgument(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "501 Syntax: EHLO hostname", c.cmd("EHLO"))
	assert.Equal(t, "501 Syntax: HELO hostname", c.cmd("HELO"))
	assert.Equal(t, "503 Bad sequence of commands: send HELO/EHLO first", c.cmd("MAIL FROM:<a@x>"))
}

func TestSequenceErrors(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "503 Bad sequence of commands: send HELO/EHLO first", c.cmd("MAIL FROM:<a@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need MAIL first", c.cmd("RCPT TO:<bob@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))

	greet(t, c)
	assert.Equal(t, "503 Bad sequence of commands: need MAIL first", c.cmd("RCPT TO:<bob@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))

	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<a@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))
	assert.Equal(t, "550 No such user here", c.cmd("RCPT TO:<nouser@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))
}

func TestSyntaxErrors(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	for _, line := range []string{"MAIL", "MAIL bob", "MAIL FROM:bob", "MAIL TO:<bob@x>", "MAIL FROM:<a@x"} {
		assert.Equal(t, "501 Syntax: MAIL FROM:<address>", c.cmd(line), line)
	}

	require.Equal(t, "250 OK", c.cmd("mail from:<a@x>"))
	for _, line := range []string{"RCPT", "RCPT TO:bob", "RCPT TO:<>", "RCPT FROM:<bob@x>"} {
		assert.Equal(t, "501 Syntax: RCPT TO:<address>", c.cmd(line), line)
	}
	assert.Equal(t, "250 OK", c.cmd("rcpt to:<bob@x>"))
}

func TestNullSenderIsAccepted(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<bob@x>"))
}

func TestDeliveryScenario(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	c.send("EHLO client.example")
	c.readReply()
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<a@x>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<bob@x>"))
	assert.Equal(t, "550 No such user here", c.cmd("RCPT TO:<nouser@x>"))
	assert.Equal(t, "354 End data with <CR><LF>.<CR><LF>", c.cmd("DATA"))

	c.sendRaw("Subject: hi\r\n\r\n..dot\r\nbody\r\n.\r\n")
	assert.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, []string{"Subject: hi\r\n\r\n.dot\r\nbody\r\n"}, storedMessages(t, srv, "bob"))
	assert.Empty(t, storedMessages(t, srv, "alice"))
}

func TestDataPreservesLineTerminators(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<alice>")
	require.Equal(t, "354 End data with <CR><LF>.<CR><LF>", c.cmd("DATA"))
	c.sendRaw("unix\nwindows\r\n.\n")
	assert.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, []string{"unix\nwindows\r\n"}, storedMessages(t, srv, "alice"))
}

func TestMultipleAndDuplicateRecipients(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<alice@example.com>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<bob@example.org>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<bob@example.org>"))
	c.cmd("DATA")
	c.sendRaw("same bytes\r\n.\r\n")
	require.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, []string{"same bytes\r\n"}, storedMessages(t, srv, "alice"))
	assert.Equal(t, []string{"same bytes\r\n", "same bytes\r\n"}, storedMessages(t, srv, "bob"))
}

func TestTransactionResetsAfterData(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	c.cmd("DATA")
	c.sendRaw("one\r\n.\r\n")
	require.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, "503 Bad sequence of commands: need MAIL first", c.cmd("RCPT TO:<bob@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))

	// Still greeted: a second transaction works
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<a@x>"))
	assert.Equal(t, "250 OK", c.cmd("RCPT TO:<bob@x>"))
	c.cmd("DATA")
	c.sendRaw("two\r\n.\r\n")
	require.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, []string{"one\r\n", "two\r\n"}, storedMessages(t, srv, "bob"))
}

func TestMailClearsRecipients(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<b@x>"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))
}

func TestRset(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "250 OK", c.cmd("RSET"))

	greet(t, c)
	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	assert.Equal(t, "250 OK", c.cmd("RSET"))
	assert.Equal(t, "503 Bad sequence of commands: need RCPT first", c.cmd("DATA"))

	// RSET keeps the greeting
	assert.Equal(t, "250 OK", c.cmd("MAIL FROM:<a@x>"))
}

func TestVrfy(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	// Usable before EHLO
	assert.Equal(t, "250 bob", c.cmd("VRFY bob"))
	assert.Equal(t, "250 alice", c.cmd("VRFY <alice@example.com>"))
	assert.Equal(t, "550 No such user here", c.cmd("VRFY nobody"))
	assert.Equal(t, "501 Syntax: VRFY <address>", c.cmd("VRFY"))
}

func TestMiscCommands(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	c.send("")
	assert.Equal(t, "250 OK", c.cmd("noop"))
	assert.True(t, strings.HasPrefix(c.cmd("HELP"), "214 "))
	assert.Equal(t, "502 Command not implemented", c.cmd("TURN"))
	assert.Equal(t, "502 Command not implemented", c.cmd("STARTTLS"))
	assert.Equal(t, "250 OK", c.cmd("NOOP"))
}

func TestQuit(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, done := startSession(t, srv)
	greet(t, c)

	assert.Equal(t, "221 Bye", c.cmd("QUIT"))
	<-done
	c.expectClosed()
	assert.Equal(t, int64(0), srv.GetTotalConnections())
	assert.Equal(t, int64(0), srv.GetAuthenticatedConnections())
}

func TestDeliveryFailureClosesConnection(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	// bob's mailbox directory cannot be created
	require.NoError(t, os.WriteFile(filepath.Join(srv.store.Root(), "bob"), []byte("not a directory"), 0600))

	c, done := startSession(t, srv)
	greet(t, c)
	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<alice@x>")
	c.cmd("RCPT TO:<bob@x>")
	require.Equal(t, "354 End data with <CR><LF>.<CR><LF>", c.cmd("DATA"))
	c.sendRaw("hello\r\n.\r\n")

	assert.Equal(t, "451 Requested action aborted: local error in processing", c.readLine())
	<-done
	c.expectClosed()

	// The failure is per recipient: alice's copy was committed
	assert.Equal(t, []string{"hello\r\n"}, storedMessages(t, srv, "alice"))
}

func TestMessageSizeLimit(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxMessageSize: 16})
	c, _ := startSession(t, srv)
	greet(t, c)

	assert.Equal(t, "552 Message size exceeds fixed maximum message size", c.cmd("MAIL FROM:<a@x> SIZE=1000"))

	require.Equal(t, "250 OK", c.cmd("MAIL FROM:<a@x> SIZE=10"))
	c.cmd("RCPT TO:<bob@x>")
	c.cmd("DATA")
	c.sendRaw("this line is longer than sixteen bytes\r\nmore\r\n.\r\n")
	assert.Equal(t, "552 Message size exceeds fixed maximum message size", c.readLine())

	// The session continues with a fresh transaction
	assert.Equal(t, "503 Bad sequence of commands: need MAIL first", c.cmd("RCPT TO:<bob@x>"))
	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	c.cmd("DATA")
	c.sendRaw("short\r\n.\r\n")
	assert.Equal(t, "250 OK: Message received", c.readLine())

	assert.Equal(t, []string{"short\r\n"}, storedMessages(t, srv, "bob"))
}

func TestOversizedDataLineIsDiscarded(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxMessageSize: 64})
	c, _ := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	require.Equal(t, "354 End data with <CR><LF>.<CR><LF>", c.cmd("DATA"))

	// One line far beyond the limit, streamed before any newline arrives
	chunk := strings.Repeat("x", 32*1024)
	for i := 0; i < 8; i++ {
		c.sendRaw(chunk)
	}
	c.sendRaw("\r\n.\r\n")
	assert.Equal(t, "552 Message size exceeds fixed maximum message size", c.readLine())
	assert.Equal(t, "250 OK", c.cmd("NOOP"))
	assert.Empty(t, storedMessages(t, srv, "bob"))
}

func TestOversizedDataLineThenDisconnect(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxMessageSize: 64})
	c, done := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	c.cmd("DATA")
	c.sendRaw(strings.Repeat("y", 256*1024))
	c.conn.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end")
	}
	assert.Empty(t, storedMessages(t, srv, "bob"))
}

func TestLongCommandLineIsRejected(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, _ := startSession(t, srv)

	assert.Equal(t, "500 Line too long", c.cmd("HELO "+strings.Repeat("h", 2*server.MaxCommandLineLength)))
	greet(t, c)
}

func TestServerContextEndsSession(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, done := startSession(t, srv)
	greet(t, c)

	srv.cancel()
	assert.Equal(t, "421 "+testHostname+" Service shutting down, closing transmission channel", c.cmd("NOOP"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after the server context was cancelled")
	}
}

func TestDisconnectDuringDataDeliversNothing(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	c, done := startSession(t, srv)
	greet(t, c)

	c.cmd("MAIL FROM:<a@x>")
	c.cmd("RCPT TO:<bob@x>")
	c.cmd("DATA")
	c.sendRaw("partial line\r\n")
	c.conn.Close()
	<-done

	assert.Empty(t, storedMessages(t, srv, "bob"))
}

func TestIdleTimeout(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{CommandTimeout: 200 * time.Millisecond})
	c, done := startSession(t, srv)

	assert.Equal(t, "421 "+testHostname+" Connection timed out due to inactivity", c.readLine())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end after idle timeout")
	}
}

func TestNewRequiresHostname(t *testing.T) {
	store := storage.New(t.TempDir(), credentials.NewStaticRegistry(nil))
	_, err := New(context.Background(), "test", "", "127.0.0.1:0", store, SMTPServerOptions{})
	assert.Error(t, err)

	_, err = New(context.Background(), "test", testHostname, "127.0.0.1:0", nil, SMTPServerOptions{})
	assert.Error(t, err)
}
