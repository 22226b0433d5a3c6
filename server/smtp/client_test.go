package smtp

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, srv *SMTPServer) (string, <-chan error) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(listener)
	}()
	return listener.Addr().String(), errCh
}

func TestClientDelivery(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxMessageSize: 1 << 20})
	addr, errCh := serve(t, srv)

	c, err := gosmtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example"))
	require.NoError(t, c.Mail("sender@example.com", nil))
	require.NoError(t, c.Rcpt("bob@example.com", nil))

	err = c.Rcpt("nouser@example.com", nil)
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 550, smtpErr.Code)

	require.NoError(t, c.Rcpt("alice@example.com", nil))

	body := "From: sender@example.com\r\nSubject: test\r\n\r\n.leading dot\r\nlast line\r\n"
	wc, err := c.Data()
	require.NoError(t, err)
	_, err = wc.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, wc.Close())
	require.NoError(t, c.Quit())

	assert.Equal(t, []string{body}, storedMessages(t, srv, "bob"))
	assert.Equal(t, []string{body}, storedMessages(t, srv, "alice"))

	srv.Close()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

func TestClientSequenceError(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	addr, _ := serve(t, srv)

	c, err := gosmtp.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Hello("client.example"))
	_, err = c.Data()
	var smtpErr *gosmtp.SMTPError
	require.ErrorAs(t, err, &smtpErr)
	assert.Equal(t, 503, smtpErr.Code)
}

func TestServerConnectionLimit(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{MaxConnectionsPerIP: 1})
	addr, _ := serve(t, srv)

	first, err := gosmtp.Dial(addr)
	require.NoError(t, err)
	defer first.Close()

	// The greeting may be read by Dial or by the first command
	second, err := gosmtp.Dial(addr)
	if err == nil {
		defer second.Close()
		err = second.Hello("client.example")
	}
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "Too many connections"), err.Error())

	stats := srv.ConnectionStats()
	assert.Equal(t, "smtp", stats.Protocol)
	assert.Equal(t, int64(1), stats.IPConnections["127.0.0.1"])
}

func TestServerShutdownSends421(t *testing.T) {
	srv := newTestServer(t, SMTPServerOptions{})
	addr, _ := serve(t, srv)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	require.True(t, strings.HasPrefix(c.readLine(), "220 "))
	require.Eventually(t, func() bool { return srv.GetTotalConnections() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.Close()
	assert.Equal(t, "421 "+testHostname+" Service shutting down, closing transmission channel", c.readLine())
}
