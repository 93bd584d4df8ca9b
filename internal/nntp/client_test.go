package nntp

import (
	"bufio"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfloren/nzbstream/internal/domain"
)

// fakeNNTPServer speaks just enough line protocol to exercise the client.
type fakeNNTPServer struct {
	ln       net.Listener
	password string
}

func startFakeNNTPServer(t *testing.T) *fakeNNTPServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &fakeNNTPServer{ln: ln, password: "s3cret"}
	go s.serve()
	return s
}

func (s *fakeNNTPServer) addr() (string, int) {
	addr := s.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *fakeNNTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeNNTPServer) handle(conn net.Conn) {
	defer conn.Close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	write := func(lines ...string) {
		for _, l := range lines {
			w.WriteString(l + "\r\n")
		}
		w.Flush()
	}

	write("200 fake news at your service")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "AUTHINFO USER"):
			write("381 password required")
		case strings.HasPrefix(line, "AUTHINFO PASS"):
			if strings.HasSuffix(line, s.password) {
				write("281 authentication accepted")
			} else {
				write("481 authentication rejected")
			}
		case line == "DATE":
			write("111 20240601120000")
		case strings.HasPrefix(line, "STAT <gone@"):
			write("430 no such article")
		case strings.HasPrefix(line, "STAT"):
			write("223 0 " + strings.TrimPrefix(line, "STAT "))
		case strings.HasPrefix(line, "HEAD"):
			write("221 headers follow",
				"Subject: test article",
				"Message-Id: "+strings.TrimPrefix(line, "HEAD "),
				".")
		case strings.HasPrefix(line, "BODY"):
			write("222 body follows",
				"=ybegin part=1 size=2048 name=test.bin",
				"first line of payload",
				"second line of payload",
				".")
		case line == "QUIT":
			write("205 goodbye")
			return
		default:
			write("500 what")
		}
	}
}

func (s *fakeNNTPServer) record(user string) domain.ProviderRecord {
	host, port := s.addr()
	return domain.ProviderRecord{
		Name:           "fake",
		Host:           host,
		Port:           port,
		Username:       user,
		Password:       s.password,
		MaxConnections: 2,
	}
}

func TestClientDialAndAuth(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record("alice"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Stat(context.Background(), "m1@example"))
}

func TestClientAuthRejected(t *testing.T) {
	srv := startFakeNNTPServer(t)

	rec := srv.record("alice")
	rec.Password = "wrong"

	_, err := Dial(context.Background(), rec)
	assert.ErrorIs(t, err, domain.ErrCannotAuthenticate)
}

func TestClientDialRefused(t *testing.T) {
	// Grab a port and close it again so nothing is listening
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	_, err = Dial(context.Background(), domain.ProviderRecord{
		Name: "dead", Host: addr.IP.String(), Port: addr.Port, MaxConnections: 1,
	})
	assert.ErrorIs(t, err, domain.ErrCannotConnect)
}

func TestClientStatMissingArticle(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record(""))
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Stat(context.Background(), "gone@example")
	assert.ErrorIs(t, err, domain.ErrArticleMissing)
}

func TestClientDate(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record(""))
	require.NoError(t, err)
	defer conn.Close()

	d, err := conn.Date(context.Background())
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), d)
}

func TestClientHead(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record(""))
	require.NoError(t, err)
	defer conn.Close()

	hdr, err := conn.Head(context.Background(), "m1@example")
	require.NoError(t, err)
	assert.Equal(t, "test article", hdr.Get("Subject"))
}

func TestClientBodyAndReadiness(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record(""))
	require.NoError(t, err)
	defer conn.Close()

	body, err := conn.Body(context.Background(), "m1@example")
	require.NoError(t, err)

	// Mid-stream the session is not ready
	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, conn.WaitUntilReady(shortCtx), context.DeadlineExceeded)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Contains(t, string(data), "first line of payload")
	require.NoError(t, body.Close())

	// Fully drained: ready again, and usable for the next command
	require.NoError(t, conn.WaitUntilReady(context.Background()))
	require.NoError(t, conn.Stat(context.Background(), "m2@example"))
}

func TestClientBodyCloseDrains(t *testing.T) {
	srv := startFakeNNTPServer(t)

	conn, err := Dial(context.Background(), srv.record(""))
	require.NoError(t, err)
	defer conn.Close()

	body, err := conn.Body(context.Background(), "m1@example")
	require.NoError(t, err)

	// Close after a partial read: the remainder must be drained off the wire
	buf := make([]byte, 4)
	_, err = body.Read(buf)
	require.NoError(t, err)
	require.NoError(t, body.Close())

	require.NoError(t, conn.WaitUntilReady(context.Background()))
	require.NoError(t, conn.Stat(context.Background(), "m2@example"))
}
