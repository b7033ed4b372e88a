package enginerpc

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngine accepts one connection, reads the request line, and replies
// with a canned HTTP/1.0 response -- enough to exercise Transaction's
// request construction and reply parsing without a real engine.
func fakeEngine(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			l, err := reader.ReadString('\n')
			if err != nil || strings.TrimSpace(l) == "" {
				break
			}
		}
		_, _ = conn.Write([]byte(response))
	}()

	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func TestTransactionRoundTrip(t *testing.T) {
	response := "HTTP/1.0 200 OK\r\nServer: Tractor-engine/2.0\r\nContent-Type: application/json\r\n\r\n" + `{"err":0,"msg":"ok"}`
	addr := fakeEngine(t, response)
	host, port := splitHostPort(t, addr)

	c := New(hclog.NewNullLogger(), host, port, false)
	c.resolved = addr

	reply, err := c.Transaction(context.Background(), "task?q=nextcmd", "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reply.ErrCode)
	assert.Equal(t, "ok", reply.Body["msg"])
}

func TestClassifyConnRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close() // free the port so dialing it refuses

	host, port := splitHostPort(t, addr)
	c := New(hclog.NewNullLogger(), host, port, false)
	c.resolved = addr

	_, err = c.Transaction(context.Background(), "task", "", nil)
	require.Error(t, err)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrConnRefused, te.Kind)
}

func TestBuildRequestIncludesTsid(t *testing.T) {
	c := New(hclog.NewNullLogger(), "engine", 80, false)
	c.tsid = "sess123"
	req := c.buildRequest("task?q=nextcmd", "", nil)
	assert.Contains(t, req, "POST /Tractor/task?q=nextcmd HTTP/1.0")
	assert.Contains(t, req, "Cookie: tsid=sess123")
}

func TestSearchReplyParsing(t *testing.T) {
	raw := "HTTP/1.1 200 OK\r\nST: urn:Pixar:service:TractorEngine:2\r\nSEARCHADDR: 10.0.0.9\r\nSEARCHPORT: 80\r\n\r\n"
	addr, port, ok := parseSearchReply([]byte(raw))
	require.True(t, ok)
	assert.Equal(t, "10.0.0.9", addr)
	assert.Equal(t, "80", port)
}
