package enginerpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseReplyStrictJSON(t *testing.T) {
	raw := []byte("HTTP/1.0 200 OK\r\n" +
		"Server: Tractor-engine/2.3\r\n" +
		"X-Tractor-Lmt: abc123\r\n" +
		"X-Tractor-STUN: 10.0.0.5:9001\r\n" +
		"Content-Type: application/json\r\n" +
		"Content-Length: 18\r\n" +
		"\r\n" +
		`{"err":0,"ok":true}`)

	reply, err := parseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, reply.ErrCode)
	assert.Equal(t, "abc123", reply.Lmt)
	assert.Equal(t, "10.0.0.5:9001", reply.Stun)
	assert.Equal(t, true, reply.Body["ok"])
}

func TestParseReplyLegacyPermissive(t *testing.T) {
	raw := []byte("HTTP/1.0 200 OK\r\n" +
		"Server: Tractor-engine/1.4\r\n" +
		"\r\n" +
		`{err: -91, msg: 'stop retrying', challenge: None}`)

	reply, err := parseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, -91, reply.ErrCode)
	assert.Equal(t, "stop retrying", reply.Body["msg"])
	assert.Nil(t, reply.Body["challenge"])
}

func TestParseReplyEmptyBody(t *testing.T) {
	raw := []byte("HTTP/1.0 204 No Content\r\n\r\n")
	reply, err := parseReply(raw)
	require.NoError(t, err)
	assert.Equal(t, 204, reply.ErrCode)
	assert.Empty(t, reply.Body)
}

func TestIsLegacyServer(t *testing.T) {
	assert.False(t, isLegacyServer("Tractor-engine/1.6.2"))
	assert.True(t, isLegacyServer("Tractor-engine/1.4.0"))
	assert.True(t, isLegacyServer("Tractor-engine/0.9"))
	assert.False(t, isLegacyServer(""))
}

func TestInternalPasswordHash(t *testing.T) {
	h := InternalPasswordHash("ab", "xy")
	require.Len(t, h, 1+2*2) // "1" + 2 hex bytes
	assert.Equal(t, "1", h[:1])
}
