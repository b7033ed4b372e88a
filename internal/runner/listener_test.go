package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tractor-project/blade/internal/model"
)

func TestHandleHTTPRequestPing(t *testing.T) {
	r := newTestRunner(t)
	req := &httpRequest{verb: "ping", query: map[string][]string{}, respCh: make(chan httpAnswer, 1)}
	r.handleHTTPRequest(context.Background(), req)
	ans := <-req.respCh
	assert.Equal(t, 200, ans.status)
	assert.Equal(t, "pong", ans.body["bladereply"])
}

func TestHandleHTTPRequestShutdownTransitionsRunState(t *testing.T) {
	r := newTestRunner(t)
	req := &httpRequest{verb: "shutdown", query: map[string][]string{}, respCh: make(chan httpAnswer, 1)}
	r.handleHTTPRequest(context.Background(), req)
	assert.Equal(t, model.RunShutdown, r.runState)
	<-req.respCh
}

func TestHandleHTTPRequestUnknownVerbIs404(t *testing.T) {
	r := newTestRunner(t)
	req := &httpRequest{verb: "bogus", query: map[string][]string{}, respCh: make(chan httpAnswer, 1)}
	r.handleHTTPRequest(context.Background(), req)
	ans := <-req.respCh
	assert.Equal(t, 404, ans.status)
}

func TestHandleJDeleteSweepsMatchingCommands(t *testing.T) {
	r := newTestRunner(t)
	r.track.Add(&model.Command{JID: 7, CID: 1})
	r.track.Add(&model.Command{JID: 7, CID: 2})
	r.track.Add(&model.Command{JID: 8, CID: 3})

	ans := r.handleJDelete(map[string][]string{"jid": {"7"}})
	assert.Equal(t, 200, ans.status)
	assert.Equal(t, 2, ans.body["swept"])
}

func TestHandleJDeleteFiltersByCIDList(t *testing.T) {
	r := newTestRunner(t)
	r.track.Add(&model.Command{JID: 7, CID: 1})
	r.track.Add(&model.Command{JID: 7, CID: 2})

	ans := r.handleJDelete(map[string][]string{"jid": {"7"}, "cids": {"2"}})
	assert.Equal(t, 1, ans.body["swept"])
}

func TestHandleJValidate(t *testing.T) {
	r := newTestRunner(t)
	r.track.Add(&model.Command{JID: 9, CID: 1})

	ans := r.handleJValidate(map[string][]string{"jid": {"9"}})
	assert.Equal(t, true, ans.body["present"])

	ans = r.handleJValidate(map[string][]string{"jid": {"123"}})
	assert.Equal(t, false, ans.body["present"])
}

func TestHandleCtrlSetsNimby(t *testing.T) {
	r := newTestRunner(t)
	ans := r.handleCtrl(map[string][]string{"nimby": {"bob"}})
	require.Equal(t, 200, ans.status)
	assert.Equal(t, 0, ans.body["rc"])
	assert.Equal(t, "nimby bob", ans.body["msg"])
	assert.Equal(t, "bob", r.nimbyOverride)
}

func TestHandleCtrlNimbyRequiresVerificationUnderPolicy(t *testing.T) {
	r := newTestRunner(t)
	r.currentProfile().NimbyConnectPolicy = 2.0

	ans := r.handleCtrl(map[string][]string{"nimby": {"alice"}})
	assert.Equal(t, 2, ans.body["rc"])
	assert.Equal(t, "nimby verification failed", ans.body["msg"])
	assert.NotEqual(t, "alice", r.nimbyOverride, "an unverified request must not change nimbyOverride")
}

func TestVerifyNimbyConnectRejectsMissingFields(t *testing.T) {
	r := newTestRunner(t)
	assert.False(t, r.verifyNimbyConnect("", "1.2.3.4"))
	assert.False(t, r.verifyNimbyConnect("sometoken", ""))
}

func TestVerifyNimbyConnectRejectsStaleToken(t *testing.T) {
	r := newTestRunner(t)
	assert.False(t, r.verifyNimbyConnect("not-the-cached-lmt", "127.0.0.1"))
}

func TestHandleCtrlWakeResetsBackoff(t *testing.T) {
	r := newTestRunner(t)
	r.backoff = 30 * time.Second
	r.handleCtrl(map[string][]string{"wake": {"1"}})
	assert.Equal(t, time.Duration(0), r.backoff)
}

func TestFirstAndFirstIntHelpers(t *testing.T) {
	assert.Equal(t, "", first(nil))
	assert.Equal(t, "x", first([]string{"x", "y"}))
	assert.Equal(t, int64(0), firstInt([]string{"notanumber"}))
	assert.Equal(t, int64(42), firstInt([]string{"42"}))
}

func TestContainsInt64(t *testing.T) {
	assert.True(t, containsInt64([]int64{1, 2, 3}, 2))
	assert.False(t, containsInt64([]int64{1, 2, 3}, 9))
}
