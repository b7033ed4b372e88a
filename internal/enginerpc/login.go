package enginerpc

import (
	"context"
	"encoding/hex"
	"fmt"
)

// PasswordHashFunc mirrors the site-overridable hash function the
// original client loads from trSiteFunctions.py; the built-in default
// below is the "PAM-style" XOR-and-hex scheme from TrHttpRPC.py,
// provided so a site module can swap in a different one without this
// package caring which.
type PasswordHashFunc func(passwd, challenge string) string

// InternalPasswordHash XORs each password byte against the matching
// challenge byte and hex-encodes the result, prefixed with a "1" variant
// marker — ported semantics from trInternalPasswordHash, intended only
// for use over a trusted LAN/VPN link to the engine.
func InternalPasswordHash(passwd, challenge string) string {
	n := len(passwd)
	if len(challenge) < n {
		n = len(challenge)
	}
	out := make([]byte, 0, n)
	for i := 0; i < n; i++ {
		k := passwd[i] ^ challenge[i]
		out = append(out, k)
	}
	return "1" + hex.EncodeToString(out)
}

// Login performs the challenge/response handshake (spec §4.2): request a
// challenge token, hash the password against it, submit, and retain the
// session id from the reply for subsequent Transaction calls.
func (c *Client) Login(ctx context.Context, user, passwd string, hashFn PasswordHashFunc) error {
	if hashFn == nil {
		hashFn = InternalPasswordHash
	}

	loginVerb := fmt.Sprintf("monitor?q=login&user=%s", urlEncode(user))
	if passwd != "" {
		reply, err := c.Transaction(ctx, "monitor?q=gentoken", "", nil)
		if err != nil {
			return fmt.Errorf("generate challenge token: %w", err)
		}
		challenge, _ := reply.Body["challenge"].(string)
		if challenge == "" {
			return fmt.Errorf("engine did not return a challenge token")
		}
		encoded := hashFn(passwd, challenge)
		loginVerb += "&c=" + urlEncode(challenge+"|"+encoded)
	}

	reply, err := c.Transaction(ctx, loginVerb, "", nil)
	if err != nil {
		return fmt.Errorf("login transaction: %w", err)
	}
	if reply.ErrCode != 0 {
		return fmt.Errorf("tractor login failed: code=%d msg=%v", reply.ErrCode, reply.Body["msg"])
	}
	if tsid, ok := reply.Body["tsid"].(string); ok {
		c.tsid = tsid
	}
	return nil
}

// PasswordRequired probes the engine's login scheme the way the original
// client does before attempting any login flow, so a passwordless engine
// never triggers a gentoken round-trip.
func (c *Client) PasswordRequired(ctx context.Context) (bool, error) {
	reply, err := c.Transaction(ctx, "monitor?q=loginscheme", "", nil)
	if err != nil {
		return false, err
	}
	required, _ := reply.Body["required"].(bool)
	return required, nil
}
