package runner

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/tractor-project/blade/internal/model"
)

// bulletinFlags packs the handful of sticky per-command booleans the
// engine's live-status display cares about into the single "flags" slot
// of the UDP bulletin (spec §6.3).
func bulletinFlags(c *model.Command) int {
	flags := 0
	if c.Inv.MustDie {
		flags |= 1
	}
	if c.Inv.WasSwept {
		flags |= 2
	}
	if c.Inv.HasEverLogged {
		flags |= 4
	}
	return flags
}

// sendBulletin fires one "ts-0.3" progress datagram to engineHost:
// enginePort (spec §6.3). Bulletins are fire-and-forget: a dropped UDP
// packet just means the engine's live display lags one update, never a
// reason to block or retry the tick loop.
func (r *Runner) sendBulletin(c *model.Command, code model.Progress) {
	addr := net.JoinHostPort(r.cfg.EngineHost, fmt.Sprintf("%d", r.cfg.EnginePort))
	conn, err := net.DialTimeout("udp", addr, 2*time.Second)
	if err != nil {
		r.logger.Debug("bulletin dial failed", "err", err)
		return
	}
	defer conn.Close()

	payload := map[string]any{
		"ts-0.3": []any{
			c.Login,
			c.JID,
			c.TID,
			c.CID,
			string(code),
			bulletinFlags(c),
			fmt.Sprintf("%s/%s", r.bladeHostName(), r.listenAddr()),
			r.cfg.ListenPort,
		},
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		r.logger.Debug("bulletin marshal failed", "err", err)
		return
	}
	if _, err := conn.Write(buf); err != nil {
		r.logger.Debug("bulletin write failed", "err", err)
	}
}

// listenAddr reports the blade's own listening address, falling back to
// a probed local address when ListenIface was left unset.
func (r *Runner) listenAddr() string {
	if r.cfg.ListenIface != "" {
		return r.cfg.ListenIface
	}
	for _, a := range r.facts.Addrs {
		return a
	}
	return ""
}
