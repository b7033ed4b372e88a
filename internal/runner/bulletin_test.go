package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tractor-project/blade/internal/model"
)

func TestBulletinFlagsBitfield(t *testing.T) {
	tests := []struct {
		name string
		inv  model.InvocationState
		want int
	}{
		{"none", model.InvocationState{}, 0},
		{"mustdie", model.InvocationState{MustDie: true}, 1},
		{"swept", model.InvocationState{WasSwept: true}, 2},
		{"everlogged", model.InvocationState{HasEverLogged: true}, 4},
		{"all", model.InvocationState{MustDie: true, WasSwept: true, HasEverLogged: true}, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &model.Command{Inv: tt.inv}
			assert.Equal(t, tt.want, bulletinFlags(c))
		})
	}
}

func TestListenAddrPrefersExplicitIface(t *testing.T) {
	r := newTestRunner(t)
	r.cfg.ListenIface = "10.0.0.9"
	assert.Equal(t, "10.0.0.9", r.listenAddr())
}

func TestListenAddrFallsBackToProbedAddr(t *testing.T) {
	r := newTestRunner(t)
	r.facts.Addrs = []string{"192.168.1.5"}
	assert.Equal(t, "192.168.1.5", r.listenAddr())
}

func TestListenAddrEmptyWhenNothingKnown(t *testing.T) {
	r := newTestRunner(t)
	assert.Equal(t, "", r.listenAddr())
}
