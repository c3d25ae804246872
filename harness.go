package xcpngtests

import (
	"sync"

	"github.com/pkg/errors"
)

// Harness is one test session against a resolved topology: the pool
// masters named by --hosts, with nested hosts provisioned as needed.
// It owns the nested host VMs and destroys them on Close; everything
// else on the pools belongs to per-test fixture sets.
type Harness struct {
	opts *Options
	data *Data
	gw   *Gateway

	// masters holds one pool master per --hosts entry, in option
	// order.
	masters []*Host
	nested  []*VM

	closeMu  sync.Mutex
	closed   bool
	closeErr error
}

// New resolves the topology the options describe and returns a ready
// session. A failure during resolution cleans up any nested hosts
// already provisioned before returning.
func New(opts *Options, data *Data) (*Harness, error) {
	return newHarness(opts, data, NewGateway(opts, data))
}

// NewWithRunner is New with the remote execution layer replaced, for
// tests that script the management plane.
func NewWithRunner(opts *Options, data *Data, runner Runner) (*Harness, error) {
	return newHarness(opts, data, NewGatewayWithRunner(opts, data, runner))
}

func newHarness(opts *Options, data *Data, gw *Gateway) (*Harness, error) {
	b := &topologyBuilder{gw: gw, opts: opts}
	masters, err := b.resolve()
	if err != nil {
		return nil, err
	}
	return &Harness{
		opts:    opts,
		data:    data,
		gw:      gw,
		masters: masters,
		nested:  b.nested,
	}, nil
}

// Gateway returns the remote execution layer of this session.
func (h *Harness) Gateway() *Gateway { return h.gw }

// Masters returns one pool master per --hosts entry.
func (h *Harness) Masters() []*Host { return h.masters }

// HostA1 is the master of the first pool.
func (h *Harness) HostA1() *Host { return h.masters[0] }

// HostA2 returns the second member of the first pool.
func (h *Harness) HostA2() (*Host, error) {
	members := h.masters[0].pool.hosts
	if len(members) < 2 {
		return nil, errors.New("the first pool needs a second member")
	}
	return members[1], nil
}

// HostB1 returns the master of the second pool.
func (h *Harness) HostB1() (*Host, error) {
	if len(h.masters) < 2 {
		return nil, errors.New("a second pool is required")
	}
	return h.masters[1], nil
}

// NewFixtureSet prepares the resource lifecycle for one test, run
// against the first pool's master.
func (h *Harness) NewFixtureSet(testNodeID, gitRev string) *FixtureSet {
	return NewFixtureSet(h.HostA1(), testNodeID, gitRev)
}

// Close destroys the nested host VMs this session provisioned. Safe
// to call more than once; later calls return the first result.
func (h *Harness) Close() error {
	h.closeMu.Lock()
	defer h.closeMu.Unlock()
	if h.closed {
		return h.closeErr
	}
	h.closed = true

	for _, vm := range h.nested {
		h.gw.log.Infof("Destroying nested host VM %s", vm.uuid)
		if err := vm.Destroy(true); err != nil && h.closeErr == nil {
			h.closeErr = err
		}
	}
	h.nested = nil
	return h.closeErr
}
