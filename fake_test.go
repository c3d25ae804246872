package xcpngtests

import (
	"strconv"
	"strings"
)

// fakeRunner scripts the management plane for tests: each rule maps a
// command (matched by host and substrings) to canned output and exit
// code. Unmatched commands succeed with empty output. Every call is
// recorded so tests can assert on ordering.
type fakeRunner struct {
	rules []rule
	calls []fakeCall
	files map[string][]byte
}

type rule struct {
	host     string // "" matches any host
	contains []string
	out      string
	exit     int
	// remaining limits how many commands the rule answers; 0 means
	// unlimited.
	remaining int
}

type fakeCall struct {
	host    string
	command string
}

func respond(contains ...string) rule {
	return rule{contains: contains}
}

func (r rule) on(host string) rule      { r.host = host; return r }
func (r rule) with(out string) rule     { r.out = out; return r }
func (r rule) exitCode(code int) rule   { r.exit = code; return r }
func (r rule) once() rule               { r.remaining = 1; return r }
func (f *fakeRunner) add(rules ...rule) { f.rules = append(f.rules, rules...) }

func (f *fakeRunner) Run(host, command string) (*Result, error) {
	f.calls = append(f.calls, fakeCall{host: host, command: command})
	for i := range f.rules {
		r := &f.rules[i]
		if r.host != "" && r.host != host {
			continue
		}
		if r.remaining < 0 {
			continue
		}
		matched := true
		for _, sub := range r.contains {
			if !strings.Contains(command, sub) {
				matched = false
				break
			}
		}
		if matched {
			if r.remaining > 0 {
				r.remaining--
				if r.remaining == 0 {
					r.remaining = -1
				}
			}
			return &Result{Stdout: []byte(r.out), ExitCode: r.exit}, nil
		}
	}
	return &Result{}, nil
}

func (f *fakeRunner) Put(host, remotePath string, contents []byte) error {
	if f.files == nil {
		f.files = map[string][]byte{}
	}
	f.files[host+":"+remotePath] = contents
	return nil
}

func (f *fakeRunner) Get(host, remotePath string) ([]byte, error) {
	return f.files[host+":"+remotePath], nil
}

// commandIndex returns the position of the first recorded command
// matching every substring, or -1.
func (f *fakeRunner) commandIndex(contains ...string) int {
	for i, call := range f.calls {
		matched := true
		for _, sub := range contains {
			if !strings.Contains(call.command, sub) {
				matched = false
				break
			}
		}
		if matched {
			return i
		}
	}
	return -1
}

func (f *fakeRunner) hasCommand(contains ...string) bool {
	return f.commandIndex(contains...) >= 0
}

func newTestGateway(r Runner) *Gateway {
	opts := DefaultOptions()
	data := &Data{
		DefaultUser:     "root",
		DefaultPassword: "secret",
		DefaultSR:       "default",
	}
	return NewGatewayWithRunner(opts, data, r)
}

// newTestPool builds a pool of pre-resolved hosts, master first,
// without going through topology resolution.
func newTestPool(gw *Gateway, poolUUID string, addrs ...string) *Pool {
	p := &Pool{gw: gw, uuid: poolUUID}
	for i, addr := range addrs {
		h := &Host{
			gw:        gw,
			pool:      p,
			addr:      addr,
			uuid:      poolUUID + "-host-" + strconv.Itoa(i+1),
			inventory: map[string]string{"MANAGEMENT_INTERFACE": "xenbr0"},
			creds:     gw.data.CredentialsFor(addr),
		}
		if i == 0 {
			p.master = h
		}
		p.hosts = append(p.hosts, h)
	}
	return p
}
