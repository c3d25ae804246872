package xcpngtests

import (
	"strings"

	"github.com/pkg/errors"
)

// Pool is a set of hosts managed as one unit with a single master.
// Resolving a Pool from any member address always lands on the
// master: every xe invocation below goes through it.
type Pool struct {
	gw     *Gateway
	uuid   string
	master *Host
	hosts  []*Host // master first
}

// NewPool resolves the pool that hostnameOrIP belongs to. If the
// address names a slave, the master is looked up from its pool.conf
// and the Pool is built around the master instead.
func NewPool(gw *Gateway, hostnameOrIP string) (*Pool, error) {
	p := &Pool{gw: gw}

	master, err := newHost(p, hostnameOrIP)
	if err != nil {
		return nil, errors.Wrapf(err, "contacting host %s", hostnameOrIP)
	}
	conf, err := master.SSH([]string{"cat", "/etc/xensource/pool.conf"})
	if err != nil {
		return nil, errors.Wrapf(err, "reading pool.conf on %s", hostnameOrIP)
	}
	if masterAddr, ok := strings.CutPrefix(conf, "slave:"); ok {
		master, err = newHost(p, strings.TrimSpace(masterAddr))
		if err != nil {
			return nil, errors.Wrapf(err, "contacting pool master %s", masterAddr)
		}
	}
	p.master = master

	p.uuid, err = master.XeMinimal("pool-list", nil)
	if err != nil {
		return nil, errors.Wrap(err, "reading pool UUID")
	}

	memberUUIDs, err := p.HostsUUIDs()
	if err != nil {
		return nil, err
	}
	p.hosts = []*Host{master}
	for _, uuid := range memberUUIDs {
		if uuid == master.uuid {
			continue
		}
		addr, err := p.HostIP(uuid)
		if err != nil {
			return nil, err
		}
		h, err := newHost(p, addr)
		if err != nil {
			return nil, errors.Wrapf(err, "contacting pool member %s", addr)
		}
		p.hosts = append(p.hosts, h)
	}
	return p, nil
}

func (p *Pool) UUID() string   { return p.uuid }
func (p *Pool) Master() *Host  { return p.master }
func (p *Pool) Hosts() []*Host { return p.hosts }

// HostsUUIDs lists the UUIDs of every pool member.
func (p *Pool) HostsUUIDs() ([]string, error) {
	out, err := p.master.XeMinimal("host-list", nil)
	if err != nil {
		return nil, err
	}
	return safeSplit(out), nil
}

// HostIP returns the management address of a pool member.
func (p *Pool) HostIP(hostUUID string) (string, error) {
	return p.master.Xe("host-param-get", XeArgs{"uuid": hostUUID, "param-name": "address"})
}

// GetHostByUUID returns the already-resolved member handle.
func (p *Pool) GetHostByUUID(hostUUID string) (*Host, error) {
	for _, h := range p.hosts {
		if h.uuid == hostUUID {
			return h, nil
		}
	}
	return nil, errors.Errorf("no host %s in pool %s", hostUUID, p.uuid)
}

// NetworkNamed resolves a network name-label to its UUID.
func (p *Pool) NetworkNamed(name string) (string, error) {
	uuid, err := p.master.XeMinimal("network-list", XeArgs{"name-label": name})
	if err != nil {
		return "", err
	}
	if uuid == "" {
		return "", errors.Errorf("no network named %q in pool %s", name, p.uuid)
	}
	return uuid, nil
}

// ParamGet reads a pool-level property.
func (p *Pool) ParamGet(name string) (string, error) {
	return p.master.xeParamGet("pool", p.uuid, name, "", false)
}

// DefaultSR returns the pool's default SR UUID.
func (p *Pool) DefaultSR() (string, error) {
	return p.ParamGet("default-SR")
}
