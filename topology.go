package xcpngtests

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// nestedHostScheme marks a --hosts entry as "provision a nested host
// by cloning <ref> from the nesting pool's image cache".
const nestedHostScheme = "cache://"

const (
	arpDiscoveryTimeout = 10 * time.Minute
	nestedSSHRetryDelay = 5 * time.Second
)

// splitHostArgs flattens the repeatable --hosts option: each entry
// may itself be a comma-joined list.
func splitHostArgs(args []string) []string {
	var hosts []string
	for _, arg := range args {
		for _, h := range strings.Split(arg, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
	}
	return hosts
}

// topologyBuilder resolves the --hosts list into live pool masters,
// provisioning nested hosts where requested. Nested host VMs are
// tracked so a failure partway through can clean up everything
// already provisioned.
type topologyBuilder struct {
	gw     *Gateway
	opts   *Options
	nested []*VM
}

// resolve returns one Host handle per --hosts entry, each the master
// of a distinct pool. An empty list is a hard failure: there is
// nothing to test against.
func (b *topologyBuilder) resolve() ([]*Host, error) {
	entries := splitHostArgs(b.opts.Hosts)
	if len(entries) == 0 {
		return nil, errors.New("at least one --hosts parameter is required")
	}
	var masters []*Host
	for _, entry := range entries {
		h, err := b.setupHost(entry)
		if err != nil {
			b.cleanup()
			return nil, err
		}
		masters = append(masters, h)
	}
	return masters, nil
}

func (b *topologyBuilder) setupHost(hostnameOrIP string) (*Host, error) {
	if ref, ok := strings.CutPrefix(hostnameOrIP, nestedHostScheme); ok {
		ip, err := b.provisionNestedHost(ref)
		if err != nil {
			return nil, err
		}
		hostnameOrIP = ip
	}
	pool, err := NewPool(b.gw, hostnameOrIP)
	if err != nil {
		return nil, err
	}
	return pool.master, nil
}

// provisionNestedHost clones ref from the nesting pool's image cache,
// boots it, and discovers its address through the ARP tables of the
// nesting network, then waits for SSH. The returned IP is then usable
// as a regular host address.
func (b *topologyBuilder) provisionNestedHost(ref string) (string, error) {
	if b.opts.Nest == "" {
		return "", errors.New("--hosts=cache://... requires the --nest parameter")
	}
	nestPool, err := NewPool(b.gw, b.opts.Nest)
	if err != nil {
		return "", errors.Wrap(err, "resolving nesting pool")
	}
	nest := nestPool.master

	srUUID, err := nest.MainSRUUID()
	if err != nil {
		return "", err
	}
	hostVM, err := nest.ImportVM("clone:"+ref, srUUID, true)
	if err != nil {
		return "", errors.Wrapf(err, "cloning nested host %q", ref)
	}
	b.nested = append(b.nested, hostVM)

	vifs, err := hostVM.VIFs()
	if err != nil {
		return "", err
	}
	if len(vifs) == 0 {
		return "", errors.Errorf("nested host VM %s has no VIF", hostVM.uuid)
	}
	mac, err := vifs[0].MAC()
	if err != nil {
		return "", err
	}
	b.gw.log.Infof("Nested host has MAC %s", mac)

	if err := hostVM.Start(); err != nil {
		return "", err
	}
	if err := WaitFor(hostVM.IsRunning, "Wait for nested host VM running", WaitOptions{}); err != nil {
		return "", err
	}

	var ips []string
	err = WaitFor(func() bool {
		ips, err = b.arpAddressesFor(mac)
		return err == nil && len(ips) > 0
	}, "Wait for DHCP server to see nested host in ARP tables",
		WaitOptions{Timeout: arpDiscoveryTimeout})
	if err != nil {
		return "", err
	}
	b.gw.log.Infof("Nested host has IPs %s", ips)
	if len(ips) != 1 {
		return "", errors.Errorf("expected exactly one IP for MAC %s, got %v", mac, ips)
	}
	hostVM.ip = ips[0]

	err = WaitFor(func() bool { return tcpPortOpen(hostVM.ip, 22) },
		"Wait for ssh up on nested host", WaitOptions{RetryDelay: nestedSSHRetryDelay})
	if err != nil {
		return "", err
	}
	return hostVM.ip, nil
}

// arpAddressesFor asks the configured ARP server which reachable
// neighbors carry the MAC address.
func (b *topologyBuilder) arpAddressesFor(mac string) ([]string, error) {
	if b.gw.data.ARPServer == "" {
		return nil, errors.New("no arp_server configured")
	}
	out, err := b.gw.SSH(b.gw.data.ARPServer,
		[]string{"ip", "neigh", "show", "nud", "reachable",
			"|", "grep", mac,
			"|", "awk", "'{ print $1 }'"})
	if err != nil {
		// grep exits 1 when the MAC is not in the table yet.
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == 1 {
			return nil, nil
		}
		return nil, err
	}
	return safeLines(out), nil
}

// cleanup destroys the nested host VMs provisioned so far.
func (b *topologyBuilder) cleanup() {
	for _, vm := range b.nested {
		b.gw.log.Infof("Destroying nested host VM %s", vm.uuid)
		if err := vm.Destroy(true); err != nil {
			b.gw.log.Errorf("Destroying nested host VM %s: %s", vm.uuid, err)
		}
	}
	b.nested = nil
}

// tcpPortOpen reports whether a plain TCP connect to host:port
// succeeds.
func tcpPortOpen(host string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)), 5*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// SRDisk resolves the --sr-disk option against the master host:
// exactly one disk name, or "auto" to pick the first free disk.
func SRDisk(opts *Options, host *Host) (string, error) {
	return selectDisk(opts.SRDisks, host, 512, "--sr-disk")
}

// SRDisk4K is SRDisk for 4KiB-native block devices (--sr-disk-4k).
func SRDisk4K(opts *Options, host *Host) (string, error) {
	return selectDisk(opts.SRDisks4K, host, 4096, "--sr-disk-4k")
}

func selectDisk(disks []string, host *Host, blocksize int, option string) (string, error) {
	if len(disks) != 1 {
		return "", errors.Errorf("exactly one %s parameter is required", option)
	}
	disk := disks[0]
	available, err := host.AvailableDisks(blocksize)
	if err != nil {
		return "", err
	}
	if disk == "auto" {
		if len(available) == 0 {
			return "", errors.New("a free disk device is required on the master host")
		}
		host.gw.log.Infof(">> Found free disk device(s) on master: %s. Using %s.",
			strings.Join(available, " "), available[0])
		return available[0], nil
	}
	if !containsString(available, disk) {
		return "", errors.Errorf("disk or block device %s is either not present or already used on the master host", disk)
	}
	return disk, nil
}

// SRDiskForAllHosts resolves --sr-disk to one disk free on every pool
// member: the intersection of each host's available disks.
func SRDiskForAllHosts(opts *Options, host *Host) (string, error) {
	candidates, err := srDisksForAllHosts(opts.SRDisks, host, false)
	if err != nil {
		return "", err
	}
	return candidates[0], nil
}

// SRDisksForAllHosts resolves --sr-disk (repeatable) to the disks
// free on every pool member.
func SRDisksForAllHosts(opts *Options, host *Host) ([]string, error) {
	return srDisksForAllHosts(opts.SRDisks, host, true)
}

func srDisksForAllHosts(disks []string, host *Host, multi bool) ([]string, error) {
	if len(disks) == 0 || (!multi && len(disks) != 1) {
		return nil, errors.New("this test requires the --sr-disk parameter")
	}
	masterDisks, err := host.AvailableDisks(512)
	if err != nil {
		return nil, err
	}
	if len(masterDisks) == 0 {
		return nil, errors.New("a free disk device is required on the master host")
	}

	auto := containsString(disks, "auto")
	var candidates []string
	if auto {
		candidates = append(candidates, masterDisks...)
	} else {
		for _, disk := range disks {
			if !containsString(masterDisks, disk) {
				return nil, errors.Errorf("disk or block device %s is either not present or already used on the master host", disk)
			}
		}
		candidates = append(candidates, disks...)
	}

	for _, h := range host.pool.hosts[1:] {
		otherDisks, err := h.AvailableDisks(512)
		if err != nil {
			return nil, err
		}
		var kept []string
		for _, d := range candidates {
			if containsString(otherDisks, d) {
				kept = append(kept, d)
			}
		}
		candidates = kept
	}

	if auto {
		if len(candidates) == 0 {
			return nil, errors.Errorf("free disk devices are required on all pool members; the master has: %s",
				strings.Join(masterDisks, " "))
		}
		host.gw.log.Infof(">> Found free disk device(s) on all pool hosts: %s", strings.Join(candidates, " "))
	} else {
		if len(candidates) != len(disks) {
			return nil, errors.Errorf("some of the disks (%s) are not free on all hosts", strings.Join(disks, ", "))
		}
		host.gw.log.Infof(">> Disk(s) %s are present and free on all pool members", strings.Join(candidates, " "))
	}
	return candidates, nil
}

// SecondNetwork validates the --second-network option against the
// master host: the network must exist there with an addressed PIF and
// must not be the management network.
func SecondNetwork(opts *Options, host *Host) (string, error) {
	networkUUID := opts.SecondNetwork
	if networkUUID == "" {
		return "", errors.New("this test requires the --second-network parameter")
	}
	pifUUID, err := host.XeMinimal("pif-list", XeArgs{"host-uuid": host.uuid, "network-uuid": networkUUID})
	if err != nil {
		return "", err
	}
	if pifUUID == "" {
		return "", errors.New("the --second-network UUID does not exist or has no PIF on the master host")
	}
	addressType, err := host.xeParamGet("pif", pifUUID, "primary-address-type", "", false)
	if err != nil {
		return "", err
	}
	ipParam := "IP"
	if addressType == "IPv6" {
		ipParam = "IPv6"
	}
	ip, err := host.xeParamGet("pif", pifUUID, ipParam, "", false)
	if err != nil {
		return "", err
	}
	if ip == "" {
		return "", errors.New("the --second-network has a PIF but no IP")
	}
	mgmt, err := host.ManagementNetwork()
	if err != nil {
		return "", err
	}
	if networkUUID == mgmt {
		return "", errors.New("--second-network must not be the management network")
	}
	return networkUUID, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
