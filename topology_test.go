package xcpngtests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHostArgs(t *testing.T) {
	assert.Nil(t, splitHostArgs(nil))
	assert.Equal(t, []string{"10.0.0.1"}, splitHostArgs([]string{"10.0.0.1"}))
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2", "10.0.1.1"},
		splitHostArgs([]string{"10.0.0.1,10.0.0.2", "10.0.1.1"}))
	assert.Equal(t, []string{"a", "b"}, splitHostArgs([]string{" a , b "}))
}

func singlePoolRules() []rule {
	return []rule{
		respond("cat /etc/xensource-inventory").
			with("INSTALLATION_UUID='host-a1'\nMANAGEMENT_INTERFACE='xenbr0'"),
		respond("cat /etc/xensource/pool.conf").with("master"),
		respond("pool-list").with("pool-a"),
		respond("host-list").with("host-a1"),
	}
}

func TestSinglePoolTopology(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(singlePoolRules()...)

	opts := DefaultOptions()
	opts.Hosts = []string{"10.0.0.1"}
	data := &Data{DefaultUser: "root", DefaultPassword: "secret", DefaultSR: "default"}

	h, err := NewWithRunner(opts, data, runner)
	require.NoError(t, err)
	defer h.Close()

	require.Len(t, h.Masters(), 1)
	master := h.HostA1()
	assert.Equal(t, "host-a1", master.UUID())
	assert.Equal(t, "10.0.0.1", master.Addr())

	pool := master.Pool()
	assert.Equal(t, "pool-a", pool.UUID())
	require.Len(t, pool.Hosts(), 1)
	assert.Same(t, master, pool.Master())

	_, err = h.HostA2()
	assert.Error(t, err)
	_, err = h.HostB1()
	assert.Error(t, err)
}

func TestTopologySlaveRedirectsToMaster(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("cat /etc/xensource-inventory").on("10.0.0.5").
			with("INSTALLATION_UUID='host-a2'\nMANAGEMENT_INTERFACE='xenbr0'"),
		respond("cat /etc/xensource/pool.conf").on("10.0.0.5").with("slave:10.0.0.1"),
		respond("cat /etc/xensource-inventory").on("10.0.0.1").
			with("INSTALLATION_UUID='host-a1'\nMANAGEMENT_INTERFACE='xenbr0'"),
		respond("pool-list").with("pool-a"),
		respond("host-list").with("host-a1,host-a2"),
		respond("host-param-get", "uuid=host-a2", "param-name=address").with("10.0.0.5"),
	)
	gw := newTestGateway(runner)

	pool, err := NewPool(gw, "10.0.0.5")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", pool.Master().Addr())
	require.Len(t, pool.Hosts(), 2)
	assert.Equal(t, "host-a2", pool.Hosts()[1].UUID())
}

func TestTopologyRequiresHosts(t *testing.T) {
	opts := DefaultOptions()
	data := &Data{DefaultUser: "root"}
	_, err := NewWithRunner(opts, data, &fakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--hosts")
}

func TestNestedHostRequiresNest(t *testing.T) {
	opts := DefaultOptions()
	opts.Hosts = []string{"cache://host-image"}
	data := &Data{DefaultUser: "root"}
	_, err := NewWithRunner(opts, data, &fakeRunner{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--nest")
}

func TestSRDiskAutoPicksFirstFreeDisk(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("NAME,LOG-SEC").with("sda  512\nsdb  512"),
		respond("MOUNTPOINT", "/dev/sda").with("/boot\n/"),
		respond("MOUNTPOINT", "/dev/sdb").with(""),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	opts := DefaultOptions()
	opts.SRDisks = []string{"auto"}
	disk, err := SRDisk(opts, pool.master)
	require.NoError(t, err)
	assert.Equal(t, "sdb", disk)
}

func TestSRDisk4KChecksSectorSize(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("NAME,LOG-SEC").with("sdb  512\nnvme0n1 4096"),
		respond("MOUNTPOINT").with(""),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	opts := DefaultOptions()
	opts.SRDisks4K = []string{"auto"}
	disk, err := SRDisk4K(opts, pool.master)
	require.NoError(t, err)
	assert.Equal(t, "nvme0n1", disk)
}

func TestSRDiskForAllHostsIntersection(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("NAME,LOG-SEC").on("10.0.0.1").with("sdb  512\nsdc  512"),
		respond("NAME,LOG-SEC").on("10.0.0.2").with("sdc  512"),
		respond("MOUNTPOINT").with(""),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1", "10.0.0.2")

	opts := DefaultOptions()
	opts.SRDisks = []string{"auto"}
	disk, err := SRDiskForAllHosts(opts, pool.master)
	require.NoError(t, err)
	assert.Equal(t, "sdc", disk, "only the disk free on every pool member qualifies")
}

func TestSRDiskExplicitMustBeAvailable(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("NAME,LOG-SEC").with("sdb  512"),
		respond("MOUNTPOINT").with(""),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	opts := DefaultOptions()
	opts.SRDisks = []string{"sdz"}
	_, err := SRDisk(opts, pool.master)
	require.Error(t, err)

	opts.SRDisks = []string{"sdb"}
	disk, err := SRDisk(opts, pool.master)
	require.NoError(t, err)
	assert.Equal(t, "sdb", disk)
}

func TestSecondNetworkValidation(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("pif-list", "network-uuid=net-2").with("pif-2"),
		respond("pif-param-get", "param-name=primary-address-type").with("IPv4"),
		respond("pif-param-get", "param-name=IP").with("192.168.2.10"),
		respond("network-list", "bridge=xenbr0").with("net-mgmt"),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	opts := DefaultOptions()
	opts.SecondNetwork = "net-2"
	networkUUID, err := SecondNetwork(opts, pool.master)
	require.NoError(t, err)
	assert.Equal(t, "net-2", networkUUID)
}

func TestSecondNetworkRejectsManagement(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("pif-list", "network-uuid=net-mgmt").with("pif-1"),
		respond("pif-param-get", "param-name=primary-address-type").with("IPv4"),
		respond("pif-param-get", "param-name=IP").with("10.0.0.1"),
		respond("network-list", "bridge=xenbr0").with("net-mgmt"),
	)
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	opts := DefaultOptions()
	opts.SecondNetwork = "net-mgmt"
	_, err := SecondNetwork(opts, pool.master)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "management")
}
