package xcpngtests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostIsEnabledSwallowsErrors(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("host-param-get", "param-name=enabled").
			with("The host toolstack is still initialising").exitCode(1),
	)
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")
	assert.False(t, pool.master.IsEnabled())

	runner.rules = nil
	runner.add(respond("host-param-get", "param-name=enabled").with("true"))
	assert.True(t, pool.master.IsEnabled())
}

func TestHostFileExists(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("test -f /etc/there").with(""),
		respond("test -f /etc/missing").exitCode(1),
	)
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")

	ok, err := pool.master.FileExists("/etc/there", true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pool.master.FileExists("/etc/missing", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestImportVMMarksCacheAndMovesVIFs(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("vm-list", "name-description").with(""),
		respond("vm-import").with("vm-1"),
		respond("vm-param-get", "param-name=name-label", "uuid=vm-1").with("alpine"),
		respond("network-list", "bridge=xenbr0").with("net-mgmt"),
		respond("vif-list", "vm-uuid=vm-1").with("vif-1,vif-2"),
	)
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")

	vm, err := pool.master.ImportVM("http://images/alpine.xva", "sr-main", true)
	require.NoError(t, err)
	assert.Equal(t, "vm-1", vm.uuid)

	assert.True(t, runner.hasCommand("vm-import", "sr-uuid=sr-main", "url=http://images/alpine.xva"))
	assert.True(t, runner.hasCommand("vif-move", "uuid=vif-1", "network-uuid=net-mgmt"))
	assert.True(t, runner.hasCommand("vif-move", "uuid=vif-2", "network-uuid=net-mgmt"))
	assert.True(t, runner.hasCommand("vm-param-set", "uuid=vm-1",
		"[Cache for http://images/alpine]"))
}

func TestImportVMUsesFilenameForPaths(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("vm-import").with("vm-1"),
		respond("vm-param-get", "param-name=name-label", "uuid=vm-1").with("alpine"),
	)
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")

	_, err := pool.master.ImportVM("/mnt/images/alpine.xva", "", false)
	require.NoError(t, err)
	assert.True(t, runner.hasCommand("vm-import", "filename=/mnt/images/alpine.xva"))
	assert.False(t, runner.hasCommand("vm-import", "sr-uuid"))
}

func TestImportVMCloneURIRequiresCache(t *testing.T) {
	pool := newTestPool(newTestGateway(&fakeRunner{}), "pool-a", "10.0.0.1")
	_, err := pool.master.ImportVM("clone://host-image", "sr-main", false)
	require.Error(t, err)
}

func TestImportVMCloneHitStartsClone(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("vm-list", "name-description").with("base-1"),
		respond("vm-clone", "uuid=base-1").with("clone-1"),
		respond("vm-param-get", "param-name=power-state", "uuid=clone-1").with("running"),
	)
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")

	vm, err := pool.master.ImportVM("clone+start://host-image", "sr-main", true)
	require.NoError(t, err)
	assert.Equal(t, "clone-1", vm.uuid)
	assert.True(t, runner.hasCommand("vm-param-clear", "uuid=clone-1", "param-name=name-description"))
	assert.True(t, runner.hasCommand("vm-start", "uuid=clone-1"))
	assert.False(t, runner.hasCommand("vm-import"))
}

func TestMainSRUUIDPolicies(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(respond("pool-param-get", "param-name=default-SR").with("sr-default"))
	gw := newTestGateway(runner)
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	srUUID, err := pool.master.MainSRUUID()
	require.NoError(t, err)
	assert.Equal(t, "sr-default", srUUID)

	// An explicit UUID policy is validated against the pool.
	gw.data.DefaultSR = "sr-custom"
	runner.add(respond("sr-list", "uuid=sr-custom").with("sr-custom"))
	srUUID, err = pool.master.MainSRUUID()
	require.NoError(t, err)
	assert.Equal(t, "sr-custom", srUUID)

	gw.data.DefaultSR = "sr-unknown"
	_, err = pool.master.MainSRUUID()
	require.Error(t, err)
}

func TestMainSRUUIDLocalPolicy(t *testing.T) {
	runner := &fakeRunner{}
	runner.add(
		respond("host-param-get", "param-name=name-label").with("xen1"),
		respond("sr-list", "host=xen1", "content-type=user").with("sr-local-1,sr-local-2"),
	)
	gw := newTestGateway(runner)
	gw.data.DefaultSR = "local"
	pool := newTestPool(gw, "pool-a", "10.0.0.1")

	srUUID, err := pool.master.MainSRUUID()
	require.NoError(t, err)
	assert.Equal(t, "sr-local-1", srUUID)
}
