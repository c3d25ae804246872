package xcpngtests

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNode = "tests/storage/ext_test.go::TestCreate"

func newTestFixtureSet(runner *fakeRunner) *FixtureSet {
	pool := newTestPool(newTestGateway(runner), "pool-a", "10.0.0.1")
	runner.add(respond("pool-param-get", "param-name=default-SR", "uuid=pool-a").with("sr-main"))
	return NewFixtureSet(pool.master, testNode, "abc123")
}

func TestSetupTemplateOnlyCreatesOneVM(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(respond("vm-install").with("vm-1"))

	vms, err := fs.Setup([]VMDefinition{{Name: "vm1", Template: "Other install media"}})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "vm-1", vms[0].uuid)

	assert.True(t, runner.hasCommand("vm-install", "template='Other install media'", "sr-uuid=sr-main"))
	assert.False(t, runner.hasCommand("vdi-create"))
	assert.False(t, runner.hasCommand("vbd-create"))
	assert.False(t, runner.hasCommand("vif-create"))
}

func TestSetupValidatesDefinitions(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)

	_, err := fs.Setup([]VMDefinition{{Name: "vm1"}})
	assert.Error(t, err)

	_, err = fs.Setup([]VMDefinition{{Name: "vm1", Template: "t", ImageTest: "tests/a_test.go::TestA"}})
	assert.Error(t, err)

	_, err = fs.Setup([]VMDefinition{{}})
	assert.Error(t, err)
}

func TestTeardownOrderVBDsThenVDIsThenVMs(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(
		respond("vm-install").with("vm-1"),
		respond("vdi-create").with("vdi-1"),
		respond("vbd-create").with("vbd-1"),
		respond("vm-param-get", "param-name=power-state").with("halted"),
		respond("vm-disk-list", "uuid=vm-1").with("vdi-sys,"),
	)

	_, err := fs.Setup([]VMDefinition{{
		Name:     "vm1",
		Template: "CentOS 7",
		VDIs: []VDIDefinition{
			{Name: "data disk", Size: "10GiB", Device: "xvdb", UserDevice: "1"},
		},
	}})
	require.NoError(t, err)

	fs.RecordPhase(PhaseSetup, true)
	require.NoError(t, fs.Teardown())

	vbd := runner.commandIndex("vbd-destroy", "uuid=vbd-1")
	vdi := runner.commandIndex("vdi-destroy", "uuid=vdi-1")
	vm := runner.commandIndex("vm-destroy", "uuid=vm-1")
	require.GreaterOrEqual(t, vbd, 0)
	require.GreaterOrEqual(t, vdi, 0)
	require.GreaterOrEqual(t, vm, 0)
	assert.Less(t, vbd, vdi)
	assert.Less(t, vdi, vm)
}

func TestFailedCallDoesNotCommitToCache(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(
		respond("vm-install").with("vm-1"),
		respond("vm-param-get", "param-name=power-state").with("halted"),
	)

	_, err := fs.Setup([]VMDefinition{{Name: "vm1", Template: "Other install media"}})
	require.NoError(t, err)

	fs.RecordPhase(PhaseSetup, true)
	fs.RecordPhase(PhaseCall, false)
	require.NoError(t, fs.Teardown())

	assert.False(t, runner.hasCommand("vm-clone"), "a failed test must not be exported to the cache")
	assert.True(t, runner.hasCommand("vm-destroy", "uuid=vm-1"))
}

func TestPassingTestCommitsToCache(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(
		respond("vm-install").with("vm-1"),
		respond("vm-param-get", "param-name=power-state").with("halted"),
		respond("vm-param-get", "param-name=name-label", "uuid=vm-1").with("vm1 in "+testNode),
		respond("vm-clone", "uuid=vm-1").with("vm-cache"),
	)

	_, err := fs.Setup([]VMDefinition{{Name: "vm1", Template: "Other install media"}})
	require.NoError(t, err)

	fs.RecordPhase(PhaseSetup, true)
	fs.RecordPhase(PhaseCall, true)
	require.NoError(t, fs.Teardown())

	// Cache id: shortened node id, VM name, git revision.
	marker := "[Cache for storage::ext::Create-vm1-abc123]"
	assert.True(t, runner.hasCommand("vm-clone", "cache"))
	assert.True(t, runner.hasCommand("vm-param-set", "uuid=vm-cache", marker),
		"clone not marked as cache entry in %v", runner.calls)
	// The cached clone survives teardown; the test VM does not.
	assert.True(t, runner.hasCommand("vm-destroy", "uuid=vm-1"))
	assert.False(t, runner.hasCommand("vm-destroy", "uuid=vm-cache"))
}

func TestFailedCacheWriteStillTearsDown(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(
		respond("vm-install").with("vm-1"),
		respond("vm-param-get", "param-name=power-state").with("halted"),
		respond("vm-param-get", "param-name=name-label", "uuid=vm-1").with("vm1 in "+testNode),
		respond("vm-clone", "uuid=vm-1").with("The SR backend is full").exitCode(1),
	)

	_, err := fs.Setup([]VMDefinition{{Name: "vm1", Template: "Other install media"}})
	require.NoError(t, err)

	fs.RecordPhase(PhaseSetup, true)
	fs.RecordPhase(PhaseCall, true)

	err = fs.Teardown()
	require.Error(t, err, "the cache write failure must be reported")
	assert.True(t, runner.hasCommand("vm-destroy", "uuid=vm-1"),
		"tracked VMs must be destroyed even when the cache write fails: %v", runner.calls)
}

func TestSetupFromCacheClonesWithoutTouchingMaster(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)
	runner.add(
		respond("vm-list", "name-description").with("base-1"),
		respond("vm-clone", "uuid=base-1").with("clone-1"),
	)

	vms, err := fs.Setup([]VMDefinition{{Name: "vm1", ImageTest: "tests/storage/ext_test.go::TestBase"}})
	require.NoError(t, err)
	require.Len(t, vms, 1)
	assert.Equal(t, "clone-1", vms[0].uuid)

	// The description of the clone is wiped; the master stays as is.
	assert.True(t, runner.hasCommand("vm-param-set", "uuid=clone-1", "name-description="))
	assert.False(t, runner.hasCommand("vm-param-set", "uuid=base-1"))
}

func TestSetupFromCacheMissIsFatal(t *testing.T) {
	runner := &fakeRunner{}
	fs := newTestFixtureSet(runner)

	_, err := fs.Setup([]VMDefinition{{Name: "vm1", ImageTest: "tests/storage/ext_test.go::TestBase"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no cached VM")
}
