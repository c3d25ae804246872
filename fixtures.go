package xcpngtests

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rushikeshjadhav/xcp-ng-tests/internal/nodeid"
)

// VMDefinition declares one VM a test wants built, either fresh from
// a template or from the image cache. Exactly one of Template and
// ImageTest must be set.
type VMDefinition struct {
	// Name is the VM's logical name within the test.
	Name string
	// Template is the name or UUID of the template to install from.
	Template string
	// ImageTest is the node identifier of the test whose cached image
	// to start from, possibly scope-relative.
	ImageTest string
	// ImageVM selects which of that test's VMs to reuse; defaults to
	// Name.
	ImageVM string
	// ImageScope is the sharing scope ImageTest resolves against;
	// defaults to "module".
	ImageScope string

	VDIs   []VDIDefinition
	CDVBD  *CDVBDDefinition
	VIFs   []VIFDefinition
	Params []ParamDefinition
}

// VDIDefinition declares one extra disk, created on the host's main
// SR and attached to the VM.
type VDIDefinition struct {
	Name       string
	Size       string // management CLI notation, e.g. "100GiB"
	Device     string
	UserDevice string
}

// CDVBDDefinition declares an empty CD drive on the VM.
type CDVBDDefinition struct {
	Device     string
	UserDevice string
}

// VIFDefinition declares a network interface, naming its network by
// UUID or by name-label (exactly one of the two).
type VIFDefinition struct {
	Index       int
	NetworkUUID string
	NetworkName string
}

// ParamDefinition sets one VM property, with an optional sub-key for
// map-valued properties.
type ParamDefinition struct {
	Name  string
	Key   string
	Value string
}

func (d *VMDefinition) validate() error {
	if d.Name == "" {
		return errors.New("VM definition has no name")
	}
	if (d.Template == "") == (d.ImageTest == "") {
		return errors.Errorf("VM definition %q needs a template or an image test, not both", d.Name)
	}
	for _, vif := range d.VIFs {
		if (vif.NetworkUUID == "") == (vif.NetworkName == "") {
			return errors.Errorf("VIF %d of VM definition %q needs a network UUID or name, not both",
				vif.Index, d.Name)
		}
	}
	return nil
}

// Test phases whose outcome the fixture teardown inspects.
const (
	PhaseSetup    = "setup"
	PhaseCall     = "call"
	PhaseTeardown = "teardown"
)

// FixtureSet builds the resources of one test from its VM definitions
// and owns their teardown. Resources are tracked incrementally as
// they are created, so whatever exists when setup fails still gets
// torn down.
//
// Teardown order is VBDs, then VDIs, then VMs. Within one kind the
// order is creation order, which is fine since same-kind resources
// are independent.
type FixtureSet struct {
	host       *Host
	testNodeID string
	gitRev     string

	defs []VMDefinition
	vms  []*VM
	vdis []*VDI
	vbds []*VBD

	// phases records the outcome of each test phase. Teardown runs as
	// part of the test itself, where the call outcome is not otherwise
	// visible, so the runner reports it here.
	phases map[string]bool
}

// NewFixtureSet prepares a fixture set for one test, identified by
// its node id, on a host. gitRev stamps cache writes.
func NewFixtureSet(host *Host, testNodeID, gitRev string) *FixtureSet {
	return &FixtureSet{
		host:       host,
		testNodeID: testNodeID,
		gitRev:     gitRev,
		phases:     map[string]bool{},
	}
}

// VMs returns the created VMs, in definition order.
func (f *FixtureSet) VMs() []*VM { return f.vms }

// RecordPhase stores the outcome of one test phase for Teardown to
// inspect.
func (f *FixtureSet) RecordPhase(phase string, passed bool) {
	f.phases[phase] = passed
}

// Setup builds every definition in order and returns the resulting
// VMs. On error the already-created resources stay tracked; the
// caller must still run Teardown.
func (f *FixtureSet) Setup(defs []VMDefinition) ([]*VM, error) {
	for i := range defs {
		if err := defs[i].validate(); err != nil {
			return nil, err
		}
	}
	for i := range defs {
		def := defs[i]
		f.defs = append(f.defs, def)
		var err error
		if def.Template != "" {
			err = f.createVM(&def)
		} else {
			err = f.vmFromCache(&def)
		}
		if err != nil {
			return nil, err
		}
	}
	return f.vms, nil
}

func (f *FixtureSet) vmName(def *VMDefinition) string {
	return fmt.Sprintf("%s in %s", def.Name, f.testNodeID)
}

func (f *FixtureSet) createVM(def *VMDefinition) error {
	name := f.vmName(def)
	f.host.gw.log.Infof("Installing VM %q from template %q", name, def.Template)

	vm, err := f.host.VMFromTemplate(name, def.Template)
	if err != nil {
		return err
	}
	// VM record exists from here on; track it before anything below
	// can fail.
	f.vms = append(f.vms, vm)

	for _, vdiDef := range def.VDIs {
		srUUID, err := f.host.MainSRUUID()
		if err != nil {
			return err
		}
		sr := NewSR(f.host.pool, srUUID)
		vdi, err := sr.CreateVDI(vdiDef.Name, vdiDef.Size)
		if err != nil {
			return err
		}
		f.vdis = append(f.vdis, vdi)
		vbd, err := vm.CreateVBD(vdiDef.Device, vdi.uuid)
		if err != nil {
			return err
		}
		f.vbds = append(f.vbds, vbd)
		if err := vbd.ParamSet("userdevice", vdiDef.UserDevice); err != nil {
			return err
		}
	}

	if def.CDVBD != nil {
		if _, err := vm.CreateCDVBD(def.CDVBD.Device, def.CDVBD.UserDevice); err != nil {
			return err
		}
	}

	for _, vifDef := range def.VIFs {
		networkUUID := vifDef.NetworkUUID
		if networkUUID == "" {
			networkUUID, err = f.host.pool.NetworkNamed(vifDef.NetworkName)
			if err != nil {
				return err
			}
		}
		if err := vm.CreateVIF(vifDef.Index, networkUUID); err != nil {
			return err
		}
	}

	for _, param := range def.Params {
		f.host.gw.log.Infof("Setting param %s=%s", paramDisplayName(param), param.Value)
		if param.Key != "" {
			err = vm.ParamSetKey(param.Name, param.Key, param.Value)
		} else {
			err = vm.ParamSet(param.Name, param.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func paramDisplayName(p ParamDefinition) string {
	if p.Key != "" {
		return p.Name + ":" + p.Key
	}
	return p.Name
}

func (f *FixtureSet) vmFromCache(def *VMDefinition) error {
	key := f.cacheKeyFor(def)
	srUUID, err := f.host.MainSRUUID()
	if err != nil {
		return err
	}
	base, err := f.host.CachedVM(key, srUUID)
	if err != nil {
		return err
	}
	if base == nil {
		return errors.Errorf("no cached VM for %q", key)
	}

	// Clone before running anything, so the cache master is never
	// touched by the test.
	f.host.gw.log.Info("Cloning VM from cache")
	vm, err := base.Clone(f.host.gw.data.PrefixObjectName(f.vmName(def)))
	if err != nil {
		return err
	}
	f.vms = append(f.vms, vm)
	// The description may carry the cache identifier; wipe it so the
	// clone cannot be mistaken for a cache entry.
	return vm.ParamSet("name-description", "")
}

func (f *FixtureSet) cacheKeyFor(def *VMDefinition) string {
	imageVM := def.ImageVM
	if imageVM == "" {
		imageVM = def.Name
	}
	scope := def.ImageScope
	if scope == "" {
		scope = "module"
	}
	return nodeid.CacheKey(def.ImageTest, imageVM, scope, f.testNodeID, f.gitRev,
		f.host.gw.data.ImageEquivs)
}

// shouldCommit reports whether the test earned a cache write: setup
// succeeded and the call phase ran and passed.
func (f *FixtureSet) shouldCommit() bool {
	if len(f.phases) == 0 {
		log().Warn("test phase outcomes not available: not exporting VMs")
		return false
	}
	if !f.phases[PhaseSetup] {
		log().Warn("setting up the test failed or was skipped: not exporting VMs")
		return false
	}
	if passed, ok := f.phases[PhaseCall]; !ok || !passed {
		log().Warn("executing the test failed or was skipped: not exporting VMs")
		return false
	}
	return true
}

// Teardown commits passing results to the image cache, then destroys
// every tracked resource: VBDs, then VDIs, then VMs. A failed cache
// write never skips the destroys; it is remembered and returned after
// they ran. The first destroy error still aborts the remaining
// destroys, leaving later resources behind; this mirrors long-standing
// behavior and is a known fragility, not a guarantee worth relying on.
func (f *FixtureSet) Teardown() error {
	var commitErr error
	if f.shouldCommit() {
		shortID := nodeid.Shorten(f.testNodeID)
		for i, vm := range f.vms {
			cacheID := fmt.Sprintf("%s-%s-%s", shortID, f.defs[i].Name, f.gitRev)
			if err := vm.SaveToCache(cacheID); err != nil {
				f.host.gw.log.Errorf("Exporting VM %s to cache: %s", vm.uuid, err)
				commitErr = err
				break
			}
		}
	}

	for _, vbd := range f.vbds {
		f.host.gw.log.Infof("<< Destroy VBD %s", vbd.uuid)
		if err := vbd.Destroy(); err != nil {
			return err
		}
	}
	for _, vdi := range f.vdis {
		f.host.gw.log.Infof("<< Destroy VDI %s", vdi.uuid)
		if err := vdi.Destroy(); err != nil {
			return err
		}
	}
	for _, vm := range f.vms {
		f.host.gw.log.Infof("<< Destroy VM %s", vm.uuid)
		if err := vm.Destroy(true); err != nil {
			return err
		}
	}
	return commitErr
}

// GitRevision returns the commit hash of the working tree at dir.
// Cached images are only valid for committed code, so a dirty tree is
// an error.
func GitRevision(dir string) (string, error) {
	status, err := gitOutput(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if status != "" {
		return "", errors.New("the working tree must not be dirty")
	}
	rev, err := gitOutput(dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return rev, nil
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", errors.Wrapf(err, "git %s", strconv.Quote(strings.Join(args, " ")))
	}
	return strings.TrimSpace(string(out)), nil
}
