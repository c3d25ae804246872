package xcpngtests

import (
	"strings"

	"github.com/pkg/errors"
)

// The import cache stores prepared VMs directly on the pool, tagged
// through their name-description. A cache entry is found again by the
// exact marker text, so the marker must be a pure function of the
// cache identifier.

// vmCacheMarker renders the name-description tag of a cached VM. A
// trailing .xva is stripped so URL and file imports of the same image
// share an entry.
func vmCacheMarker(cacheID string) string {
	return "[Cache for " + strings.TrimSuffix(cacheID, ".xva") + "]"
}

// CachedVM looks up a cached VM for cacheID residing on the given SR.
// Returns (nil, nil) when no suitable entry exists. If the first disk
// of a candidate is on the SR the whole VM is assumed to be; a VM
// with no disk at all fits any SR.
func (h *Host) CachedVM(cacheID, srUUID string) (*VM, error) {
	if srUUID == "" {
		return nil, errors.New("an SR UUID is necessary to use the import cache")
	}
	marker := vmCacheMarker(cacheID)
	out, err := h.XeMinimal("vm-list", XeArgs{"name-description": marker})
	if err != nil {
		return nil, err
	}
	for _, vmUUID := range safeSplit(out) {
		vm := &VM{uuid: vmUUID, host: h}
		vdis, err := vm.VDIUUIDs()
		if err != nil {
			return nil, err
		}
		if len(vdis) > 0 {
			vmSR, err := vm.SRUUID()
			if err != nil {
				return nil, err
			}
			if vmSR != srUUID {
				continue
			}
		}
		h.gw.log.Infof("Reusing cached VM %s for %s", vm.uuid, cacheID)
		return vm, nil
	}
	h.gw.log.Infof("Could not find a VM in cache for %q", cacheID)
	return nil, nil
}

// SaveToCache publishes the VM under cacheID as a clone, replacing
// any stale entries first. The lookup-then-destroy loop is not
// atomic; concurrent runs sharing a pool can race here.
func (v *VM) SaveToCache(cacheID string) error {
	v.host.gw.log.Infof("Save VM %s to cache for %q as a clone", v.uuid, cacheID)

	for {
		srUUID, err := v.host.MainSRUUID()
		if err != nil {
			return err
		}
		oldVM, err := v.host.CachedVM(cacheID, srUUID)
		if err != nil {
			return err
		}
		if oldVM == nil {
			break
		}
		v.host.gw.log.Infof("Destroying old cache %s first", oldVM.uuid)
		if err := oldVM.Destroy(false); err != nil {
			return err
		}
	}

	name, err := v.Name()
	if err != nil {
		return err
	}
	clone, err := v.Clone(name + " cache")
	if err != nil {
		return err
	}
	v.host.gw.log.Infof("Marking VM %s as cached", clone.uuid)
	return clone.ParamSet("name-description", vmCacheMarker(cacheID))
}
