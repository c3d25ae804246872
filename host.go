package xcpngtests

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Host is a handle on one hypervisor host: a management address plus
// the UUID read from its inventory. The host itself lives on the
// management plane; the handle only coordinates against it.
type Host struct {
	gw        *Gateway
	pool      *Pool
	addr      string
	uuid      string
	inventory map[string]string
	creds     Credentials
}

func newHost(p *Pool, hostnameOrIP string) (*Host, error) {
	h := &Host{
		gw:    p.gw,
		pool:  p,
		addr:  hostnameOrIP,
		creds: p.gw.data.CredentialsFor(hostnameOrIP),
	}
	inv, err := h.readInventory()
	if err != nil {
		return nil, err
	}
	h.inventory = inv
	h.uuid = inv["INSTALLATION_UUID"]
	if h.uuid == "" {
		return nil, errors.Errorf("host %s has no INSTALLATION_UUID in its inventory", hostnameOrIP)
	}
	return h, nil
}

func (h *Host) String() string { return h.addr }
func (h *Host) Addr() string   { return h.addr }
func (h *Host) UUID() string   { return h.uuid }
func (h *Host) Pool() *Pool    { return h.pool }

// Inventory returns the key-value pairs of /etc/xensource-inventory,
// as read when the handle was created.
func (h *Host) Inventory() map[string]string { return h.inventory }

func (h *Host) readInventory() (map[string]string, error) {
	out, err := h.SSH([]string{"cat", "/etc/xensource-inventory"})
	if err != nil {
		return nil, err
	}
	inv := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		key, raw, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		inv[key] = strings.Trim(raw, "'")
	}
	return inv, nil
}

// SSH runs a command on the host, failing on nonzero exit.
func (h *Host) SSH(cmd []string) (string, error) {
	return h.gw.SSH(h.addr, cmd)
}

// SSHWithResult runs a command without checking the exit code.
func (h *Host) SSHWithResult(cmd []string) (*Result, error) {
	return h.gw.SSHWithResult(h.addr, cmd)
}

// SSHBackground fires a detached command on the host.
func (h *Host) SSHBackground(cmd []string) error {
	return h.gw.SSHBackground(h.addr, cmd)
}

// CreateFile writes text to a file on the host.
func (h *Host) CreateFile(path, text string) error {
	return h.gw.WriteFile(h.addr, path, []byte(text))
}

func (h *Host) ParamGet(name string) (string, error) {
	return h.xeParamGet("host", h.uuid, name, "", false)
}

func (h *Host) ParamGetKey(name, key string, acceptUnknown bool) (string, error) {
	return h.xeParamGet("host", h.uuid, name, key, acceptUnknown)
}

func (h *Host) ParamSet(name, value string) error {
	return h.xeParamSet("host", h.uuid, name, "", value)
}

// IsEnabled reports whether XAPI considers the host enabled. A failed
// command means XAPI is not ready (or the host is down), which counts
// as not enabled rather than an error.
func (h *Host) IsEnabled() bool {
	enabled, err := h.ParamGet("enabled")
	if err != nil {
		return false
	}
	return enabled == "true"
}

// IsMaster reports whether this host is its pool's master.
func (h *Host) IsMaster() (bool, error) {
	out, err := h.SSH([]string{"cat", "/etc/xensource/pool.conf"})
	if err != nil {
		return false, err
	}
	return out == "master", nil
}

// Hostname returns the host's own idea of its name.
func (h *Host) Hostname() (string, error) {
	return h.SSH([]string{"hostname"})
}

// ManagementNetwork returns the UUID of the network carrying the
// management interface.
func (h *Host) ManagementNetwork() (string, error) {
	return h.XeMinimal("network-list", XeArgs{"bridge": h.inventory["MANAGEMENT_INTERFACE"]})
}

// VMUUIDs lists the pool's guest VMs, excluding control domains and
// snapshots.
func (h *Host) VMUUIDs() ([]string, error) {
	out, err := h.XeMinimal("vm-list", XeArgs{
		"is-control-domain": "false",
		"is-a-snapshot":     "false",
	})
	if err != nil {
		return nil, err
	}
	return safeSplit(out), nil
}

// PoolHasVM reports whether the pool knows the VM (or snapshot) UUID.
func (h *Host) PoolHasVM(vmUUID string, snapshot bool) (bool, error) {
	action := "vm-list"
	if snapshot {
		action = "snapshot-list"
	}
	out, err := h.XeMinimal(action, XeArgs{"uuid": vmUUID})
	if err != nil {
		return false, err
	}
	return out == vmUUID, nil
}

// RestartToolstack restarts XAPI, optionally waiting for the host to
// report enabled again.
func (h *Host) RestartToolstack(verify bool) error {
	h.gw.log.Infof("Restart toolstack on host %s", h)
	if _, err := h.SSH([]string{"xe-toolstack-restart"}); err != nil {
		return err
	}
	if verify {
		return WaitFor(h.IsEnabled, "Wait for host enabled", WaitOptions{Timeout: 30 * time.Minute})
	}
	return nil
}

// Reboot reboots the host. The SSH session is expected to die with
// the reboot, so transport errors and "closed by remote host" are
// swallowed. With verify, waits for the host to go down, come back on
// the network, and report enabled.
func (h *Host) Reboot(verify bool) error {
	h.gw.log.Infof("Reboot host %s", h)
	if _, err := h.SSH([]string{"reboot"}); err != nil {
		var sshErr *SSHError
		var cmdErr *CommandError
		switch {
		case errors.As(err, &sshErr):
		case errors.As(err, &cmdErr) && strings.Contains(cmdErr.Stdout, "closed by remote host"):
		default:
			return err
		}
	}
	if !verify {
		return nil
	}
	if err := WaitForNot(h.IsEnabled, "Wait for host down", WaitOptions{}); err != nil {
		return err
	}
	err := WaitFor(func() bool { return tcpPortOpen(h.addr, 22) }, "Wait for ssh up on host",
		WaitOptions{Timeout: 10 * time.Minute, RetryDelay: 5 * time.Second})
	if err != nil {
		return err
	}
	return WaitFor(h.IsEnabled, "Wait for XAPI to be ready", WaitOptions{Timeout: 30 * time.Minute})
}

// FileExists reports whether path exists on the host as a regular
// file (or, with regularFile false, as anything).
func (h *Host) FileExists(path string, regularFile bool) (bool, error) {
	option := "-f"
	if !regularFile {
		option = "-e"
	}
	res, err := h.SSHWithResult([]string{"test", option, path})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Disks lists the host's SCSI/NVMe disks, e.g. ["sda", "sdb"].
func (h *Host) Disks() ([]string, error) {
	out, err := h.SSH([]string{"lsblk", "-nd", "-I", "8,259", "--output", "NAME"})
	if err != nil {
		return nil, err
	}
	disks := safeLines(out)
	return disks, nil
}

// DiskIsAvailable reports whether a disk has no mountpoints at all
// (including its partitions), which we take as "free for tests".
func (h *Host) DiskIsAvailable(disk string) (bool, error) {
	out, err := h.SSH([]string{"lsblk", "-n", "-o", "MOUNTPOINT", "/dev/" + disk})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// AvailableDisks returns the free disks with the given logical sector
// size (512 for regular disks, 4096 for 4KiB-native ones).
func (h *Host) AvailableDisks(blocksize int) ([]string, error) {
	out, err := h.SSH([]string{"lsblk", "-nd", "-I", "8,259", "--output", "NAME,LOG-SEC"})
	if err != nil {
		return nil, err
	}
	var avail []string
	for _, line := range safeLines(out) {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[1] != strconv.Itoa(blocksize) {
			continue
		}
		free, err := h.DiskIsAvailable(fields[0])
		if err != nil {
			return nil, err
		}
		if free {
			avail = append(avail, fields[0])
		}
	}
	return avail, nil
}

// SRCreate creates an SR on this host. deviceConfig entries become
// device-config: parameters. With verify, waits for the SR to exist.
func (h *Host) SRCreate(srType, label string, deviceConfig map[string]string, shared, verify bool) (*SR, error) {
	contentType := "user"
	if srType == "iso" {
		contentType = "iso"
	}
	args := XeArgs{
		"host-uuid":    h.uuid,
		"type":         srType,
		"name-label":   h.gw.data.PrefixObjectName(label),
		"content-type": contentType,
		"shared":       XapiBool(shared),
	}
	for k, v := range deviceConfig {
		args["device-config:"+k] = v
	}
	h.gw.log.Infof("Create %s SR on host %s with label %q", srType, h, label)
	srUUID, err := h.Xe("sr-create", args)
	if err != nil {
		return nil, err
	}
	sr := &SR{uuid: srUUID, pool: h.pool}
	if verify {
		if err := WaitFor(func() bool { ok, _ := sr.Exists(); return ok }, "Wait for SR to exist", WaitOptions{}); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// LocalVMSRs lists the host's local, user-content SRs.
func (h *Host) LocalVMSRs() ([]*SR, error) {
	out, err := h.XeMinimal("pbd-list", XeArgs{"host-uuid": h.uuid, "params": "sr-uuid"})
	if err != nil {
		return nil, err
	}
	var srs []*SR
	for _, srUUID := range safeSplit(out) {
		sr := &SR{uuid: srUUID, pool: h.pool}
		contentType, err := sr.ContentType()
		if err != nil {
			return nil, err
		}
		shared, err := sr.IsShared()
		if err != nil {
			return nil, err
		}
		if contentType == "user" && !shared {
			srs = append(srs, sr)
		}
	}
	return srs, nil
}

// MainSRUUID resolves the SR that imports and fixture VDIs land on,
// honoring the configured default-SR policy.
func (h *Host) MainSRUUID() (string, error) {
	switch policy := h.gw.data.DefaultSR; policy {
	case "local":
		hostname, err := h.Xe("host-param-get", XeArgs{"uuid": h.uuid, "param-name": "name-label"})
		if err != nil {
			return "", err
		}
		// xe sr-list does not filter by host UUID, only by name.
		out, err := h.XeMinimal("sr-list", XeArgs{"host": hostname, "content-type": "user"})
		if err != nil {
			return "", err
		}
		srUUIDs := safeSplit(out)
		if len(srUUIDs) == 0 {
			return "", errors.Errorf("default_sr is 'local' but host %s has no local SR", h)
		}
		return srUUIDs[0], nil
	case "default", "":
		srUUID, err := h.pool.DefaultSR()
		if err != nil {
			return "", err
		}
		if srUUID == "" || srUUID == "<not in database>" {
			return "", errors.Errorf("pool of host %s has no default SR", h)
		}
		return srUUID, nil
	default:
		out, err := h.XeMinimal("sr-list", XeArgs{"uuid": policy})
		if err != nil {
			return "", err
		}
		if out == "" {
			return "", errors.Errorf("cannot find SR %s on host %s", policy, h)
		}
		return policy, nil
	}
}

// VMFromTemplate installs a new VM from a template on the main SR.
func (h *Host) VMFromTemplate(name, template string) (*VM, error) {
	srUUID, err := h.MainSRUUID()
	if err != nil {
		return nil, err
	}
	vmUUID, err := h.Xe("vm-install", XeArgs{
		"new-name-label": h.gw.data.PrefixObjectName(name),
		"template":       template,
		"sr-uuid":        srUUID,
	})
	if err != nil {
		return nil, err
	}
	return &VM{uuid: vmUUID, host: h}, nil
}

// ImportVM imports a VM image (URL or a file path on the host) onto
// an SR. With useCache, a previously imported copy under the same URI
// is reused, and "clone:<uri>" / "clone+start:<uri>" URIs hand back a
// started clone of the cached copy instead of the cached copy itself.
func (h *Host) ImportVM(uri, srUUID string, useCache bool) (*VM, error) {
	if useCache {
		if rest, ok := cutCloneScheme(uri); ok {
			base, err := h.CachedVM(rest, srUUID)
			if err != nil {
				return nil, err
			}
			if base != nil {
				vm, err := base.Clone("")
				if err != nil {
					return nil, err
				}
				if err := vm.ParamClear("name-description"); err != nil {
					return nil, err
				}
				if strings.HasPrefix(uri, "clone+start:") {
					if err := vm.Start(); err != nil {
						return nil, err
					}
					if err := WaitFor(vm.IsRunning, "Wait for VM running", WaitOptions{}); err != nil {
						return nil, err
					}
				}
				return vm, nil
			}
		} else {
			vm, err := h.CachedVM(uri, srUUID)
			if err != nil {
				return nil, err
			}
			if vm != nil {
				return vm, nil
			}
		}
	} else if _, ok := cutCloneScheme(uri); ok {
		return nil, errors.New("clone URIs require the import cache")
	}

	args := XeArgs{}
	if strings.Contains(uri, "://") {
		args["url"] = uri
	} else {
		args["filename"] = uri
	}
	msg := fmt.Sprintf("Import VM %s", uri)
	if srUUID != "" {
		msg += fmt.Sprintf(" (SR: %s)", srUUID)
		args["sr-uuid"] = srUUID
	}
	h.gw.log.Infof("%s on host %s", msg, h)
	vmUUID, err := h.Xe("vm-import", args)
	if err != nil {
		return nil, err
	}
	vm := &VM{uuid: vmUUID, host: h}
	name, err := vm.Name()
	if err != nil {
		return nil, err
	}
	if err := vm.ParamSet("name-label", h.gw.data.PrefixObjectName(name)); err != nil {
		return nil, err
	}
	// Imported VIFs point at whatever network the image was built on;
	// move them all to this host's management network.
	mgmt, err := h.ManagementNetwork()
	if err != nil {
		return nil, err
	}
	vifs, err := vm.VIFs()
	if err != nil {
		return nil, err
	}
	for _, vif := range vifs {
		if err := vif.Move(mgmt); err != nil {
			return nil, err
		}
	}
	if useCache {
		h.gw.log.Infof("Marking VM %s as cached", vm.uuid)
		if err := vm.ParamSet("name-description", vmCacheMarker(uri)); err != nil {
			return nil, err
		}
	}
	return vm, nil
}

// cutCloneScheme strips a clone:/clone+start: prefix from a cache URI.
func cutCloneScheme(uri string) (string, bool) {
	for _, scheme := range []string{"clone+start:", "clone:"} {
		if rest, ok := strings.CutPrefix(uri, scheme); ok {
			return strings.TrimPrefix(rest, "//"), true
		}
	}
	return "", false
}

// ImportISO downloads (if needed) and imports an ISO into an SR,
// returning the VDI holding it.
func (h *Host) ImportISO(uri string, sr *SR) (*VDI, error) {
	name := uuid.NewString()
	vdiUUID, err := h.Xe("vdi-create", XeArgs{
		"sr-uuid":      sr.uuid,
		"name-label":   name,
		"virtual-size": "0",
	})
	if err != nil {
		return nil, err
	}

	args := XeArgs{"uuid": vdiUUID}
	downloadPath := ""
	if strings.Contains(uri, "://") {
		h.gw.log.Infof("Download ISO %s", uri)
		downloadPath = "/tmp/" + vdiUUID
		if _, err := h.SSH([]string{"curl", "-o", downloadPath, quoteArg(uri)}); err != nil {
			return nil, err
		}
		args["filename"] = downloadPath
	} else {
		args["filename"] = uri
	}
	h.gw.log.Infof("Import ISO %s: name %s, uuid %s", uri, name, vdiUUID)
	_, importErr := h.Xe("vdi-import", args)
	if downloadPath != "" {
		if _, err := h.SSH([]string{"rm", "-f", downloadPath}); err != nil && importErr == nil {
			importErr = err
		}
	}
	if importErr != nil {
		return nil, importErr
	}
	return &VDI{uuid: vdiUUID, sr: sr}, nil
}

func safeLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
