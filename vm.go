package xcpngtests

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// VM is a handle on one virtual machine. The handle tracks the host
// whose pool the VM currently belongs to; Migrate updates it and
// remembers the previous host so cross-pool cleanup can find leftovers.
type VM struct {
	uuid         string
	host         *Host
	previousHost *Host
	// ip is the guest address learned by TryGetIP, used for direct
	// command execution inside the guest.
	ip string
}

// NewVM wraps an existing VM UUID known to host's pool.
func NewVM(host *Host, uuid string) *VM {
	return &VM{uuid: uuid, host: host}
}

func (v *VM) UUID() string        { return v.uuid }
func (v *VM) Host() *Host         { return v.host }
func (v *VM) PreviousHost() *Host { return v.previousHost }
func (v *VM) IP() string          { return v.ip }
func (v *VM) String() string      { return v.uuid }

func (v *VM) Name() (string, error) {
	return v.ParamGet("name-label")
}

func (v *VM) ParamGet(name string) (string, error) {
	return v.host.xeParamGet("vm", v.uuid, name, "", false)
}

func (v *VM) ParamGetKey(name, key string, acceptUnknown bool) (string, error) {
	return v.host.xeParamGet("vm", v.uuid, name, key, acceptUnknown)
}

func (v *VM) ParamSet(name, value string) error {
	return v.host.xeParamSet("vm", v.uuid, name, "", value)
}

func (v *VM) ParamSetKey(name, key, value string) error {
	return v.host.xeParamSet("vm", v.uuid, name, key, value)
}

func (v *VM) ParamRemove(name, key string, acceptUnknown bool) error {
	return v.host.xeParamRemove("vm", v.uuid, name, key, acceptUnknown)
}

func (v *VM) ParamClear(name string) error {
	return v.host.xeParamClear("vm", v.uuid, name)
}

// IsWindows reports whether the guest is a Windows VM, going by its
// platform device id.
func (v *VM) IsWindows() (bool, error) {
	deviceID, err := v.ParamGetKey("platform", "device_id", true)
	if err != nil {
		return false, err
	}
	return deviceID == "0002", nil
}

// IsUEFI reports whether the guest boots with UEFI firmware.
func (v *VM) IsUEFI() (bool, error) {
	firmware, err := v.ParamGetKey("HVM-boot-params", "firmware", true)
	if err != nil {
		return false, err
	}
	return firmware == "uefi", nil
}

func (v *VM) PowerState() (string, error) {
	return v.ParamGet("power-state")
}

// Power predicates swallow errors: an unreachable pool reads as "not
// in that state", which is what polling callers want.

func (v *VM) IsRunning() bool   { return v.powerStateIs("running") }
func (v *VM) IsHalted() bool    { return v.powerStateIs("halted") }
func (v *VM) IsSuspended() bool { return v.powerStateIs("suspended") }
func (v *VM) IsPaused() bool    { return v.powerStateIs("paused") }

func (v *VM) powerStateIs(state string) bool {
	s, err := v.PowerState()
	return err == nil && s == state
}

// Start powers the VM on, letting the pool pick a host.
func (v *VM) Start() error {
	return v.StartOn("")
}

// StartOn powers the VM on on a specific host, given by name-label or
// UUID.
func (v *VM) StartOn(on string) error {
	msg := "Start VM"
	args := XeArgs{"uuid": v.uuid}
	if on != "" {
		msg += fmt.Sprintf(" (on host %s)", on)
		args["on"] = on
	}
	v.host.gw.log.Info(msg)
	_, err := v.host.Xe("vm-start", args)
	return err
}

// Shutdown shuts the VM down cleanly, or hard with force. With
// verify, waits for the halted state.
func (v *VM) Shutdown(force, verify bool) error {
	msg := "Shutdown VM"
	if force {
		msg += " (force)"
	}
	v.host.gw.log.Info(msg)
	_, err := v.host.Xe("vm-shutdown", XeArgs{"uuid": v.uuid, "force": XapiBool(force)})
	if err != nil {
		return err
	}
	if verify {
		return WaitFor(v.IsHalted, "Wait for VM halted", WaitOptions{})
	}
	return nil
}

// ShutdownFallbackForce tries a clean shutdown and falls back to a
// forced one when the clean one fails.
func (v *VM) ShutdownFallbackForce(verify bool) error {
	err := v.Shutdown(false, verify)
	if err == nil {
		return nil
	}
	v.host.gw.log.Warnf("Shutdown failed: %s", err)
	return v.Shutdown(true, verify)
}

// Reboot reboots the VM. vm-reboot only returns once the reboot
// started, so with verify we only wait for the guest to be
// operational again.
func (v *VM) Reboot(force, verify bool) error {
	v.host.gw.log.Info("Reboot VM")
	_, err := v.host.Xe("vm-reboot", XeArgs{"uuid": v.uuid, "force": XapiBool(force)})
	if err != nil {
		return err
	}
	if verify {
		return v.WaitForRunningSSH()
	}
	return nil
}

func (v *VM) Suspend(verify bool) error {
	v.host.gw.log.Info("Suspend VM")
	if _, err := v.host.Xe("vm-suspend", XeArgs{"uuid": v.uuid}); err != nil {
		return err
	}
	if verify {
		return WaitFor(v.IsSuspended, "Wait for VM suspended", WaitOptions{})
	}
	return nil
}

func (v *VM) Resume() error {
	v.host.gw.log.Info("Resume VM")
	_, err := v.host.Xe("vm-resume", XeArgs{"uuid": v.uuid})
	return err
}

func (v *VM) Pause(verify bool) error {
	v.host.gw.log.Info("Pause VM")
	if _, err := v.host.Xe("vm-pause", XeArgs{"uuid": v.uuid}); err != nil {
		return err
	}
	if verify {
		return WaitFor(v.IsPaused, "Wait for VM paused", WaitOptions{})
	}
	return nil
}

func (v *VM) Unpause() error {
	v.host.gw.log.Info("Unpause VM")
	_, err := v.host.Xe("vm-unpause", XeArgs{"uuid": v.uuid})
	return err
}

// TryGetIP polls the guest's reported address and stores it on the
// handle. Link-local 169.254. addresses are placeholders the guest
// reports before DHCP answers, so they do not count.
func (v *VM) TryGetIP() bool {
	ip, err := v.ParamGetKey("networks", "0/ip", true)
	if err != nil || ip == "" || strings.HasPrefix(ip, "169.254.") {
		return false
	}
	v.host.gw.log.Infof("VM IP: %s", ip)
	v.ip = ip
	return true
}

// SSH runs a command inside the guest, failing on nonzero exit.
func (v *VM) SSH(cmd []string) (string, error) {
	if v.ip == "" {
		return "", errors.Errorf("no known IP for VM %s", v.uuid)
	}
	return v.host.gw.SSH(v.ip, cmd)
}

// SSHWithResult runs a command inside the guest without checking the
// exit code.
func (v *VM) SSHWithResult(cmd []string) (*Result, error) {
	if v.ip == "" {
		return nil, errors.Errorf("no known IP for VM %s", v.uuid)
	}
	return v.host.gw.SSHWithResult(v.ip, cmd)
}

// IsSSHUp reports whether the guest answers a trivial command over
// SSH. Transport failures mean "not up yet".
func (v *VM) IsSSHUp() bool {
	res, err := v.SSHWithResult([]string{"true"})
	return err == nil && res.ExitCode == 0
}

// IsManagementAgentUp reports whether the guest agent has registered
// with XAPI. Windows agents sometimes fail to refresh the major
// version after a resume, so the xenbus key counts too.
func (v *VM) IsManagementAgentUp() bool {
	major, err := v.ParamGetKey("PV-drivers-version", "major", true)
	if err == nil && major != "" {
		return true
	}
	xenbus, err := v.ParamGetKey("PV-drivers-version", "xenbus", true)
	return err == nil && xenbus != ""
}

// WaitForOSBooted waits for the VM to run, report an IP and have its
// management agent up.
func (v *VM) WaitForOSBooted() error {
	if err := WaitFor(v.IsRunning, "Wait for VM running", WaitOptions{}); err != nil {
		return err
	}
	if err := WaitFor(v.TryGetIP, "Wait for VM IP", WaitOptions{Timeout: 5 * time.Minute}); err != nil {
		return err
	}
	return WaitFor(v.IsManagementAgentUp, "Wait for management agent up", WaitOptions{})
}

// WaitForRunningSSH waits for a fully operational guest: booted and
// reachable over SSH.
func (v *VM) WaitForRunningSSH() error {
	if err := v.WaitForOSBooted(); err != nil {
		return err
	}
	return WaitFor(v.IsSSHUp, "Wait for SSH up", WaitOptions{})
}

// TouchFile creates a file inside the guest and checks it landed.
func (v *VM) TouchFile(path string) error {
	v.host.gw.log.Infof("Create file on VM (%s)", path)
	if _, err := v.SSH([]string{"touch", path}); err != nil {
		return err
	}
	windows, err := v.IsWindows()
	if err != nil {
		return err
	}
	if !windows {
		if _, err := v.SSH([]string{"sync", path}); err != nil {
			return err
		}
	}
	_, err = v.SSH([]string{"test", "-f", path})
	return err
}

// StartBackgroundProcess launches cmd detached inside the guest,
// through a generated script so the PID can be captured, and returns
// that PID.
func (v *VM) StartBackgroundProcess(cmd string) (string, error) {
	if v.ip == "" {
		return "", errors.Errorf("no known IP for VM %s", v.uuid)
	}
	v.host.gw.log.Infof("Start background process on VM: %s", cmd)
	const script = "/tmp/bg_process.sh"
	const pidFile = "/tmp/bg_process.pid"
	contents := fmt.Sprintf("#!/bin/sh\nnohup %s >/dev/null 2>&1 &\necho $! > %s\n", cmd, pidFile)
	if err := v.host.gw.WriteFile(v.ip, script, []byte(contents)); err != nil {
		return "", err
	}
	if _, err := v.SSH([]string{"sh", script}); err != nil {
		return "", err
	}
	return v.SSH([]string{"cat", pidFile})
}

// PIDExists reports whether a process with that PID is alive in the
// guest.
func (v *VM) PIDExists(pid string) (bool, error) {
	res, err := v.SSHWithResult([]string{"test", "-d", "/proc/" + pid})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (v *VM) diskList() (string, error) {
	return v.host.XeMinimal("vm-disk-list", XeArgs{"uuid": v.uuid, "vbd-params": ""})
}

// VDIUUIDs lists the UUIDs of the VM's disks.
func (v *VM) VDIUUIDs() ([]string, error) {
	out, err := v.diskList()
	if err != nil {
		return nil, err
	}
	var vdis []string
	for _, line := range safeLines(out) {
		vdis = append(vdis, strings.Split(line, ",")[0])
	}
	return vdis, nil
}

// SRUUID returns the SR holding the VM's first disk.
func (v *VM) SRUUID() (string, error) {
	vdis, err := v.VDIUUIDs()
	if err != nil {
		return "", err
	}
	if len(vdis) == 0 {
		return "", errors.Errorf("VM %s has no disk", v.uuid)
	}
	return v.host.xeParamGet("vdi", vdis[0], "sr-uuid", "", false)
}

// Destroy shuts down the VM if needed, destroys its VDIs one by one,
// then the VM itself. vm-uninstall is not used because it leaves a
// VDI behind (xapi issue 4145). With verify, waits until the pool
// forgets the VM.
func (v *VM) Destroy(verify bool) error {
	if !v.IsHalted() {
		if err := v.Shutdown(true, false); err != nil {
			return err
		}
	}
	vdis, err := v.VDIUUIDs()
	if err != nil {
		return err
	}
	for _, vdiUUID := range vdis {
		if _, err := v.host.Xe("vdi-destroy", XeArgs{"uuid": vdiUUID}); err != nil {
			return err
		}
	}
	if _, err := v.host.Xe("vm-destroy", XeArgs{"uuid": v.uuid}); err != nil {
		return err
	}
	if verify {
		return WaitForNot(func() bool { ok, _ := v.Exists(); return ok }, "Wait for VM destroyed", WaitOptions{})
	}
	return nil
}

// Exists reports whether the VM's current pool still knows it.
func (v *VM) Exists() (bool, error) {
	return v.host.PoolHasVM(v.uuid, false)
}

// ExistsOnPreviousPool reports whether the pool the VM migrated away
// from still knows it.
func (v *VM) ExistsOnPreviousPool() (bool, error) {
	if v.previousHost == nil {
		return false, errors.New("VM was never migrated")
	}
	return v.previousHost.PoolHasVM(v.uuid, false)
}

// Migrate moves the VM to targetHost, live when it is running.
// Storage motion kicks in for cross-pool moves, an SR change, or an
// explicit network; an explicit SR that the VM already sits on
// degrades to a plain intra-pool migration. networkUUID names a
// network on the destination pool and is only meaningful cross-pool.
func (v *VM) Migrate(targetHost *Host, sr *SR, networkUUID string) error {
	msg := fmt.Sprintf("Migrate VM to host %s", targetHost)
	params := XeArgs{
		"uuid":      v.uuid,
		"host-uuid": targetHost.uuid,
		"live":      XapiBool(v.IsRunning()),
	}
	crossPool := v.host.pool.uuid != targetHost.pool.uuid
	if sr != nil {
		current, err := v.SRUUID()
		if err != nil {
			return err
		}
		if current == sr.uuid {
			// Same SR, no need to migrate storage.
			sr = nil
		} else {
			msg += fmt.Sprintf(" (SR: %s)", sr.uuid)
		}
	}
	if networkUUID != "" {
		msg += fmt.Sprintf(" (Network: %s)", networkUUID)
	}
	v.host.gw.log.Info(msg)

	storageMotion := crossPool || sr != nil || networkUUID != ""
	if storageMotion {
		remoteMaster := targetHost.pool.master
		params["remote-master"] = remoteMaster.addr
		params["remote-username"] = remoteMaster.creds.User
		params["remote-password"] = remoteMaster.creds.Password

		srUUID := ""
		if sr != nil {
			srUUID = sr.uuid
		} else {
			var err error
			srUUID, err = targetHost.pool.DefaultSR()
			if err != nil {
				return err
			}
		}
		vdis, err := v.VDIUUIDs()
		if err != nil {
			return err
		}
		for _, vdiUUID := range vdis {
			params["vdi:"+vdiUUID] = srUUID
		}

		if crossPool {
			// VIF mapping is only required for cross-pool migration.
			if networkUUID == "" {
				networkUUID, err = remoteMaster.ManagementNetwork()
				if err != nil {
					return err
				}
			}
			vifs, err := v.VIFs()
			if err != nil {
				return err
			}
			for _, vif := range vifs {
				params["vif:"+vif.uuid] = networkUUID
			}
		}
	}

	if _, err := v.host.Xe("vm-migrate", params); err != nil {
		return err
	}
	v.previousHost = v.host
	v.host = targetHost
	return nil
}

// IsRunningOnHost reports whether the VM currently executes on host.
func (v *VM) IsRunningOnHost(host *Host) bool {
	if !v.IsRunning() {
		return false
	}
	resident, err := v.ParamGet("resident-on")
	return err == nil && resident == host.uuid
}

// ResidenceHost returns the pool member the running VM executes on.
func (v *VM) ResidenceHost() (*Host, error) {
	hostUUID, err := v.ParamGet("resident-on")
	if err != nil {
		return nil, err
	}
	return v.host.pool.GetHostByUUID(hostUUID)
}

// Clone clones the halted VM. An empty name derives one from the
// VM's current name.
func (v *VM) Clone(name string) (*VM, error) {
	if name == "" {
		current, err := v.Name()
		if err != nil {
			return nil, err
		}
		name = current + "_clone_for_tests"
	}
	v.host.gw.log.Info("Clone VM")
	cloneUUID, err := v.host.Xe("vm-clone", XeArgs{"uuid": v.uuid, "new-name-label": name})
	if err != nil {
		return nil, err
	}
	return &VM{uuid: cloneUUID, host: v.host}, nil
}

// Snapshot takes a disk-only snapshot, skipping ignoreVDIs.
func (v *VM) Snapshot(ignoreVDIs []string) (*Snapshot, error) {
	v.host.gw.log.Info("Snapshot VM")
	args := XeArgs{"uuid": v.uuid, "new-name-label": "Snapshot of " + v.uuid}
	if len(ignoreVDIs) > 0 {
		args["ignore-vdi-uuids"] = strings.Join(ignoreVDIs, ",")
	}
	snapUUID, err := v.host.Xe("vm-snapshot", args)
	if err != nil {
		return nil, err
	}
	return &Snapshot{uuid: snapUUID, host: v.host}, nil
}

// Checkpoint takes a disk and memory snapshot of the running VM.
func (v *VM) Checkpoint() (*Snapshot, error) {
	v.host.gw.log.Info("Checkpoint VM")
	snapUUID, err := v.host.Xe("vm-checkpoint",
		XeArgs{"uuid": v.uuid, "new-name-label": "Checkpoint of " + v.uuid})
	if err != nil {
		return nil, err
	}
	return &Snapshot{uuid: snapUUID, host: v.host}, nil
}

// VIFs lists the VM's virtual interfaces.
func (v *VM) VIFs() ([]*VIF, error) {
	out, err := v.host.XeMinimal("vif-list", XeArgs{"vm-uuid": v.uuid})
	if err != nil {
		return nil, err
	}
	var vifs []*VIF
	for _, vifUUID := range safeSplit(out) {
		vifs = append(vifs, &VIF{uuid: vifUUID, vm: v})
	}
	return vifs, nil
}

// CreateVIF attaches a new interface at device position num to a
// network.
func (v *VM) CreateVIF(num int, networkUUID string) error {
	v.host.gw.log.Infof("Create VIF %d to network %q on VM %s", num, networkUUID, v.uuid)
	_, err := v.host.Xe("vif-create", XeArgs{
		"vm-uuid":      v.uuid,
		"device":       strconv.Itoa(num),
		"network-uuid": networkUUID,
	})
	return err
}

// CreateVBD attaches a VDI to the VM at a device position.
func (v *VM) CreateVBD(device, vdiUUID string) (*VBD, error) {
	v.host.gw.log.Infof("Create VBD %q for VDI %q on VM %s", device, vdiUUID, v.uuid)
	vbdUUID, err := v.host.Xe("vbd-create", XeArgs{
		"vm-uuid":  v.uuid,
		"device":   device,
		"vdi-uuid": vdiUUID,
	})
	if err != nil {
		return nil, err
	}
	v.host.gw.log.Infof("New VBD %s", vbdUUID)
	return &VBD{uuid: vbdUUID, vm: v, device: device}, nil
}

// CreateCDVBD attaches an empty CD drive to the VM.
func (v *VM) CreateCDVBD(device, userdevice string) (*VBD, error) {
	v.host.gw.log.Infof("Create CD VBD %q on VM %s", device, v.uuid)
	vbdUUID, err := v.host.Xe("vbd-create", XeArgs{
		"vm-uuid": v.uuid,
		"device":  device,
		"type":    "CD",
		"mode":    "RO",
	})
	if err != nil {
		return nil, err
	}
	vbd := &VBD{uuid: vbdUUID, vm: v, device: device}
	if err := vbd.ParamSet("userdevice", userdevice); err != nil {
		return nil, err
	}
	v.host.gw.log.Infof("New VBD %s", vbdUUID)
	return vbd, nil
}

// InsertCD loads a CD, found by name, into the VM's CD drive.
func (v *VM) InsertCD(vdiName string) error {
	v.host.gw.log.Infof("Insert CD %q in VM %s", vdiName, v.uuid)
	_, err := v.host.Xe("vm-cd-insert", XeArgs{"uuid": v.uuid, "cd-name": vdiName})
	return err
}

// EjectCD empties the VM's CD drive.
func (v *VM) EjectCD() error {
	v.host.gw.log.Infof("Ejecting CD from VM %s", v.uuid)
	_, err := v.host.Xe("vm-cd-eject", XeArgs{"uuid": v.uuid})
	return err
}

// Snapshot is a handle on a VM snapshot.
type Snapshot struct {
	uuid string
	host *Host
}

func (s *Snapshot) UUID() string   { return s.uuid }
func (s *Snapshot) String() string { return s.uuid }

// Exists reports whether the pool still knows the snapshot.
func (s *Snapshot) Exists() (bool, error) {
	return s.host.PoolHasVM(s.uuid, true)
}

// Revert rolls the snapshotted VM back to this snapshot.
func (s *Snapshot) Revert() error {
	s.host.gw.log.Info("Revert snapshot")
	_, err := s.host.Xe("snapshot-revert", XeArgs{"snapshot-uuid": s.uuid})
	return err
}

// Destroy removes the snapshot and its disks. snapshot-uninstall
// works better for snapshots than vm-uninstall does for VMs.
func (s *Snapshot) Destroy() error {
	s.host.gw.log.Info("Delete snapshot")
	if _, err := s.host.Xe("snapshot-uninstall", XeArgs{"uuid": s.uuid, "force": "true"}); err != nil {
		return err
	}
	exists, err := s.Exists()
	if err != nil {
		return err
	}
	if exists {
		return errors.Errorf("snapshot %s still exists after uninstall", s.uuid)
	}
	return nil
}
