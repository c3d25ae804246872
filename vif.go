package xcpngtests

import "fmt"

// VIF is a handle on a virtual network interface of a VM.
type VIF struct {
	uuid string
	vm   *VM
}

func (f *VIF) UUID() string   { return f.uuid }
func (f *VIF) VM() *VM        { return f.vm }
func (f *VIF) String() string { return f.uuid }

func (f *VIF) ParamGet(name string) (string, error) {
	return f.vm.host.xeParamGet("vif", f.uuid, name, "", false)
}

// MAC returns the interface's hardware address.
func (f *VIF) MAC() (string, error) {
	return f.ParamGet("MAC")
}

// DeviceID builds the identifier under which the VIF's interrupts
// show up in the dom0 kernel, e.g. "vif12.0".
func (f *VIF) DeviceID() (string, error) {
	domID, err := f.vm.ParamGet("dom-id")
	if err != nil {
		return "", err
	}
	device, err := f.ParamGet("device")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vif%s.%s", domID, device), nil
}

// Move reattaches the interface to another network.
func (f *VIF) Move(networkUUID string) error {
	_, err := f.vm.host.Xe("vif-move", XeArgs{"uuid": f.uuid, "network-uuid": networkUUID})
	return err
}
