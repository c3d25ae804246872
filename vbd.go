package xcpngtests

// VBD is a handle on a virtual block device connecting a VDI to a VM.
type VBD struct {
	uuid   string
	vm     *VM
	device string
}

func (b *VBD) UUID() string   { return b.uuid }
func (b *VBD) VM() *VM        { return b.vm }
func (b *VBD) Device() string { return b.device }
func (b *VBD) String() string { return b.uuid }

func (b *VBD) ParamGet(name string) (string, error) {
	return b.vm.host.xeParamGet("vbd", b.uuid, name, "", false)
}

func (b *VBD) ParamSet(name, value string) error {
	return b.vm.host.xeParamSet("vbd", b.uuid, name, "", value)
}

// Plug attaches the device to the running VM.
func (b *VBD) Plug() error {
	_, err := b.vm.host.Xe("vbd-plug", XeArgs{"uuid": b.uuid})
	return err
}

// Unplug detaches the device from the running VM.
func (b *VBD) Unplug() error {
	_, err := b.vm.host.Xe("vbd-unplug", XeArgs{"uuid": b.uuid})
	return err
}

func (b *VBD) Destroy() error {
	b.vm.host.gw.log.Infof("Destroy VBD %s", b.uuid)
	_, err := b.vm.host.Xe("vbd-destroy", XeArgs{"uuid": b.uuid})
	return err
}
