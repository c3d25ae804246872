package xcpngtests

// SR is a handle on a storage repository, bound to the pool whose
// master manages it.
type SR struct {
	uuid string
	pool *Pool
}

// NewSR wraps an existing SR UUID known to pool.
func NewSR(pool *Pool, uuid string) *SR {
	return &SR{uuid: uuid, pool: pool}
}

func (s *SR) UUID() string   { return s.uuid }
func (s *SR) Pool() *Pool    { return s.pool }
func (s *SR) String() string { return s.uuid }

func (s *SR) ParamGet(name string) (string, error) {
	return s.pool.master.xeParamGet("sr", s.uuid, name, "", false)
}

// Exists reports whether the pool still knows the SR.
func (s *SR) Exists() (bool, error) {
	out, err := s.pool.master.XeMinimal("sr-list", XeArgs{"uuid": s.uuid})
	if err != nil {
		return false, err
	}
	return out == s.uuid, nil
}

func (s *SR) Name() (string, error) {
	return s.ParamGet("name-label")
}

func (s *SR) ContentType() (string, error) {
	return s.ParamGet("content-type")
}

func (s *SR) IsShared() (bool, error) {
	shared, err := s.ParamGet("shared")
	if err != nil {
		return false, err
	}
	return shared == "true", nil
}

// Scan refreshes the SR's view of its contents.
func (s *SR) Scan() error {
	_, err := s.pool.master.Xe("sr-scan", XeArgs{"uuid": s.uuid})
	return err
}

// PBDUUIDs lists the PBDs connecting the SR to hosts.
func (s *SR) PBDUUIDs() ([]string, error) {
	out, err := s.pool.master.XeMinimal("pbd-list", XeArgs{"sr-uuid": s.uuid})
	if err != nil {
		return nil, err
	}
	return safeSplit(out), nil
}

// UnplugPBDs detaches the SR from every host, a prerequisite for
// Forget and Destroy.
func (s *SR) UnplugPBDs() error {
	pbds, err := s.PBDUUIDs()
	if err != nil {
		return err
	}
	s.pool.gw.log.Infof("Unplug PBDs of SR %s", s.uuid)
	for _, pbdUUID := range pbds {
		if _, err := s.pool.master.Xe("pbd-unplug", XeArgs{"uuid": pbdUUID}); err != nil {
			return err
		}
	}
	return nil
}

// Forget detaches and forgets the SR, leaving its contents on disk.
func (s *SR) Forget() error {
	if err := s.UnplugPBDs(); err != nil {
		return err
	}
	s.pool.gw.log.Infof("Forget SR %s", s.uuid)
	_, err := s.pool.master.Xe("sr-forget", XeArgs{"uuid": s.uuid})
	return err
}

// Destroy detaches the SR and destroys its contents.
func (s *SR) Destroy() error {
	if err := s.UnplugPBDs(); err != nil {
		return err
	}
	s.pool.gw.log.Infof("Destroy SR %s", s.uuid)
	_, err := s.pool.master.Xe("sr-destroy", XeArgs{"uuid": s.uuid})
	return err
}

// CreateVDI creates a blank disk on the SR. size uses the management
// CLI's own notation, e.g. "100GiB".
func (s *SR) CreateVDI(nameLabel, size string) (*VDI, error) {
	s.pool.gw.log.Infof("Create %s VDI %q on SR %s", size, nameLabel, s.uuid)
	vdiUUID, err := s.pool.master.Xe("vdi-create", XeArgs{
		"sr-uuid":      s.uuid,
		"name-label":   s.pool.gw.data.PrefixObjectName(nameLabel),
		"virtual-size": size,
	})
	if err != nil {
		return nil, err
	}
	return &VDI{uuid: vdiUUID, sr: s}, nil
}

// VDI is a handle on one virtual disk image.
type VDI struct {
	uuid string
	sr   *SR
}

func (d *VDI) UUID() string   { return d.uuid }
func (d *VDI) SR() *SR        { return d.sr }
func (d *VDI) String() string { return d.uuid }

func (d *VDI) ParamGet(name string) (string, error) {
	return d.sr.pool.master.xeParamGet("vdi", d.uuid, name, "", false)
}

func (d *VDI) Name() (string, error) {
	return d.ParamGet("name-label")
}

func (d *VDI) Destroy() error {
	_, err := d.sr.pool.master.Xe("vdi-destroy", XeArgs{"uuid": d.uuid})
	return err
}
