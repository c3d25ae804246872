package xcpngtests

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Options is the immutable per-run configuration, built once from the
// command line before any remote operation happens.
type Options struct {
	// Hosts is the raw --hosts list: each entry is a comma-joined
	// list of master addresses, and an entry may use the
	// cache://<ref> pseudo-scheme to request a nested host.
	Hosts []string
	// Nest is the master of the pool used to provision nested hosts.
	// Required whenever a cache:// host is requested.
	Nest string
	// SecondNetwork is the UUID of a non-management network on pool A.
	SecondNetwork string
	// SRDisks and SRDisks4K name disks available for storage tests,
	// or "auto" to autodetect.
	SRDisks   []string
	SRDisks4K []string

	IgnoreSSHBanner bool
	// SSHOutputMaxLines bounds command output in logs. 0 means no limit.
	SSHOutputMaxLines int

	Logger *zap.SugaredLogger
}

// DefaultOptions returns an Options with the same defaults as the
// command-line parser.
func DefaultOptions() *Options {
	return &Options{SSHOutputMaxLines: 20}
}

func (o *Options) log() *zap.SugaredLogger {
	if o != nil && o.Logger != nil {
		return o.Logger
	}
	return zap.S()
}

// pkgLogger backs the package-level helpers (waits, cache commit
// decisions) that have no handle to reach a Gateway through. Building
// a Gateway with an options logger installs it here, so those lines
// land on the same logger as everything else.
var pkgLogger *zap.SugaredLogger

func log() *zap.SugaredLogger {
	if pkgLogger != nil {
		return pkgLogger
	}
	return zap.S()
}

// Credentials is a root login for one host.
type Credentials struct {
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Data is the external configuration consumed read-only by the
// harness: image catalog, cache aliases and host credentials.
type Data struct {
	// DefaultVMURL is prepended to image entries that are not full URLs.
	DefaultVMURL string `yaml:"default_vm_url"`
	// Images maps a VM key to an image URL or a path relative to
	// DefaultVMURL.
	Images map[string]string `yaml:"images"`
	// ImageEquivs remaps cache keys, used to deliberately alias the
	// image of one test to another.
	ImageEquivs map[string]string `yaml:"image_equivs"`

	Hosts           map[string]Credentials `yaml:"hosts"`
	DefaultUser     string                 `yaml:"default_user"`
	DefaultPassword string                 `yaml:"default_password"`

	// ARPServer is the machine whose neighbor tables are polled to
	// discover the IP of a freshly booted nested host.
	ARPServer string `yaml:"arp_server"`

	// DefaultSR selects the SR used for imports and fixture VDIs:
	// "default" (the pool default), "local" (first local SR), or an
	// explicit SR UUID.
	DefaultSR string `yaml:"default_sr"`

	// ObjectNamePrefix is prepended to the name of every object the
	// harness creates, so leftovers are easy to spot on a shared pool.
	ObjectNamePrefix string `yaml:"object_name_prefix"`

	// CacheImportedVM enables the import cache for plain URL imports.
	CacheImportedVM bool `yaml:"cache_imported_vm"`
}

// LoadData reads the data configuration from a YAML file.
func LoadData(path string) (*Data, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading data config")
	}
	d := &Data{}
	if err := yaml.Unmarshal(bs, d); err != nil {
		return nil, errors.Wrapf(err, "parsing data config %s", path)
	}
	if d.DefaultUser == "" {
		d.DefaultUser = "root"
	}
	if d.DefaultSR == "" {
		d.DefaultSR = "default"
	}
	return d, nil
}

// VMImage resolves a VM key from the image catalog to a full URL.
func (d *Data) VMImage(key string) (string, error) {
	url, ok := d.Images[key]
	if !ok {
		return "", errors.Errorf("unknown VM image key %q", key)
	}
	if !strings.HasPrefix(url, "http") {
		url = d.DefaultVMURL + url
	}
	return url, nil
}

// CredentialsFor returns the login for a host, falling back to the
// defaults when the host has no dedicated entry.
func (d *Data) CredentialsFor(hostnameOrIP string) Credentials {
	if c, ok := d.Hosts[hostnameOrIP]; ok {
		if c.User == "" {
			c.User = d.DefaultUser
		}
		return c
	}
	return Credentials{User: d.DefaultUser, Password: d.DefaultPassword}
}

// PrefixObjectName marks a name as owned by this harness.
func (d *Data) PrefixObjectName(name string) string {
	if d.ObjectNamePrefix == "" {
		return name
	}
	return d.ObjectNamePrefix + " " + name
}
