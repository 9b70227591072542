package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"plugin-warden/pkg/seccomp"
)

// maskedProcPaths are kernel interfaces hidden from plugins entirely;
// reads return nothing, writes go nowhere.
var maskedProcPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
	"/sys/devices/virtual/powercap",
}

// readonlyProcPaths remain visible but reject writes even for a process
// that somehow gains the file permissions.
var readonlyProcPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// SecurityProfile bundles the kernel-facing isolation settings applied to
// every container execution.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Capabilities  []string
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
}

// DefaultSecurityProfile is the confinement for plugins without a
// network grant: no capabilities, every namespace unshared, and the
// deny-by-default seccomp filter.
func DefaultSecurityProfile() SecurityProfile {
	return SecurityProfile{
		Seccomp:      seccomp.DefaultProfile(),
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.UserNamespace},
		},
		MaskedPaths:   maskedProcPaths,
		ReadonlyPaths: readonlyProcPaths,
	}
}

// NetworkAllowedSecurityProfile is the same as default but allows network syscalls.
func NetworkAllowedSecurityProfile() SecurityProfile {
	profile := DefaultSecurityProfile()
	profile.Seccomp = seccomp.NetworkAllowProfile()
	return profile
}

// ApplySecurityProfile writes the profile into an OCI runtime spec. The
// process also runs as the unprivileged sandbox user with a private
// umask, and is first in line for the OOM killer so a host under memory
// pressure sheds plugins before anything else.
func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Process.Capabilities.Bounding = profile.Capabilities
	spec.Process.Capabilities.Effective = profile.Capabilities
	spec.Process.Capabilities.Inheritable = profile.Capabilities
	spec.Process.Capabilities.Permitted = profile.Capabilities
	spec.Process.Capabilities.Ambient = profile.Capabilities

	spec.Linux.Namespaces = profile.Namespaces
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.NoNewPrivileges = true

	umask := uint32(0o077)
	spec.Process.User = specs.User{
		UID:   sandboxUID,
		GID:   sandboxGID,
		Umask: &umask,
	}

	oomScore := 1000
	spec.Process.OOMScoreAdj = &oomScore

	if spec.Root == nil {
		spec.Root = &specs.Root{}
	}
	spec.Root.Readonly = true
}
