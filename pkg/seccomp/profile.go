package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// ProfileBuilder assembles an OCI seccomp profile rule by rule. The
// default action is ActErrno: anything not explicitly allowed fails
// with EPERM inside the sandbox.
type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) rule(r specs.LinuxSyscall) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, r)
	return b
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.LinuxSyscall{Names: names, Action: specs.ActAllow})
}

// BlockSyscalls denies syscalls with the runtime's default errno
// (EPERM). Redundant with the default action, but an explicit rule
// documents intent and survives a later change of default.
func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.LinuxSyscall{Names: names, Action: specs.ActErrno})
}

// ErrnoSyscalls denies syscalls with a specific errno. The main use is
// ENOSYS, which tells libc "this kernel doesn't have the syscall" and
// triggers its fallback path instead of a hard failure.
func (b *ProfileBuilder) ErrnoSyscalls(errno uint, names ...string) *ProfileBuilder {
	return b.rule(specs.LinuxSyscall{Names: names, Action: specs.ActErrno, ErrnoRet: &errno})
}

// TrapSyscalls kills the calling thread with SIGSYS. Reserved for
// syscalls whose mere invocation marks the plugin as hostile.
func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	return b.rule(specs.LinuxSyscall{Names: names, Action: specs.ActTrap})
}

// SyscallArg constrains a single argument for a seccomp rule. With
// OpMaskedEqual the kernel checks (arg & Value) == ValueTwo.
type SyscallArg struct {
	Index    uint   // argument index (0-5)
	Value    uint64 // value, or mask under OpMaskedEqual
	ValueTwo uint64 // expected masked result, OpMaskedEqual only
	Op       specs.LinuxSeccompOperator
}

// AllowSyscallWithArgs allows a syscall only when its arguments satisfy
// every constraint; other invocations fall through to the default
// action.
func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args []SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index:    a.Index,
			Value:    a.Value,
			ValueTwo: a.ValueTwo,
			Op:       a.Op,
		}
	}
	return b.rule(specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}
