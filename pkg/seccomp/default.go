package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// The allowlist is split into named groups so it can be reviewed one
// concern at a time. Every syscall appears in exactly one group;
// TestSyscallGroupsDisjoint enforces that.

// fileSyscalls cover descriptor I/O and filesystem work inside the
// already mounted root. Mount manipulation is in hostAdminSyscalls.
var fileSyscalls = []string{
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "close", "lseek",
	"stat", "fstat", "lstat", "newfstatat", "statx",
	"access", "faccessat", "faccessat2",
	"dup", "dup2", "dup3",
	"fcntl", "flock",
	"pipe", "pipe2",
	"readlink", "readlinkat",
	"getdents64", "getcwd", "chdir", "fchdir",
	"chmod", "fchmod", "fchmodat", "umask",
	"rename", "renameat", "renameat2",
	"unlink", "unlinkat",
	"mkdir", "mkdirat", "rmdir",
	"symlink", "symlinkat", "link", "linkat",
	"ftruncate", "fallocate",
	"fsync", "fdatasync",
	"statfs", "fstatfs",
	"memfd_create", "copy_file_range",
}

// memorySyscalls manage the address space. The Python allocator leans
// hard on mmap and madvise.
var memorySyscalls = []string{
	"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
}

// processSyscalls spawn and reap children. clone is deliberately
// absent; it gets an argument-filtered rule of its own below.
var processSyscalls = []string{
	"execve", "execveat",
	"exit", "exit_group",
	"wait4", "waitid",
	"vfork",
	"set_tid_address",
	"set_robust_list", "get_robust_list",
}

// threadSyscalls handle synchronization and signal delivery.
var threadSyscalls = []string{
	"futex",
	"gettid", "tgkill",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
	"sigaltstack",
}

// pollSyscalls provide readiness notification. Interpreters use these
// even with networking denied, for self-pipes and timer wakeups.
var pollSyscalls = []string{
	"poll", "ppoll", "select", "pselect6",
	"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"eventfd2",
}

// clockSyscalls read time and sleep. Setting time is in
// hostAdminSyscalls.
var clockSyscalls = []string{
	"clock_gettime", "clock_getres", "gettimeofday",
	"nanosleep", "clock_nanosleep",
}

// identitySyscalls are read-only self-inspection plus the small
// process-state calls every runtime issues at startup.
var identitySyscalls = []string{
	"getpid", "getppid",
	"getuid", "geteuid", "getgid", "getegid",
	"uname", "sysinfo",
	"getrlimit", "prlimit64",
	"getrandom",
	"arch_prctl", "prctl",
	"ioctl",
}

// networkSyscalls are withheld from the default profile. Only policies
// that grant network access get them.
var networkSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt",
	"getsockname", "getpeername",
	"shutdown",
}

// escalationSyscalls are the classic local privilege escalation
// vectors. Nothing a data plugin legitimately runs calls these, so the
// action is SIGSYS: invocation alone marks the plugin hostile and the
// death shows up in the exit status.
var escalationSyscalls = []string{
	"ptrace",
	"process_vm_readv", "process_vm_writev",
	"keyctl", "add_key", "request_key",
	"bpf",
	"perf_event_open",
	"userfaultfd",
	"kexec_load", "kexec_file_load",
	"init_module", "finit_module", "delete_module",
}

// hostAdminSyscalls administer the host or its mounts and are denied
// with EPERM. The default action already covers them; the explicit
// rule keeps them denied if the default ever loosens.
var hostAdminSyscalls = []string{
	"mount", "umount2", "pivot_root",
	"setns", "unshare",
	"reboot",
	"swapon", "swapoff",
	"sethostname", "setdomainname",
	"settimeofday", "adjtimex", "clock_adjtime",
	"acct",
	"nfsservctl",
	"personality",
	"lookup_dcookie",
	"ioperm", "iopl",
}

// namespaceCloneFlags are the CLONE_NEW* bits. A clone carrying any of
// them is creating a namespace, which is the first step of most
// container escapes.
const namespaceCloneFlags = unix.CLONE_NEWCGROUP | unix.CLONE_NEWIPC |
	unix.CLONE_NEWNET | unix.CLONE_NEWNS | unix.CLONE_NEWPID |
	unix.CLONE_NEWUSER | unix.CLONE_NEWUTS

func allowBaseline(b *ProfileBuilder) *ProfileBuilder {
	for _, group := range [][]string{
		fileSyscalls, memorySyscalls, processSyscalls, threadSyscalls,
		pollSyscalls, clockSyscalls, identitySyscalls,
	} {
		b.AllowSyscalls(group...)
	}

	// Plain fork and thread clones pass; any CLONE_NEW* flag falls
	// through to the EPERM default.
	b.AllowSyscallWithArgs("clone", []SyscallArg{{
		Index:    0,
		Value:    namespaceCloneFlags,
		ValueTwo: 0,
		Op:       specs.OpMaskedEqual,
	}})

	// clone3 passes its flags in memory where seccomp cannot see
	// them. ENOSYS makes libc fall back to the filtered clone.
	b.ErrnoSyscalls(uint(unix.ENOSYS), "clone3")

	return b
}

func denyHostile(b *ProfileBuilder) *ProfileBuilder {
	return b.
		TrapSyscalls(escalationSyscalls...).
		BlockSyscalls(hostAdminSyscalls...)
}

// DefaultProfile returns a deny-by-default seccomp profile with the
// syscalls the Python interpreter and ordinary native binaries need.
// Network syscalls are absent: a plugin that calls socket() gets EPERM.
func DefaultProfile() *specs.LinuxSeccomp {
	return denyHostile(allowBaseline(NewBuilder())).Build()
}

// NetworkAllowProfile adds the socket family to the default profile,
// for plugins whose policy grants network access.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := allowBaseline(NewBuilder())
	b.AllowSyscalls(networkSyscalls...)
	return denyHostile(b).Build()
}
