package microvm

// Default vsock settings.
const (
	// DefaultVsockPort is the port the worker agent listens on inside the VM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the lowest usable context id; 0-2 are reserved.
	MinCID uint32 = 3
)

// Default machine shape.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 256
)

// GuestAgentPath is where the rootfs image carries lockstep-worker. The VM
// boots straight into it as init.
const GuestAgentPath = "/usr/local/bin/lockstep-worker"
