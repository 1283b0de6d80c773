package microvm

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

const (
	envKernelPath = "LOCKSTEP_FC_KERNEL_PATH"
	envRootfsPath = "LOCKSTEP_FC_ROOTFS_PATH"
	envBin        = "LOCKSTEP_FC_BIN"
	envVsockPort  = "LOCKSTEP_FC_VSOCK_PORT"
	envVCPUs      = "LOCKSTEP_FC_VCPUS"
	envMemMB      = "LOCKSTEP_FC_MEM_MB"
	envCIDBase    = "LOCKSTEP_FC_CID_BASE"
)

// Config configures the microVM worker factory.
type Config struct {
	// KernelPath is the Firecracker-compatible kernel image. Workers run in
	// microVMs only when it is set.
	KernelPath string

	// RootfsPath is the root filesystem image holding lockstep-worker. Every
	// VM boots from its own copy.
	RootfsPath string

	FirecrackerBin string

	// VsockPort is the port the guest agent listens on.
	VsockPort uint32

	// CIDBase is the first context id handed out.
	CIDBase uint32

	VCPUs int
	MemMB int
}

// LoadConfig reads the microVM configuration from the environment.
func LoadConfig() Config {
	cfg := Config{
		FirecrackerBin: "firecracker",
		VsockPort:      DefaultVsockPort,
		CIDBase:        MinCID,
		VCPUs:          DefaultVCPUs,
		MemMB:          DefaultMemMB,
	}

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsPath); v != "" {
		cfg.RootfsPath = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envCIDBase); v != "" {
		if cid, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.CIDBase = max(uint32(cid), MinCID)
		}
	}
	if v := os.Getenv(envVCPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VCPUs = n
		}
	}
	if v := os.Getenv(envMemMB); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MemMB = n
		}
	}
	return cfg
}

// Enabled reports whether a kernel is configured.
func (c Config) Enabled() bool {
	return c.KernelPath != ""
}

// Validate checks that the images exist and the machine shape is usable.
func (c Config) Validate() error {
	if c.KernelPath == "" {
		return errors.New("microvm: kernel path is required")
	}
	if c.RootfsPath == "" {
		return errors.New("microvm: rootfs path is required")
	}
	for _, p := range []string{c.KernelPath, c.RootfsPath} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("microvm: %w", err)
		}
	}
	if c.VCPUs < 1 || c.MemMB < 1 {
		return fmt.Errorf("microvm: invalid machine shape vcpus=%d mem_mb=%d", c.VCPUs, c.MemMB)
	}
	if c.CIDBase < MinCID {
		return fmt.Errorf("microvm: cid base %d is reserved", c.CIDBase)
	}
	return nil
}

// BootArgs returns the kernel command line. The kernel hands the trailing
// key=value pair to init as an environment variable, which tells the agent
// where to listen.
func (c Config) BootArgs() string {
	return fmt.Sprintf("console=ttyS0 reboot=k panic=1 pci=off init=%s LOCKSTEP_WORKER_LISTEN=vsock://%d",
		GuestAgentPath, c.VsockPort)
}
