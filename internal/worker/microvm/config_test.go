package microvm

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		envKernelPath, envRootfsPath, envBin,
		envVsockPort, envVCPUs, envMemMB, envCIDBase,
	} {
		t.Setenv(env, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg := LoadConfig()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want %d", cfg.VsockPort, DefaultVsockPort)
	}
	if cfg.CIDBase != MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, MinCID)
	}
	if cfg.VCPUs != DefaultVCPUs || cfg.MemMB != DefaultMemMB {
		t.Errorf("shape = %d/%d, want %d/%d", cfg.VCPUs, cfg.MemMB, DefaultVCPUs, DefaultMemMB)
	}
	if cfg.FirecrackerBin != "firecracker" {
		t.Errorf("FirecrackerBin = %q, want firecracker", cfg.FirecrackerBin)
	}
	if cfg.Enabled() {
		t.Error("Enabled() = true without a kernel path")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv(envKernelPath, "/opt/vmlinux")
	t.Setenv(envRootfsPath, "/opt/worker.ext4")
	t.Setenv(envBin, "/usr/bin/firecracker")
	t.Setenv(envVsockPort, "2048")
	t.Setenv(envVCPUs, "2")
	t.Setenv(envMemMB, "1024")
	t.Setenv(envCIDBase, "100")

	cfg := LoadConfig()

	if cfg.KernelPath != "/opt/vmlinux" || cfg.RootfsPath != "/opt/worker.ext4" {
		t.Errorf("paths = %q, %q", cfg.KernelPath, cfg.RootfsPath)
	}
	if cfg.FirecrackerBin != "/usr/bin/firecracker" {
		t.Errorf("FirecrackerBin = %q", cfg.FirecrackerBin)
	}
	if cfg.VsockPort != 2048 {
		t.Errorf("VsockPort = %d, want 2048", cfg.VsockPort)
	}
	if cfg.VCPUs != 2 || cfg.MemMB != 1024 {
		t.Errorf("shape = %d/%d, want 2/1024", cfg.VCPUs, cfg.MemMB)
	}
	if cfg.CIDBase != 100 {
		t.Errorf("CIDBase = %d, want 100", cfg.CIDBase)
	}
	if !cfg.Enabled() {
		t.Error("Enabled() = false with a kernel path")
	}
}

func TestLoadConfigIgnoresInvalidValues(t *testing.T) {
	clearEnv(t)
	t.Setenv(envVsockPort, "not-a-port")
	t.Setenv(envVCPUs, "0")
	t.Setenv(envMemMB, "-5")
	t.Setenv(envCIDBase, "1")

	cfg := LoadConfig()

	if cfg.VsockPort != DefaultVsockPort {
		t.Errorf("VsockPort = %d, want default", cfg.VsockPort)
	}
	if cfg.VCPUs != DefaultVCPUs || cfg.MemMB != DefaultMemMB {
		t.Errorf("shape = %d/%d, want defaults", cfg.VCPUs, cfg.MemMB)
	}
	if cfg.CIDBase != MinCID {
		t.Errorf("CIDBase = %d, want %d", cfg.CIDBase, MinCID)
	}
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	kernel := filepath.Join(dir, "vmlinux")
	rootfs := filepath.Join(dir, "rootfs.ext4")
	for _, p := range []string{kernel, rootfs} {
		if err := os.WriteFile(p, []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	valid := Config{KernelPath: kernel, RootfsPath: rootfs, VCPUs: 1, MemMB: 128, CIDBase: MinCID}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no kernel", func(c *Config) { c.KernelPath = "" }, "kernel path"},
		{"no rootfs", func(c *Config) { c.RootfsPath = "" }, "rootfs path"},
		{"missing kernel", func(c *Config) { c.KernelPath = filepath.Join(dir, "absent") }, "no such file"},
		{"zero vcpus", func(c *Config) { c.VCPUs = 0 }, "machine shape"},
		{"reserved cid", func(c *Config) { c.CIDBase = 2 }, "reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestBootArgs(t *testing.T) {
	cfg := Config{VsockPort: 2048}
	args := cfg.BootArgs()

	for _, want := range []string{
		"init=" + GuestAgentPath,
		"LOCKSTEP_WORKER_LISTEN=vsock://2048",
		"panic=1",
	} {
		if !strings.Contains(args, want) {
			t.Errorf("BootArgs() = %q, missing %q", args, want)
		}
	}
}
