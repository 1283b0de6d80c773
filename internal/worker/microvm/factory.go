package microvm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/lockstep/internal/worker"
)

const (
	vsockDeviceID = "vsock0"
	rootfsDriveID = "rootfs"

	shutdownTimeout = 3 * time.Second
)

// Factory boots one Firecracker microVM per pool slot and talks to the
// worker agent inside it over vsock. A respawned slot gets a fresh VM with
// a fresh copy of the rootfs.
type Factory struct {
	cfg    Config
	logger *slog.Logger
	cids   *cidAllocator
}

// NewFactory creates a factory. cfg should have passed Validate.
func NewFactory(cfg Config, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
		cids:   newCIDAllocator(cfg.CIDBase),
	}
}

// Spawn boots a VM for slot and returns a handle once the agent answers.
func (f *Factory) Spawn(ctx context.Context, slot, generation int) (worker.Handle, error) {
	vmID := fmt.Sprintf("lockstep-%d-%d", slot, generation)
	logger := f.logger.With("vm", vmID)

	cid := f.cids.allocate()
	dir, err := os.MkdirTemp("", vmID+"-")
	if err != nil {
		f.cids.release(cid)
		return nil, fmt.Errorf("create VM dir: %w", err)
	}
	vm := &vm{id: vmID, cid: cid, dir: dir, cids: f.cids, logger: logger}

	rootfs := filepath.Join(dir, "rootfs.ext4")
	if err := copyRootfs(f.cfg.RootfsPath, rootfs); err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	socketPath := filepath.Join(dir, "fc.sock")
	vsockPath := filepath.Join(dir, "vsock.sock")
	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: f.cfg.KernelPath,
		KernelArgs:      f.cfg.BootArgs(),
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(rootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{ID: vsockDeviceID, Path: vsockPath, CID: cid},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(f.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(f.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: vmID,
	}

	// The SDK logs through logrus; its output is dropped in favour of slog.
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VM outlives the spawn request, so it runs under its own context.
	vmCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	vm.stop = stop
	cmd := fcsdk.VMCommandBuilder{}.
		WithBin(f.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(cmd),
	)
	if err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("create machine: %w", err)
	}
	vm.machine = machine

	bootStart := time.Now()
	if err := machine.Start(vmCtx); err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("start VM: %w", err)
	}
	vm.started = true
	activeVMs.Inc()

	conn, err := dialGuest(ctx, vsockPath, f.cfg.VsockPort)
	if err != nil {
		vm.cleanup()
		return nil, fmt.Errorf("connect to worker agent: %w", err)
	}
	vmBootDuration.Observe(time.Since(bootStart).Seconds())
	logger.Info("VM started", "slot", slot, "cid", cid, "boot_ms", time.Since(bootStart).Milliseconds())

	return &vmHandle{
		StreamHandle: worker.NewStreamHandle(vmID, conn, f.logger),
		vm:           vm,
	}, nil
}

// vmHandle is a stream handle whose Close also tears the VM down.
type vmHandle struct {
	*worker.StreamHandle
	vm *vm
}

func (h *vmHandle) Close() error {
	err := h.StreamHandle.Close()
	h.vm.cleanup()
	return err
}

// vm holds the resources of one booted machine.
type vm struct {
	id      string
	cid     uint32
	dir     string
	machine *fcsdk.Machine
	started bool
	stop    context.CancelFunc
	cids    *cidAllocator
	logger  *slog.Logger

	once sync.Once
}

// cleanup stops the VM if it runs and frees its CID and files. Safe to call
// more than once.
func (v *vm) cleanup() {
	v.once.Do(func() {
		start := time.Now()
		if v.machine != nil && v.started {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := v.machine.Shutdown(ctx); err != nil {
				v.logger.Debug("graceful shutdown failed, forcing stop", "error", err)
				if err := v.machine.StopVMM(); err != nil {
					v.logger.Debug("StopVMM failed", "error", err)
				}
			}
			cancel()

			waitCtx, waitCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			if err := v.machine.Wait(waitCtx); err != nil {
				v.logger.Debug("wait for VM exit", "error", err)
			}
			waitCancel()
			activeVMs.Dec()
			vmCleanupDuration.Observe(time.Since(start).Seconds())
		}
		if v.stop != nil {
			v.stop()
		}
		v.cids.release(v.cid)
		os.RemoveAll(v.dir)
	})
}

// cidAllocator hands out vsock context ids, reusing released ones.
type cidAllocator struct {
	mu    sync.Mutex
	next  uint32
	inUse map[uint32]bool
}

func newCIDAllocator(base uint32) *cidAllocator {
	return &cidAllocator{next: max(base, MinCID), inUse: make(map[uint32]bool)}
}

func (a *cidAllocator) allocate() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	for a.inUse[a.next] {
		a.next++
	}
	cid := a.next
	a.inUse[cid] = true
	a.next++
	return cid
}

// release frees cid. A freed id below the cursor is handed out next.
func (a *cidAllocator) release(cid uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inUse, cid)
	if cid < a.next {
		a.next = cid
	}
}

// copyRootfs copies the rootfs image, copy-on-write where the filesystem
// supports reflinks.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
