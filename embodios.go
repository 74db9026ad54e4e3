// Package embodios wires the simulated kernel's subsystems together: the
// scheduler, the physical-memory/heap/DMA stack, the virtio block
// driver, the quantized weight store, and the inference engine. Kernel
// plays the role the teacher's top-level package plays for a ublk
// device — a single entry point that brings subsystems up in dependency
// order and hands back a ready-to-use handle.
package embodios

import (
	"github.com/embodios/embodios-core/internal/blockdev"
	"github.com/embodios/embodios-core/internal/bootparam"
	"github.com/embodios/embodios-core/internal/errs"
	"github.com/embodios/embodios-core/internal/fixedpoint"
	"github.com/embodios/embodios-core/internal/inference"
	"github.com/embodios/embodios-core/internal/logging"
	"github.com/embodios/embodios-core/internal/memory"
	"github.com/embodios/embodios-core/internal/sched"
	"github.com/embodios/embodios-core/internal/virtio"
	"github.com/embodios/embodios-core/internal/weights"
)

// Config describes the resources a Kernel boots with.
type Config struct {
	// MemoryBytes sizes the simulated physical RAM arena (§4.2).
	MemoryBytes uint64

	// Cmdline is the raw boot parameter string (§6), parsed by Boot.
	Cmdline string

	// ModelConfig is the topology LoadModel validates loaded tensors
	// against.
	ModelConfig inference.Config
}

// Kernel holds every booted subsystem. New brings up the scheduler and
// memory stack; AttachBlockDevice and LoadModel bring up the rest once a
// virtio transport/backend pair and a model image are available.
type Kernel struct {
	cfg Config
	log logging.Sub

	Scheduler *sched.Scheduler
	PMM       *memory.PMM
	Heap      *memory.Heap
	DMA       *memory.DMA

	BootParams bootparam.Params

	Block   *blockdev.BlockDevice
	Weights *weights.Store
	Model   *inference.Model
	Cache   *inference.KVCache
}

// New allocates the scheduler and memory subsystems — the stage every
// kernel_init runs before any device bring-up. It does not touch virtio
// or the model; call AttachBlockDevice and LoadModel for those.
func New(cfg Config) (*Kernel, error) {
	pmm, err := memory.NewPMM(cfg.MemoryBytes)
	if err != nil {
		return nil, errs.Wrap("embodios.New", errs.KindNotInitialized, err)
	}
	heap, err := memory.NewHeapFromPMM(pmm)
	if err != nil {
		return nil, errs.Wrap("embodios.New", errs.KindNotInitialized, err)
	}

	return &Kernel{
		cfg:       cfg,
		log:       logging.Default().For(logging.SubsystemBoot),
		Scheduler: sched.New(),
		PMM:       pmm,
		Heap:      heap,
		DMA:       memory.NewDMA(heap),
	}, nil
}

// Boot parses the kernel command line (§6) and, when embodios.verbose is
// set, logs a structured summary of the memory, scheduler and (if
// already loaded) model state — the teacher's device-bring-up logging in
// ctrl/control.go, retargeted at kernel boot instead of device creation.
func (k *Kernel) Boot() {
	k.BootParams = bootparam.Parse(k.cfg.Cmdline)
	if !k.BootParams.Verbose {
		return
	}
	k.log.Infof("memory=%d bytes across %d pages", k.cfg.MemoryBytes, k.PMM.TotalPages())
	k.log.Infof("scheduler ready, %d ready-queue entries", k.Scheduler.ReadyLen())
	if k.BootParams.Model != "" {
		k.log.Infof("requested model %q", k.BootParams.Model)
	}
	if k.Weights != nil {
		k.log.Infof("model loaded, %d tensors", len(k.Weights.Tensors()))
	}
}

// AttachBlockDevice runs the virtio §4.3 device bring-up against
// transport/backend and layers the byte-addressable blockdev API over
// the result.
func (k *Kernel) AttachBlockDevice(transport virtio.Transport, backend virtio.Backend) error {
	dev, err := virtio.NewDevice(transport, k.DMA, backend)
	if err != nil {
		return errs.Wrap("embodios.AttachBlockDevice", errs.KindHardware, err)
	}
	k.Block = blockdev.New(dev)
	return nil
}

// LoadModel reads the entire attached block device's contents as a
// weights image (GGUF or EMB, sniffed automatically), validates it
// against cfg.ModelConfig, and prepares a fresh KV cache for inference.
func (k *Kernel) LoadModel(opts weights.Options) error {
	if k.Block == nil {
		return errs.New("embodios.LoadModel", errs.KindNotInitialized, "no block device attached")
	}

	size := k.Block.TotalBytes()
	buf := make([]byte, size)
	if err := k.Block.ReadBytes(0, size, buf); err != nil {
		return errs.Wrap("embodios.LoadModel", errs.KindHardware, err)
	}

	store, err := weights.LoadWithOptions(buf, opts)
	if err != nil {
		return errs.Wrap("embodios.LoadModel", errs.KindProtocolViolation, err)
	}

	model, err := inference.LoadModel(store, k.cfg.ModelConfig)
	if err != nil {
		return errs.Wrap("embodios.LoadModel", errs.KindInvalidArgument, err)
	}

	k.Weights = store
	k.Model = model
	k.Cache = inference.NewKVCache(k.cfg.ModelConfig)

	if k.BootParams.Verbose {
		k.log.Infof("model loaded: %d tensors", len(store.Tensors()))
	}
	return nil
}

// Step runs one transformer step for tokenID against the loaded model
// and its running KV cache (§4.5).
func (k *Kernel) Step(tokenID int) ([]fixedpoint.Fixed, error) {
	if k.Model == nil || k.Cache == nil {
		return nil, errs.New("embodios.Step", errs.KindNotInitialized, "no model loaded")
	}
	return inference.Step(k.Model, k.Cache, tokenID)
}
