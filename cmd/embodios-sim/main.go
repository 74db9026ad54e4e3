// Command embodios-sim boots the simulated kernel, loads a model image
// from a virtio block device, runs one inference step, and prints the
// resulting logits and subsystem stats.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/embodios/embodios-core"
	"github.com/embodios/embodios-core/internal/inference"
	"github.com/embodios/embodios-core/internal/virtio"
	"github.com/embodios/embodios-core/internal/weights"
)

const sectorSize = 512

func main() {
	var (
		modelPath = flag.String("model", "", "path to a GGUF or EMB model image (required)")
		memBytes  = flag.Uint64("mem", 64<<20, "simulated physical RAM in bytes")
		cmdline   = flag.String("cmdline", "embodios.verbose", "boot parameter string (§6)")
		token     = flag.Int("token", 0, "token id to feed the model")

		vocabSize  = flag.Int("vocab", 32, "model vocabulary size")
		hiddenSize = flag.Int("hidden", 16, "model hidden size")
		numLayers  = flag.Int("layers", 2, "number of transformer layers")
		numHeads   = flag.Int("heads", 4, "number of attention heads")
		ffnSize    = flag.Int("ffn", 32, "feed-forward inner size")
		maxSeqLen  = flag.Int("seqlen", 64, "max KV cache sequence length")
		warnOnly   = flag.Bool("warn-checksum", false, "tolerate a bad EMB checksum instead of rejecting it")
	)
	flag.Parse()

	if *modelPath == "" {
		log.Fatal("embodios-sim: -model is required")
	}

	modelBytes, err := os.ReadFile(*modelPath)
	if err != nil {
		log.Fatalf("embodios-sim: reading model file: %v", err)
	}

	modelConfig := inference.Config{
		VocabSize:  *vocabSize,
		HiddenSize: *hiddenSize,
		NumLayers:  *numLayers,
		NumHeads:   *numHeads,
		FFNSize:    *ffnSize,
		MaxSeqLen:  *maxSeqLen,
	}

	kernel, err := embodios.New(embodios.Config{
		MemoryBytes: *memBytes,
		Cmdline:     *cmdline,
		ModelConfig: modelConfig,
	})
	if err != nil {
		log.Fatalf("embodios-sim: kernel init: %v", err)
	}
	kernel.Boot()

	totalSectors := (uint64(len(modelBytes)) + sectorSize - 1) / sectorSize
	backend := virtio.NewMemBackend(totalSectors, false)
	transport := virtio.NewMMIOTransport(virtio.QueueVersionSplitAddr,
		virtio.FeatureBlockSize|virtio.FeatureFlush, 64, totalSectors)

	if err := kernel.AttachBlockDevice(transport, backend); err != nil {
		log.Fatalf("embodios-sim: attaching block device: %v", err)
	}
	if err := kernel.Block.WriteBytes(0, uint64(len(modelBytes)), modelBytes); err != nil {
		log.Fatalf("embodios-sim: staging model image onto block device: %v", err)
	}

	opts := weights.DefaultOptions()
	if *warnOnly {
		opts.ChecksumPolicy = weights.ChecksumWarnOnly
	}
	if err := kernel.LoadModel(opts); err != nil {
		log.Fatalf("embodios-sim: loading model: %v", err)
	}

	logits, err := kernel.Step(*token)
	if err != nil {
		log.Fatalf("embodios-sim: inference step: %v", err)
	}

	fmt.Printf("loaded %d tensors, ran token %d, %d logits:\n", len(kernel.Weights.Tensors()), *token, len(logits))
	for i, l := range logits {
		fmt.Printf("  [%d] %.4f\n", i, l.Float64())
	}

	ioStats := kernel.Block.TotalBytes()
	fmt.Printf("block device: %d bytes total\n", ioStats)
}
