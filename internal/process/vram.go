package process

import (
	"math"

	"github.com/ariaforge/inferd/pkg/models"
)

// bytesPerGB is used throughout for converting artifact byte sizes into
// the GB units these estimates are expressed in.
const bytesPerGB = 1024 * 1024 * 1024

// vramOverheadFraction is the compute-buffer/fragmentation overhead added
// on top of weights plus KV cache, for both engine types. GGUF estimates
// additionally carry vramSafetyMarginFraction on top of that, since a
// partial-offload (ngl) estimate is inherently less precise than a
// generation engine's fully-accounted weight size.
const (
	vramOverheadFraction     = 0.15
	vramSafetyMarginFraction = 0.10
)

// VRAMInputs is the subset of a Model's tuning knobs the VRAM estimate
// formulas need, decoupled from models.Model so callers building a plan
// before a Model record exists (Create, Update, DryRun) can populate it
// straight from a CreateRequest.
type VRAMInputs struct {
	ParamsB              float64
	BytesPerParam        float64
	MaxModelLen          int
	MaxNumSeqs           int
	TensorParallel       int
	GPUMemoryUtilization float64
	NumLayers            int
	HeadDim              int
	KVHeads              int
	KVCacheDType         string
	NGLLayers            int
}

// EstimateVRAMGB estimates the GPU memory a model will need at launch.
// Generation engines load safetensors/bin weights at roughly their stated
// precision, so the estimate scales off params_B and bytes_per_param
// directly; GGUF files are already on disk at their target quantization,
// so the estimate scales off the resolved artifact's file size instead,
// adjusted for how many layers are actually offloaded to the GPU.
func EstimateVRAMGB(engine models.EngineType, artifact ResolvedArtifact, in VRAMInputs) float64 {
	tp := in.TensorParallel
	if tp < 1 {
		tp = 1
	}

	switch engine {
	case models.EngineGGUF:
		return roundTo(estimateGGUFVRAM(in, artifact, tp), 2)
	default:
		return roundTo(estimateGenerationVRAM(in, tp), 2)
	}
}

// estimateGenerationVRAM follows params_B × bytes_per_param / tp_size for
// weights, plus a KV cache sized off max_model_len × max_num_seqs ×
// params_B × kv_bytes_per_token, plus a flat overhead, all divided by the
// configured gpu_memory_utilization fraction (a lower utilization target
// means the engine reserves more headroom, so the estimate of what it
// will actually hold onto grows).
func estimateGenerationVRAM(in VRAMInputs, tp int) float64 {
	bytesPerParam := in.BytesPerParam
	if bytesPerParam <= 0 {
		bytesPerParam = 2 // fp16 default
	}
	weightsGB := in.ParamsB * bytesPerParam / float64(tp)

	maxSeqs := in.MaxNumSeqs
	if maxSeqs < 1 {
		maxSeqs = 1
	}
	kvBytesPerToken := kvBytesPerTokenPerBillionParams(in.KVCacheDType)
	kvCacheGB := float64(in.MaxModelLen) * float64(maxSeqs) * in.ParamsB * kvBytesPerToken / (bytesPerGB * float64(tp))

	total := (weightsGB + kvCacheGB) * (1 + vramOverheadFraction)

	util := in.GPUMemoryUtilization
	if util <= 0 {
		util = 1.0
	}
	return total / util
}

// estimateGGUFVRAM scales the resolved artifact's on-disk size by the
// ngl/num_layers offload ratio for weights, and derives the KV cache from
// context length × parallel slots × layers × head_dim × kv_heads ×
// per-element byte width, then layers on the flat overhead and the
// additional GGUF safety margin.
func estimateGGUFVRAM(in VRAMInputs, artifact ResolvedArtifact, tp int) float64 {
	fileGB := float64(artifact.SizeBytes) / bytesPerGB

	offloadRatio := 1.0
	if in.NumLayers > 0 {
		ngl := in.NGLLayers
		if ngl <= 0 || ngl > in.NumLayers {
			ngl = in.NumLayers
		}
		offloadRatio = float64(ngl) / float64(in.NumLayers)
	}
	weightsGB := fileGB * offloadRatio / float64(tp)

	parallelSlots := in.MaxNumSeqs
	if parallelSlots < 1 {
		parallelSlots = 1
	}
	headDim := in.HeadDim
	if headDim <= 0 {
		headDim = 128
	}
	kvHeads := in.KVHeads
	if kvHeads <= 0 {
		kvHeads = 8
	}
	bytesK, bytesV := kvCacheBytesPerElement(in.KVCacheDType)
	kvCacheGB := float64(in.MaxModelLen) * float64(parallelSlots) * float64(in.NumLayers) *
		float64(headDim) * float64(kvHeads) * (bytesK + bytesV) / bytesPerGB

	total := (weightsGB + kvCacheGB) * (1 + vramOverheadFraction)
	total *= 1 + vramSafetyMarginFraction
	return total
}

func kvBytesPerTokenPerBillionParams(dtype string) float64 {
	bytesK, bytesV := kvCacheBytesPerElement(dtype)
	return bytesK + bytesV
}

func kvCacheBytesPerElement(dtype string) (float64, float64) {
	switch dtype {
	case "fp8", "int8":
		return 1.0, 1.0
	case "fp32":
		return 4.0, 4.0
	default:
		return 2.0, 2.0 // fp16/bf16
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
