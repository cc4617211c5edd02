package process

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ariaforge/inferd/pkg/models"
)

func TestEstimateVRAMGB_Generation(t *testing.T) {
	artifact := ResolvedArtifact{}
	in := VRAMInputs{ParamsB: 8, BytesPerParam: 2, MaxModelLen: 8000, MaxNumSeqs: 1, TensorParallel: 1, GPUMemoryUtilization: 1}
	got := EstimateVRAMGB(models.EngineGeneration, artifact, in)
	assert.Greater(t, got, 16.0) // weights alone (8B * 2 bytes) are 16GB; kv cache and overhead add more
}

func TestEstimateVRAMGB_GGUF(t *testing.T) {
	artifact := ResolvedArtifact{SizeBytes: 8 * bytesPerGB}
	in := VRAMInputs{MaxModelLen: 4000, MaxNumSeqs: 1, TensorParallel: 1, NumLayers: 32, NGLLayers: 32, HeadDim: 128, KVHeads: 8}
	got := EstimateVRAMGB(models.EngineGGUF, artifact, in)
	assert.Greater(t, got, 8.0) // full offload: at least the file size itself, plus overhead and KV cache
}

func TestEstimateVRAMGB_GGUFPartialOffloadScalesDownWeights(t *testing.T) {
	artifact := ResolvedArtifact{SizeBytes: 8 * bytesPerGB}
	full := EstimateVRAMGB(models.EngineGGUF, artifact, VRAMInputs{MaxModelLen: 4000, MaxNumSeqs: 1, TensorParallel: 1, NumLayers: 32, NGLLayers: 32, HeadDim: 128, KVHeads: 8})
	half := EstimateVRAMGB(models.EngineGGUF, artifact, VRAMInputs{MaxModelLen: 4000, MaxNumSeqs: 1, TensorParallel: 1, NumLayers: 32, NGLLayers: 16, HeadDim: 128, KVHeads: 8})
	assert.Less(t, half, full)
}

func TestEstimateVRAMGB_ScalesDownWithTensorParallel(t *testing.T) {
	base := VRAMInputs{ParamsB: 8, BytesPerParam: 2, MaxModelLen: 8000, MaxNumSeqs: 1, GPUMemoryUtilization: 1}
	artifact := ResolvedArtifact{}

	single := base
	single.TensorParallel = 1
	split := base
	split.TensorParallel = 2

	gotSingle := EstimateVRAMGB(models.EngineGeneration, artifact, single)
	gotSplit := EstimateVRAMGB(models.EngineGeneration, artifact, split)
	assert.InDelta(t, gotSingle/2, gotSplit, 0.02)
}

func TestEstimateVRAMGB_ZeroTensorParallelTreatedAsOne(t *testing.T) {
	artifact := ResolvedArtifact{}
	withZero := VRAMInputs{ParamsB: 8, BytesPerParam: 2, MaxModelLen: 8000, MaxNumSeqs: 1, GPUMemoryUtilization: 1, TensorParallel: 0}
	withOne := withZero
	withOne.TensorParallel = 1
	assert.Equal(t, EstimateVRAMGB(models.EngineGeneration, artifact, withOne), EstimateVRAMGB(models.EngineGeneration, artifact, withZero))
}

func TestEstimateVRAMGB_LowerGPUUtilizationRaisesEstimate(t *testing.T) {
	artifact := ResolvedArtifact{}
	in := VRAMInputs{ParamsB: 8, BytesPerParam: 2, MaxModelLen: 8000, MaxNumSeqs: 1, TensorParallel: 1, GPUMemoryUtilization: 0.5}
	full := VRAMInputs{ParamsB: 8, BytesPerParam: 2, MaxModelLen: 8000, MaxNumSeqs: 1, TensorParallel: 1, GPUMemoryUtilization: 1}
	assert.Greater(t, EstimateVRAMGB(models.EngineGeneration, artifact, in), EstimateVRAMGB(models.EngineGeneration, artifact, full))
}
