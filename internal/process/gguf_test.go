package process

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ariaforge/inferd/pkg/models"
)

// writeGGUF writes a minimal valid GGUF file: magic, version, then padding
// up to ggufMinFileSize so validateGGUFHeader's size check passes.
func writeGGUF(t *testing.T, path string, version uint32) {
	t.Helper()
	buf := make([]byte, ggufMinFileSize)
	copy(buf, []byte(ggufMagic))
	binary.LittleEndian.PutUint32(buf[4:8], version)
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestResolveArtifact_GenerationEngineIsPassthrough(t *testing.T) {
	art, err := ResolveArtifact(models.EngineGeneration, "meta-llama/Meta-Llama-3-8B")
	require.NoError(t, err)
	assert.Equal(t, "meta-llama/Meta-Llama-3-8B", art.ResolvedPath)
	assert.False(t, art.IsMultipart)
}

func TestResolveArtifact_SingleFileGGUF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mistral-7b-Q4_K_M.gguf")
	writeGGUF(t, path, 3)

	art, err := ResolveArtifact(models.EngineGGUF, path)
	require.NoError(t, err)
	assert.False(t, art.IsMultipart)
	assert.Equal(t, 3, art.GGUFVersion)
	assert.Equal(t, "Q4_K_M", art.Quantization)
	assert.Equal(t, int64(ggufMinFileSize), art.SizeBytes)
}

func TestResolveArtifact_MultipartComplete(t *testing.T) {
	dir := t.TempDir()
	for i := 1; i <= 3; i++ {
		name := filepath.Join(dir, fmt.Sprintf("llama-70b-Q8_0-%05d-of-00003.gguf", i))
		writeGGUF(t, name, 2)
	}

	art, err := ResolveArtifact(models.EngineGGUF, filepath.Join(dir, "llama-70b-Q8_0-00001-of-00003.gguf"))
	require.NoError(t, err)
	assert.True(t, art.IsMultipart)
	assert.Equal(t, 3, art.PartCount)
	assert.Equal(t, int64(3*ggufMinFileSize), art.SizeBytes)
}

func TestResolveArtifact_MultipartMissingPart(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "llama-70b-00001-of-00003.gguf"), 2)
	writeGGUF(t, filepath.Join(dir, "llama-70b-00003-of-00003.gguf"), 2)

	_, err := ResolveArtifact(models.EngineGGUF, filepath.Join(dir, "llama-70b-00001-of-00003.gguf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing part 2 of 3")
}

func TestValidateGGUFHeader_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.gguf")
	buf := make([]byte, ggufMinFileSize)
	copy(buf, []byte("NOPE"))
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := validateGGUFHeader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid magic bytes")
}

func TestValidateGGUFHeader_RejectsLegacyGGML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "legacy.gguf")
	buf := make([]byte, ggufMinFileSize)
	copy(buf, []byte("ggml"))
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	_, err := validateGGUFHeader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "legacy GGML")
}

func TestValidateGGUFHeader_RejectsUnsupportedVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "v99.gguf")
	writeGGUF(t, path, 99)

	_, err := validateGGUFHeader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version")
}

func TestValidateGGUFHeader_RejectsTruncatedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tiny.gguf")
	require.NoError(t, os.WriteFile(path, []byte("GGUF"), 0o644))

	_, err := validateGGUFHeader(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestResolveArtifact_BareFilePrefersSiblingMultipartGroup(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "qwen-72b-00001-of-00002.gguf"), 3)
	writeGGUF(t, filepath.Join(dir, "qwen-72b-00002-of-00002.gguf"), 3)
	writeGGUF(t, filepath.Join(dir, "qwen-72b.gguf"), 3)

	art, err := ResolveArtifact(models.EngineGGUF, filepath.Join(dir, "qwen-72b.gguf"))
	require.NoError(t, err)
	assert.True(t, art.IsMultipart)
	assert.Equal(t, 2, art.PartCount)
}

func TestResolveArtifact_DirectorySingleGGUF(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "model.gguf"), 3)

	art, err := ResolveArtifact(models.EngineGGUF, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "model.gguf"), art.ResolvedPath)
}

func TestResolveArtifact_DirectoryMultipleGGUFPicksLexicographicallyFirst(t *testing.T) {
	dir := t.TempDir()
	writeGGUF(t, filepath.Join(dir, "b.gguf"), 3)
	writeGGUF(t, filepath.Join(dir, "a.gguf"), 3)

	art, err := ResolveArtifact(models.EngineGGUF, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "a.gguf"), art.ResolvedPath)
}

func TestResolveArtifact_DirectoryNoGGUFFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("hi"), 0o644))

	_, err := ResolveArtifact(models.EngineGGUF, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no .gguf files found")
}

func TestDetectQuantization(t *testing.T) {
	assert.Equal(t, "Q4_K_M", detectQuantization("mistral-7b-Q4_K_M.gguf"))
	assert.Equal(t, "F16", detectQuantization("llama-F16.gguf"))
	assert.Equal(t, "unknown", detectQuantization("no-quant-marker.gguf"))
}
