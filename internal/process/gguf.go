package process

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/ariaforge/inferd/pkg/models"
)

// ResolvedArtifact is the result of resolving a Model's artifact_path into
// something a container can actually be launched against.
type ResolvedArtifact struct {
	ResolvedPath string
	SizeBytes    int64
	IsMultipart  bool
	PartCount    int
	Quantization string
	GGUFVersion  int
}

var multipartPattern = regexp.MustCompile(`(?i)^(.+)-(\d{5})-of-(\d{5})\.gguf$`)

// quantPatterns mirror the original implementation's filename quantization
// detector (original_source/backend/src/utils/gguf_utils.py,
// detect_quantization_from_filename): ordered from most to least specific
// so "Q4_K_M" is preferred over the looser "Q4" match.
var quantPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:^|[_\-.])(Q\d+_[KML](?:_[SML])?)`),
	regexp.MustCompile(`(?i)(?:^|[_\-.])(Q\d+_\d+)`),
	regexp.MustCompile(`(?i)(?:^|[_\-.])([Ff]\d+)`),
	regexp.MustCompile(`(?i)(?:^|[_\-.])(IQ\d+_[A-Z]+)`),
}

// ResolveArtifact resolves a Model's artifact_path into a concrete,
// validated path. For generation engines it's a pass-through (the value
// is an HF repo id or a directory the engine resolves itself at
// startup). For GGUF engines it locates every part of a multi-part
// artifact, confirms the set is complete, and validates the GGUF binary
// header of the first part.
func ResolveArtifact(engine models.EngineType, artifactPath string) (*ResolvedArtifact, error) {
	if engine != models.EngineGGUF {
		return &ResolvedArtifact{ResolvedPath: artifactPath}, nil
	}
	return resolveGGUFArtifact(artifactPath)
}

// resolveGGUFArtifact implements the three ways a Model's artifact_path
// can name a GGUF artifact: a direct .gguf file (which may have
// multi-part siblings that take precedence over it), a directory to
// scan, or a file that is itself one part of a multi-part group.
func resolveGGUFArtifact(path string) (*ResolvedArtifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("gguf artifact not found: %w", err)
	}

	if info.IsDir() {
		return resolveGGUFDirectory(path)
	}
	return resolveGGUFFile(path)
}

// resolveGGUFDirectory scans a directory for .gguf files. Exactly one
// resolves directly; zero is an error; more than one picks the
// lexicographically first and warns, since there is no other signal to
// prefer one over another.
func resolveGGUFDirectory(dir string) (*ResolvedArtifact, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot read gguf directory %s: %w", dir, err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no .gguf files found in directory %s", dir)
	}
	sort.Strings(candidates)
	if len(candidates) > 1 {
		log.Warn().Str("directory", dir).Strs("candidates", candidates).
			Msg("multiple gguf files found in directory, using lexicographically first")
	}
	return resolveGGUFFile(filepath.Join(dir, candidates[0]))
}

// resolveGGUFFile resolves a single .gguf path. If the filename is
// itself one part of a "<base>-NNNNN-of-MMMMM.gguf" group, the whole
// group is resolved. Otherwise, a sibling multi-part group sharing the
// file's stem takes precedence over using the bare file as-is — the
// caller likely pointed at part 1, or at a convenience symlink, of a
// larger model that was downloaded in parts.
func resolveGGUFFile(path string) (*ResolvedArtifact, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if m := multipartPattern.FindStringSubmatch(base); m != nil {
		return resolveMultipart(dir, m[1], mustAtoi(m[3]))
	}

	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if total, ok := findMultipartGroup(dir, stem); ok {
		return resolveMultipart(dir, stem, total)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("gguf artifact not found: %w", err)
	}

	version, err := validateGGUFHeader(path)
	if err != nil {
		return nil, err
	}

	return &ResolvedArtifact{
		ResolvedPath: path,
		SizeBytes:    info.Size(),
		Quantization: detectQuantization(base),
		GGUFVersion:  version,
	}, nil
}

// findMultipartGroup reports whether dir contains a "<stem>-NNNNN-of-MMMMM.gguf"
// sibling and, if so, the group's total part count.
func findMultipartGroup(dir, stem string) (int, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false
	}
	pattern := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(stem) + `-(\d{5})-of-(\d{5})\.gguf$`)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if m := pattern.FindStringSubmatch(e.Name()); m != nil {
			return mustAtoi(m[2]), true
		}
	}
	return 0, false
}

// resolveMultipart finds every sibling part of a "<base>-NNNNN-of-MMMMM.gguf"
// group, fails if any part is missing, and validates the first part's
// header — grounded on the original's analyze_gguf_files multi-part
// completeness check ("Incomplete multi-part set: Only N of M parts found").
func resolveMultipart(dir, base string, total int) (*ResolvedArtifact, error) {
	var size int64
	var firstPart string
	found := 0

	for part := 1; part <= total; part++ {
		name := fmt.Sprintf("%s-%05d-of-%05d.gguf", base, part, total)
		full := filepath.Join(dir, name)
		info, err := os.Stat(full)
		if err != nil {
			return nil, fmt.Errorf("incomplete multi-part gguf set: missing part %d of %d (%s)", part, total, name)
		}
		size += info.Size()
		found++
		if part == 1 {
			firstPart = full
		}
	}

	version, err := validateGGUFHeader(firstPart)
	if err != nil {
		return nil, err
	}

	return &ResolvedArtifact{
		ResolvedPath: filepath.Join(dir, fmt.Sprintf("%s-00001-of-%05d.gguf", base, total)),
		SizeBytes:    size,
		IsMultipart:  true,
		PartCount:    found,
		Quantization: detectQuantization(base),
		GGUFVersion:  version,
	}, nil
}

const (
	ggufMagic       = "GGUF"
	ggufMinFileSize = 256
)

var ggufSupportedVersions = map[uint32]bool{2: true, 3: true}

// validateGGUFHeader checks magic bytes and version the same way the
// original's validate_gguf_file does: 4-byte magic "GGUF" followed by a
// little-endian uint32 version in {2, 3}.
func validateGGUFHeader(path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("gguf file not found: %w", err)
	}
	if info.Size() < ggufMinFileSize {
		return 0, fmt.Errorf("gguf file %s is too small (%d bytes) — likely truncated or corrupted", path, info.Size())
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("cannot open gguf file: %w", err)
	}
	defer f.Close()

	magic := make([]byte, 4)
	if _, err := io.ReadFull(f, magic); err != nil {
		return 0, fmt.Errorf("gguf file %s truncated: could not read magic bytes", path)
	}
	if string(magic) != ggufMagic {
		if string(magic) == "lmgg" || string(magic) == "ggml" {
			return 0, fmt.Errorf("gguf file %s is a legacy GGML file, not GGUF — convert it first", path)
		}
		return 0, fmt.Errorf("gguf file %s has invalid magic bytes %q, expected %q", path, magic, ggufMagic)
	}

	var version uint32
	if err := binary.Read(f, binary.LittleEndian, &version); err != nil {
		return 0, fmt.Errorf("gguf file %s truncated: could not read version", path)
	}
	if !ggufSupportedVersions[version] {
		return 0, fmt.Errorf("gguf file %s has unsupported version %d (supported: 2, 3)", path, version)
	}

	return int(version), nil
}

func detectQuantization(filename string) string {
	for _, pattern := range quantPatterns {
		if m := pattern.FindStringSubmatch(filename); m != nil {
			return strings.ToUpper(m[1])
		}
	}
	return "unknown"
}

func mustAtoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
