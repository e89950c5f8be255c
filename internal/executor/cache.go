package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"sentinel/internal/languages"
	"sentinel/internal/logging"
	"sentinel/internal/metrics"
)

// Artifact families determine what a cache hit looks like for a language.
// Languages with a compile step but no family always recompile.
type artifactFamily int

const (
	familyNone artifactFamily = iota
	familyBinary
	familyJVM
	familyTranspiled
)

const binaryArtifact = "program"

func familyOf(desc *languages.Descriptor) artifactFamily {
	switch desc.Name {
	case "c", "cpp", "go", "rust":
		return familyBinary
	case "java", "kotlin", "scala":
		return familyJVM
	case "typescript":
		return familyTranspiled
	default:
		return familyNone
	}
}

// CompileCache is a content-addressed store of compiled artifacts, shared
// lock-free across workers on a host. Concurrent writers for the same key
// produce bit-identical artifacts, so partial or interleaved writes are
// tolerated: a hit requires the family's probe file to exist.
type CompileCache struct {
	root string
}

// NewCompileCache roots the cache at dir, creating it if needed.
func NewCompileCache(dir string) (*CompileCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", dir, err)
	}
	return &CompileCache{root: dir}, nil
}

// Key derives the cache key for a compile of source under desc. Identical
// language, compile configuration and source bytes always collide; anything
// else never should.
func (c *CompileCache) Key(desc *languages.Descriptor, source string) string {
	h := sha256.New()
	io.WriteString(h, desc.Name)
	h.Write([]byte{'\n'})
	io.WriteString(h, desc.Compile.Command)
	io.WriteString(h, " ")
	io.WriteString(h, strings.Join(desc.Compile.Args, " "))
	h.Write([]byte{'\n'})
	io.WriteString(h, source)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *CompileCache) entryDir(desc *languages.Descriptor, key string) string {
	return filepath.Join(c.root, desc.Name, key)
}

// Restore copies cached artifacts for key into the workspace. Returns false
// on a miss (including languages whose family has no hit predicate).
func (c *CompileCache) Restore(desc *languages.Descriptor, key, workspace string) bool {
	dir := c.entryDir(desc, key)
	hit := false

	switch familyOf(desc) {
	case familyBinary:
		src := filepath.Join(dir, binaryArtifact)
		if fileExists(src) {
			hit = copyFile(src, filepath.Join(workspace, binaryArtifact), 0o755) == nil
		}
	case familyJVM:
		if fileExists(filepath.Join(dir, "Main.class")) {
			hit = copyDirContents(dir, workspace) == nil
		}
	case familyTranspiled:
		if fileExists(filepath.Join(dir, "dist", "main.js")) {
			hit = copyDirContents(filepath.Join(dir, "dist"), filepath.Join(workspace, "dist")) == nil
		}
	}

	if hit {
		metrics.Get().CacheHitsTotal.WithLabelValues(desc.Name).Inc()
	} else {
		metrics.Get().CacheMissesTotal.WithLabelValues(desc.Name).Inc()
	}
	return hit
}

// Publish copies the workspace's artifacts into the cache. Best-effort:
// failures are logged at debug and swallowed.
func (c *CompileCache) Publish(desc *languages.Descriptor, key, workspace string) {
	family := familyOf(desc)
	if family == familyNone {
		return
	}
	dir := c.entryDir(desc, key)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.L().Debug("cache publish skipped", zap.String("language", desc.Name), zap.Error(err))
		return
	}

	var err error
	switch family {
	case familyBinary:
		err = copyFile(filepath.Join(workspace, binaryArtifact), filepath.Join(dir, binaryArtifact), 0o755)
	case familyJVM:
		err = copyGlob(workspace, dir, "*.class")
	case familyTranspiled:
		err = copyDirContents(filepath.Join(workspace, "dist"), filepath.Join(dir, "dist"))
	}
	if err != nil {
		logging.L().Debug("cache publish failed", zap.String("language", desc.Name), zap.Error(err))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyGlob(srcDir, dstDir, pattern string) error {
	matches, err := filepath.Glob(filepath.Join(srcDir, pattern))
	if err != nil {
		return err
	}
	for _, src := range matches {
		if err := copyFile(src, filepath.Join(dstDir, filepath.Base(src)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func copyDirContents(srcDir, dstDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dstDir, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}
