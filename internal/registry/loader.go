package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"memcoord/internal/common/fsutil"
	"memcoord/pkg/types"
)

// ModelExtensions are the file suffixes treated as model files.
var ModelExtensions = []string{".gguf", ".safetensors"}

var quantRe = regexp.MustCompile(`(?i)[._-](q\d+(?:_[a-z0-9]+)*|f16|f32|bf16)(?:[._-]|$)`)

// LoadDir scans a directory for model files and builds a registry from filenames.
// ID is the full filename (including extension); Path is the absolute file path
// and SizeBytes the file size.
func LoadDir(dir string) ([]types.Model, error) {
	abs, err := fsutil.ResolveDir(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() || !fsutil.HasSuffixFold(e.Name(), ModelExtensions) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		name := e.Name()
		models = append(models, types.Model{
			ID:        name,
			Name:      strings.TrimSuffix(name, filepath.Ext(name)),
			Path:      filepath.Join(abs, name),
			Format:    strings.ToLower(strings.TrimPrefix(filepath.Ext(name), ".")),
			Quant:     quantOf(name),
			Family:    familyOf(name),
			SizeBytes: uint64(info.Size()),
		})
	}
	sortModels(models)
	return models, nil
}

func sortModels(models []types.Model) {
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
}

func quantOf(name string) string {
	m := quantRe.FindStringSubmatch(strings.TrimSuffix(name, filepath.Ext(name)))
	if m == nil {
		return ""
	}
	return strings.ToUpper(m[1])
}

// familyOf takes the leading alphabetic run, e.g. "llama" from "llama-3.1-8b".
func familyOf(name string) string {
	lower := strings.ToLower(name)
	end := strings.IndexFunc(lower, func(r rune) bool { return r < 'a' || r > 'z' })
	switch {
	case end == 0:
		return ""
	case end < 0:
		end = len(lower)
	}
	return lower[:end]
}
