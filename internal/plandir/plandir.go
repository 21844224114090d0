// Package plandir imports plan specifications from a directory of YAML
// and JSON files.
package plandir

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tidewater-robotics/plan-engine/internal/domain"
)

// Entry is a plan file read from disk.
type Entry struct {
	Path     string
	Spec     *domain.PlanSpec
	Checksum string
}

// IsPlanFile reports whether path has a plan file extension.
func IsPlanFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadFile reads one plan file. A plan without an id takes the file name
// without its extension.
func LoadFile(path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("read plan file: %w", err)
	}
	spec, err := Decode(path, data)
	if err != nil {
		return Entry{}, err
	}
	sum := sha256.Sum256(data)
	return Entry{Path: path, Spec: spec, Checksum: hex.EncodeToString(sum[:])}, nil
}

// Decode parses plan file contents according to the extension of name.
func Decode(name string, data []byte) (*domain.PlanSpec, error) {
	var spec domain.PlanSpec
	var err error
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &spec)
	case ".json":
		err = json.Unmarshal(data, &spec)
	default:
		return nil, domain.WrapEngineError(domain.ErrPlanParse.Code, "unsupported plan file", fmt.Errorf("%s", filepath.Base(name)))
	}
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrPlanParse.Code, "parse "+filepath.Base(name), err)
	}
	if spec.PlanID == "" {
		base := filepath.Base(name)
		spec.PlanID = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return &spec, nil
}

// Scan reads every plan file directly inside dir, sorted by path. Files
// that fail to load are reported in errs and skipped.
func Scan(dir string) (entries []Entry, errs []error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, []error{fmt.Errorf("read plans dir: %w", err)}
	}
	for _, it := range items {
		if it.IsDir() || !IsPlanFile(it.Name()) || strings.HasPrefix(it.Name(), ".") {
			continue
		}
		e, err := LoadFile(filepath.Join(dir, it.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, errs
}
