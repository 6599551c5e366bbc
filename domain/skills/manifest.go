// Package skills synchronizes local skill bundles (markdown instruction
// directories, each containing SKILL.md) into the workspace sandbox, using a
// content manifest to skip redundant uploads.
package skills

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// MarkerFile identifies a directory as a skill bundle.
const MarkerFile = "SKILL.md"

// FileEntry records one skill file's identity for change detection.
type FileEntry struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	MtimeNs int64  `json:"mtime_ns"`
}

// Manifest is the uploaded-state record stored inside the sandbox.
type Manifest struct {
	Version string               `json:"version"`
	Files   map[string]FileEntry `json:"files"`
}

// Skill is one discovered local skill bundle.
type Skill struct {
	Name  string
	Root  string // local root directory the skill came from
	Files []LocalFile
}

// LocalFile is one file inside a skill bundle.
type LocalFile struct {
	RelPath string // relative to the skills root, starts with the skill name
	AbsPath string
	Size    int64
	MtimeNs int64
}

// Discover walks the skill roots in precedence order (earlier roots are
// lower precedence) and returns the effective skill set. A skill name
// appearing in a later root completely replaces the earlier one.
func Discover(roots []string) (map[string]Skill, error) {
	skills := make(map[string]Skill)

	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skills root %s: %w", root, err)
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			skillDir := filepath.Join(root, entry.Name())
			if _, err := os.Stat(filepath.Join(skillDir, MarkerFile)); err != nil {
				continue
			}

			skill, err := scanSkill(root, entry.Name())
			if err != nil {
				return nil, err
			}
			// Later root wins: replace wholesale.
			skills[entry.Name()] = skill
		}
	}

	return skills, nil
}

func scanSkill(root, name string) (Skill, error) {
	skill := Skill{Name: name, Root: root}
	base := filepath.Join(root, name)

	err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		skill.Files = append(skill.Files, LocalFile{
			RelPath: filepath.ToSlash(rel),
			AbsPath: path,
			Size:    info.Size(),
			MtimeNs: info.ModTime().UnixNano(),
		})
		return nil
	})
	if err != nil {
		return Skill{}, fmt.Errorf("scan skill %s: %w", name, err)
	}

	sort.Slice(skill.Files, func(i, j int) bool { return skill.Files[i].RelPath < skill.Files[j].RelPath })
	return skill, nil
}

// BuildManifest computes the manifest for the effective skill set. The
// version is a SHA-256 over the sorted "path:size:mtime_ns" triples, so any
// file change, addition, or removal produces a new version.
func BuildManifest(skills map[string]Skill) *Manifest {
	files := make(map[string]FileEntry)
	for _, skill := range skills {
		for _, f := range skill.Files {
			files[f.RelPath] = FileEntry{Path: f.RelPath, Size: f.Size, MtimeNs: f.MtimeNs}
		}
	}

	lines := make([]string, 0, len(files))
	for _, entry := range files {
		lines = append(lines, fmt.Sprintf("%s:%d:%d", entry.Path, entry.Size, entry.MtimeNs))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return &Manifest{
		Version: hex.EncodeToString(sum[:]),
		Files:   files,
	}
}
