// Package layout maps scopes onto the local study tree. Downstream tooling
// reads this tree directly, so the path shape is part of the interface:
//
//	<root>/<Project>/<category>/<Site><suffix>/raw/<subject>/<modality>/<artifact>
package layout

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultCategory is used when Layout.Category is empty.
const DefaultCategory = "PROTECTED"

// Layout builds deterministic local paths.
type Layout struct {
	Root       string
	Category   string
	SiteSuffix string
}

// ProjectDir returns the project id with only its first character
// upper-cased.
func ProjectDir(project string) string {
	if project == "" {
		return ""
	}
	r, n := utf8.DecodeRuneInString(project)
	return string(unicode.ToUpper(r)) + project[n:]
}

// SiteDir returns <root>/<Project>/<category>/<Site><suffix>.
func (l Layout) SiteDir(project, site string) string {
	category := l.Category
	if category == "" {
		category = DefaultCategory
	}
	return filepath.Join(l.Root, ProjectDir(project), category, site+l.SiteSuffix)
}

// SubjectDir returns the directory artifacts for one subject and modality
// are written to.
func (l Layout) SubjectDir(project, site, subject, modality string) string {
	return filepath.Join(l.SiteDir(project, site), "raw", subject, modality)
}

// ArtifactPath joins a remote relative path under the subject directory.
// It rejects relative paths that would escape it.
func (l Layout) ArtifactPath(project, site, subject, modality, rel string) (string, error) {
	base := l.SubjectDir(project, site, subject, modality)
	clean := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes %s", rel, base)
	}
	return filepath.Join(base, clean), nil
}

// SidecarPath returns the hidden file holding the last observed remote
// identity of artifact: .<artifact-name>.<kind>hash next to it.
func SidecarPath(artifact, kind string) string {
	dir, name := filepath.Split(artifact)
	return filepath.Join(dir, fmt.Sprintf(".%s.%shash", name, kind))
}

// PartialPath returns the temporary name an artifact is written under before
// it is renamed into place.
func PartialPath(artifact string) string {
	dir, name := filepath.Split(artifact)
	return filepath.Join(dir, "."+name+".part")
}

// IsHidden reports whether name is a sidecar, partial download or other
// dot-file that is not itself an artifact.
func IsHidden(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".")
}
