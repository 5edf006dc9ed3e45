// Package identity derives stable project identifiers from filesystem paths.
//
// An identifier is the first IDLength hex characters of the SHA256 of the
// canonical project root. The root is the enclosing git worktree when one can
// be discovered, otherwise the canonical path itself. Two spellings of the
// same location (trailing separators, symlinks, "..") always map to the
// same identifier.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"github.com/ternarybob/fleet/internal/validate"
)

// IDLength is the number of hex characters kept from the digest.
const IDLength = 16

// Kind classifies a project root.
type Kind string

const (
	KindGit   Kind = "git"
	KindLocal Kind = "local"
)

// Identity is the result of resolving a path.
type Identity struct {
	ID   string
	Path string // canonical form of the input path
	Root string // canonical git root, or Path when Kind is local
	Kind Kind
}

// ComputeID returns the project identifier for an absolute path.
func ComputeID(path string) (string, error) {
	ident, err := Resolve(path)
	if err != nil {
		return "", err
	}
	return ident.ID, nil
}

// Resolve canonicalizes path, discovers its git root and hashes it.
func Resolve(path string) (Identity, error) {
	canonical, err := Canonicalize(path)
	if err != nil {
		return Identity{}, err
	}

	ident := Identity{Path: canonical, Root: canonical, Kind: KindLocal}
	if root, ok := GitRoot(canonical); ok {
		ident.Root = root
		ident.Kind = KindGit
	}
	ident.ID = hash(ident.Root)
	return ident, nil
}

// Canonicalize cleans an absolute path and resolves symlinks on the longest
// existing prefix. Paths that do not exist yet are still canonicalized.
func Canonicalize(path string) (string, error) {
	if err := validate.AbsolutePath("path", path); err != nil {
		return "", err
	}
	return resolveExisting(filepath.Clean(path)), nil
}

// GitRoot returns the canonical worktree root of the repository enclosing
// path. Bare repositories and plain directories report false.
func GitRoot(path string) (string, bool) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", false
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", false
	}
	return resolveExisting(filepath.Clean(wt.Filesystem.Root())), true
}

// Branch returns the checked-out branch of the repository at path.
func Branch(path string) (string, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	if !head.Name().IsBranch() {
		return "", errDetached
	}
	return head.Name().Short(), nil
}

var errDetached = errors.New("HEAD is detached")

func resolveExisting(path string) string {
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path
	}
	return filepath.Join(resolveExisting(parent), filepath.Base(path))
}

func hash(root string) string {
	sum := sha256.Sum256([]byte(root))
	return hex.EncodeToString(sum[:])[:IDLength]
}
