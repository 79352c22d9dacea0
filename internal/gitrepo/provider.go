// Package gitrepo resolves named repository handles and computes
// patchset diff statistics. The ticket core consumes it as an external
// collaborator; repository internals stay out of the journal store.
package gitrepo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Handle is an opened repository. Close releases the per-repository
// lock; every open must be paired with a close on all exit paths.
type Handle struct {
	Name string
	Repo *git.Repository

	release func()
	once    sync.Once
}

// Close releases the handle. Safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(h.release)
}

// DiffStat aggregates line statistics between two refs.
type DiffStat struct {
	Insertions int
	Deletions  int
	Paths      []string
}

// Provider opens repositories below a base directory, one lock per
// repository name.
type Provider struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a provider rooted at baseDir.
func New(baseDir string) *Provider {
	return &Provider{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RepositoryPath resolves the on-disk location of a named repository.
func (p *Provider) RepositoryPath(name string) string {
	return filepath.Join(p.baseDir, filepath.FromSlash(name))
}

// Exists reports whether the named repository directory is present.
func (p *Provider) Exists(name string) bool {
	info, err := os.Stat(p.RepositoryPath(name))
	return err == nil && info.IsDir()
}

// Open acquires the repository lock and opens the git repository. The
// returned handle must be closed.
func (p *Provider) Open(name string) (*Handle, error) {
	lock := p.repositoryLock(name)
	lock.Lock()

	repo, err := git.PlainOpen(p.RepositoryPath(name))
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("open repository %s: %w", name, err)
	}
	return &Handle{Name: name, Repo: repo, release: lock.Unlock}, nil
}

// DiffStat computes insertions, deletions, and touched paths between a
// base and tip ref of the named repository. It returns nil on any
// failure: diff stats are best-effort annotations, never load-bearing.
func (p *Provider) DiffStat(name, base, tip string) *DiffStat {
	handle, err := p.Open(name)
	if err != nil {
		return nil
	}
	defer handle.Close()

	tipCommit, err := resolveCommit(handle.Repo, tip)
	if err != nil {
		return nil
	}
	baseCommit, err := resolveCommit(handle.Repo, base)
	if err != nil {
		return nil
	}

	patch, err := baseCommit.Patch(tipCommit)
	if err != nil {
		return nil
	}

	stat := &DiffStat{}
	for _, fileStat := range patch.Stats() {
		stat.Insertions += fileStat.Addition
		stat.Deletions += fileStat.Deletion
		stat.Paths = append(stat.Paths, fileStat.Name)
	}
	return stat
}

func (p *Provider) repositoryLock(name string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[name] = lock
	}
	return lock
}

func resolveCommit(repo *git.Repository, rev string) (*object.Commit, error) {
	if rev == "" {
		return nil, errors.New("empty revision")
	}
	var hash plumbing.Hash
	if len(rev) == 40 {
		hash = plumbing.NewHash(rev)
	} else {
		resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
		if err != nil {
			return nil, fmt.Errorf("resolve revision %s: %w", rev, err)
		}
		hash = *resolved
	}
	commit, err := repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return commit, nil
}
