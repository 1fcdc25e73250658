// Package repolock serializes task execution per repository. Each
// workspace gets an advisory lease backed by two layers: an in-process
// registry that blocks concurrent tasks inside one agent process, and a
// lock file under .tinker/ that warns other processes off. A second task
// targeting a locked repository waits up to the acquire timeout and then
// fails with ErrBusy instead of queuing indefinitely.
package repolock

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"tinker/internal/logging"
)

// lockFileName is the advisory lock file, relative to the repository root.
const lockFileName = ".tinker/repo.lock"

// LockInfo is the payload persisted in the lock file. Other processes
// read it to report who holds the repository.
type LockInfo struct {
	Owner      string    `json:"owner"`
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Registry hands out repository leases. All accesses to the lease table
// go through the mutex; waiting for a busy repository happens outside it
// on the per-repository semaphore.
type Registry struct {
	mu    sync.Mutex
	repos map[string]chan struct{}
	log   *zap.Logger
}

// NewRegistry creates an empty lease registry.
func NewRegistry() *Registry {
	return &Registry{
		repos: make(map[string]chan struct{}),
		log:   logging.Named("repolock"),
	}
}

// Lease is a held repository lock. Release it when the task finishes;
// releasing twice is a no-op so it is safe to defer.
type Lease struct {
	registry *Registry
	repo     string
	file     string
	owner    string

	mu       sync.Mutex
	released bool
}

// Repo returns the canonical repository path the lease covers.
func (l *Lease) Repo() string { return l.repo }

// Owner returns the identifier recorded when the lease was acquired.
func (l *Lease) Owner() string { return l.owner }

// Acquire locks the repository for owner. If another task in this
// process holds it, Acquire waits up to timeout for the release and then
// fails with ErrBusy. A live lock file written by another process also
// counts as busy; stale files left by dead processes are reclaimed.
func (r *Registry) Acquire(ctx context.Context, repoPath, owner string, timeout time.Duration) (*Lease, error) {
	repo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	sem := r.semaphore(repo)

	select {
	case sem <- struct{}{}:
	case <-time.After(timeout):
		return nil, fmt.Errorf("acquiring %s for %s after %s: %w", repo, owner, timeout, ErrBusy)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lease := &Lease{
		registry: r,
		repo:     repo,
		file:     filepath.Join(repo, filepath.FromSlash(lockFileName)),
		owner:    owner,
	}
	if err := r.claimFile(lease); err != nil {
		<-sem
		return nil, err
	}

	r.log.Debug("repository locked",
		zap.String("repo", repo),
		zap.String("owner", owner))
	return lease, nil
}

// semaphore returns the buffered channel guarding repo, creating it on
// first use.
func (r *Registry) semaphore(repo string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.repos[repo]
	if !ok {
		sem = make(chan struct{}, 1)
		r.repos[repo] = sem
	}
	return sem
}

// claimFile writes the advisory lock file. The in-process semaphore is
// already held, so any existing file belongs to another process: if its
// recorded pid is still alive the repository is busy, otherwise the file
// is stale and gets replaced.
func (r *Registry) claimFile(lease *Lease) error {
	if err := os.MkdirAll(filepath.Dir(lease.file), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(lease.file, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			info := LockInfo{Owner: lease.owner, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			enc := json.NewEncoder(f)
			enc.SetIndent("", "  ")
			if werr := enc.Encode(info); werr != nil {
				f.Close()
				os.Remove(lease.file)
				return fmt.Errorf("writing lock file: %w", werr)
			}
			return f.Close()
		}
		if !os.IsExist(err) {
			return fmt.Errorf("creating lock file: %w", err)
		}

		existing, rerr := readLockInfo(lease.file)
		if rerr == nil && existing.PID != os.Getpid() && pidAlive(existing.PID) {
			return fmt.Errorf("repository %s held by %s (pid %d) since %s: %w",
				lease.repo, existing.Owner, existing.PID,
				existing.AcquiredAt.Format(time.RFC3339), ErrBusy)
		}
		// Unreadable file, our own pid from a crashed run, or a dead
		// process: reclaim and retry the exclusive create once.
		r.log.Warn("reclaiming stale lock file",
			zap.String("repo", lease.repo),
			zap.Int("stale_pid", existing.PID))
		if rmErr := os.Remove(lease.file); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("removing stale lock file: %w", rmErr)
		}
	}
	return fmt.Errorf("lock file contention on %s: %w", lease.repo, ErrBusy)
}

// Release drops the lease and removes the lock file. Safe to call more
// than once; only the first call does work.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	if err := os.Remove(l.file); err != nil && !os.IsNotExist(err) {
		l.registry.log.Warn("removing lock file failed",
			zap.String("repo", l.repo), zap.Error(err))
	}

	l.registry.mu.Lock()
	sem := l.registry.repos[l.repo]
	l.registry.mu.Unlock()
	if sem != nil {
		select {
		case <-sem:
		default:
		}
	}

	l.registry.log.Debug("repository unlocked",
		zap.String("repo", l.repo),
		zap.String("owner", l.owner))
	return nil
}

// Holder reports who currently holds the repository according to the
// lock file. A missing file means the repository is free.
func Holder(repoPath string) (*LockInfo, error) {
	file := filepath.Join(repoPath, filepath.FromSlash(lockFileName))
	info, err := readLockInfo(file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &info, nil
}

func readLockInfo(file string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(file)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing lock file: %w", err)
	}
	return info, nil
}

// pidAlive reports whether a process with the given pid exists. Signal 0
// probes without delivering anything; EPERM still proves existence.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
