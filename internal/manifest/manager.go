package manifest

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"tinker/internal/logging"
)

// Manager serves the manifest and a cached index, rebuilding the index only
// when the repository tree hash moved or a watcher marked it dirty. All
// phases read through here; Refresh is the only mutation path.
type Manager struct {
	workspace string
	declared  *Manifest

	mu    sync.RWMutex
	index *Index
	dirty bool
	log   *zap.Logger
}

// NewManager loads the declared manifest for workspace.
func NewManager(workspace string) (*Manager, error) {
	m, err := Load(workspace)
	if err != nil {
		return nil, err
	}
	return &Manager{
		workspace: workspace,
		declared:  m,
		log:       logging.Named("manifest"),
	}, nil
}

// Workspace returns the managed repository root.
func (mg *Manager) Workspace() string { return mg.workspace }

// Declared returns the manifest file contents.
func (mg *Manager) Declared() *Manifest { return mg.declared }

// Index returns the current file index, rebuilding lazily when the tree
// hash no longer matches the cached one.
func (mg *Manager) Index() (*Index, error) {
	mg.mu.RLock()
	cached := mg.index
	dirty := mg.dirty
	mg.mu.RUnlock()

	if cached != nil && !dirty {
		current, err := TreeHash(mg.workspace, mg.declared)
		if err != nil {
			return nil, err
		}
		if current == cached.TreeHash {
			return cached, nil
		}
	}
	return mg.Refresh()
}

// Refresh rebuilds the index unconditionally.
func (mg *Manager) Refresh() (*Index, error) {
	ix, err := Scan(mg.workspace, mg.declared)
	if err != nil {
		return nil, err
	}
	mg.mu.Lock()
	mg.index = ix
	mg.dirty = false
	mg.mu.Unlock()
	mg.log.Debug("index rebuilt",
		zap.Int("files", len(ix.Files)),
		zap.String("tree_hash", ix.TreeHash[:12]))
	return ix, nil
}

// Invalidate marks the cached index stale. The next Index call rebuilds.
func (mg *Manager) Invalidate() {
	mg.mu.Lock()
	mg.dirty = true
	mg.mu.Unlock()
}

// scored pairs an entry with its ranking score.
type scored struct {
	entry FileEntry
	score int
}

// Rank orders index entries against the query terms: file name matches
// outrank tag matches, which outrank directory-convention matches. Entries
// scoring zero are dropped. Ordering is deterministic for equal scores.
func Rank(ix *Index, terms []string, limit int) []FileEntry {
	lowered := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			lowered = append(lowered, t)
		}
	}
	if len(lowered) == 0 {
		return nil
	}

	var ranked []scored
	for _, f := range ix.Files {
		base := strings.ToLower(stripExt(f.Path))
		dir := strings.ToLower(dirOf(f.Path))
		s := 0
		for _, term := range lowered {
			switch {
			case base == term:
				s += 15
			case strings.Contains(base, term):
				s += 10
			}
			if dir != "" && strings.Contains("/"+dir+"/", "/"+term+"/") {
				s += 5
			}
			for _, tag := range f.Tags {
				if tag == term {
					s += 4
				}
			}
			if f.Language == term {
				s += 2
			}
		}
		if s == 0 {
			continue
		}
		if f.HasTag("critical") {
			s++
		}
		ranked = append(ranked, scored{entry: f, score: s})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].entry.Path < ranked[j].entry.Path
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]FileEntry, len(ranked))
	for i, r := range ranked {
		out[i] = r.entry
	}
	return out
}

func stripExt(path string) string {
	base := path
	if i := strings.LastIndexByte(base, '/'); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}

func dirOf(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return ""
}
