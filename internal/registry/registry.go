// Package registry holds the known disks and derived layout of every node.
//
// Each node is stored as an immutable record. Writers build a new record and swap
// it in under the registry lock, so a reader always sees a layout together with
// the disk set it was derived from.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tinkerbell/spaces/internal/layout"
	"github.com/tinkerbell/spaces/internal/repo"
)

// Errors returned by the registry.
var (
	// ErrNotFound is returned for an unknown node, or a disk index outside the node's disk set.
	ErrNotFound = errors.New("not found")
	// ErrNotComputed is returned when a node has no layout yet.
	ErrNotComputed = errors.New("layout not computed")

	errInvalidID = errors.New("invalid node id")
)

// Node is a snapshot of one node's disks.
type Node struct {
	ID    layout.NodeID `json:"id"`
	Disks []layout.Disk `json:"disks"`
}

// record is never mutated after it is stored.
type record struct {
	id layout.NodeID
	// revision increases every time the disk set is replaced.
	revision uint64
	disks    []layout.Disk
	layout   *layout.Layout
	repos    []repo.Repo
}

func (r *record) node() Node {
	return Node{ID: r.id, Disks: copyDisks(r.disks)}
}

// Registry is a keyed store of node records. The zero value is not usable, use New.
type Registry struct {
	mu    sync.RWMutex
	nodes map[layout.NodeID]*record

	// generate is layout.Generate; tests replace it to interleave writers.
	generate func(layout.NodeID, []layout.Disk) (*layout.Layout, error)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		nodes:    map[layout.NodeID]*record{},
		generate: layout.Generate,
	}
}

// RegisterNode makes id known with an empty disk set. Registering a known node is a no-op.
func (r *Registry) RegisterNode(id layout.NodeID) (Node, error) {
	if id == "" {
		return Node{}, errInvalidID
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.nodes[id]; ok {
		return rec.node(), nil
	}
	rec := &record{id: id, disks: []layout.Disk{}}
	r.nodes[id] = rec

	return rec.node(), nil
}

// LookupNode returns the node and its disks.
func (r *Registry) LookupNode(id layout.NodeID) (Node, error) {
	rec, err := r.get(id)
	if err != nil {
		return Node{}, err
	}

	return rec.node(), nil
}

// Snapshot returns the disks of id together with the layout derived from exactly
// those disks, or a nil layout if none is stored.
func (r *Registry) Snapshot(id layout.NodeID) (Node, *layout.Layout, error) {
	rec, err := r.get(id)
	if err != nil {
		return Node{}, nil, err
	}

	return rec.node(), rec.layout.DeepCopy(), nil
}

// Nodes returns every known node, sorted by id.
func (r *Registry) Nodes() []Node {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.nodes))
	for _, rec := range r.nodes {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].id < recs[j].id })
	out := make([]Node, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.node())
	}

	return out
}

// SyncDisks replaces the disk set of id and drops its layout, which was derived
// from the previous disks. An identical disk set keeps the record, layout included.
func (r *Registry) SyncDisks(id layout.NodeID, disks []layout.Disk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	if slices.Equal(rec.disks, disks) {
		return nil
	}
	r.nodes[id] = &record{
		id:       id,
		revision: rec.revision + 1,
		disks:    copyDisks(disks),
		repos:    rec.repos,
	}

	return nil
}

// Disks returns the disk set of id.
func (r *Registry) Disks(id layout.NodeID) ([]layout.Disk, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}

	return copyDisks(rec.disks), nil
}

// Disk returns the disk at the 0-based index of id's disk set.
func (r *Registry) Disk(id layout.NodeID, index int) (layout.Disk, error) {
	rec, err := r.get(id)
	if err != nil {
		return layout.Disk{}, err
	}
	if index < 0 || index >= len(rec.disks) {
		return layout.Disk{}, fmt.Errorf("%w: node %s has no disk %d", ErrNotFound, id, index)
	}

	return rec.disks[index], nil
}

// Generate derives a layout from the current disks of id and stores it.
// The layout is computed outside the lock and only stored if the disks did not
// change meanwhile; otherwise it is derived again from the new disks.
// A layout that fails validation is not stored. A failed generation leaves the
// node without a layout.
func (r *Registry) Generate(id layout.NodeID) (*layout.Layout, error) {
	for {
		rec, err := r.get(id)
		if err != nil {
			return nil, err
		}

		l, genErr := r.generate(id, rec.disks)
		if genErr == nil {
			genErr = l.Validate()
		}

		r.mu.Lock()
		cur, ok := r.nodes[id]
		switch {
		case !ok:
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
		case cur.revision != rec.revision:
			// disks were replaced while generating
			r.mu.Unlock()
			continue
		case genErr != nil:
			if cur.layout != nil {
				r.nodes[id] = &record{id: id, revision: cur.revision, disks: cur.disks, repos: cur.repos}
			}
			r.mu.Unlock()
			return nil, genErr
		}
		r.nodes[id] = &record{id: id, revision: cur.revision, disks: cur.disks, layout: l, repos: cur.repos}
		r.mu.Unlock()

		return l.DeepCopy(), nil
	}
}

// Layout returns the stored layout of id. It never generates one.
func (r *Registry) Layout(id layout.NodeID) (*layout.Layout, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if rec.layout == nil {
		return nil, fmt.Errorf("%w: node %s", ErrNotComputed, id)
	}

	return rec.layout.DeepCopy(), nil
}

// SetRepos associates the package repositories with id.
func (r *Registry) SetRepos(id layout.NodeID, repos []repo.Repo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[id]
	if !ok {
		return fmt.Errorf("%w: node %s", ErrNotFound, id)
	}
	n := *rec
	n.repos = repo.Copy(repos)
	r.nodes[id] = &n

	return nil
}

// Repos returns the package repositories of id.
func (r *Registry) Repos(id layout.NodeID) ([]repo.Repo, error) {
	rec, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if rec.repos == nil {
		return []repo.Repo{}, nil
	}

	return repo.Copy(rec.repos), nil
}

func (r *Registry) get(id layout.NodeID) (*record, error) {
	r.mu.RLock()
	rec, ok := r.nodes[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: node %s", ErrNotFound, id)
	}

	return rec, nil
}

func copyDisks(d []layout.Disk) []layout.Disk {
	out := make([]layout.Disk, len(d))
	copy(out, d)

	return out
}
