package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomkb/loom/internal/docstore"
)

// Repo is a typed view over a docstore.Store.
type Repo struct {
	store docstore.Store
}

// NewRepo wraps store.
func NewRepo(store docstore.Store) *Repo {
	return &Repo{store: store}
}

// Store returns the underlying store.
func (r *Repo) Store() docstore.Store {
	return r.store
}

// GetNode returns the node for localID, or docstore.ErrNotFound.
func (r *Repo) GetNode(ctx context.Context, localID string) (*Node, error) {
	doc, err := r.store.Get(ctx, docstore.Nodes, NodeID(localID))
	if err != nil {
		return nil, err
	}
	var n Node
	if err := FromDocument(doc, &n); err != nil {
		return nil, err
	}
	return &n, nil
}

// HasNode reports whether a node exists for localID.
func (r *Repo) HasNode(ctx context.Context, localID string) (bool, error) {
	_, err := r.store.Get(ctx, docstore.Nodes, NodeID(localID))
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutNode upserts n under its deterministic id.
func (r *Repo) PutNode(ctx context.Context, n *Node) error {
	n.ID = NodeID(n.LocalID)
	doc, err := ToDocument(n)
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, docstore.Nodes, n.ID, doc)
}

// DeleteNode removes the node for localID. Missing nodes are not an error.
func (r *Repo) DeleteNode(ctx context.Context, localID string) error {
	return r.store.Delete(ctx, docstore.Nodes, NodeID(localID))
}

// Nodes returns the nodes matching filter, ordered by id.
func (r *Repo) Nodes(ctx context.Context, filter docstore.Filter) ([]*Node, error) {
	docs, err := r.store.Find(ctx, docstore.Nodes, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	nodes := make([]*Node, 0, len(docs))
	for _, doc := range docs {
		var n Node
		if err := FromDocument(doc, &n); err != nil {
			return nil, err
		}
		nodes = append(nodes, &n)
	}
	return nodes, nil
}

// NodesUnder returns the nodes whose local id lies beneath the directory dirLocalID.
func (r *Repo) NodesUnder(ctx context.Context, dirLocalID string) ([]*Node, error) {
	return r.Nodes(ctx, docstore.HasPrefix("local_id", DirPrefix(dirLocalID)))
}

// PutEdge upserts e under its deterministic id.
func (r *Repo) PutEdge(ctx context.Context, e *Edge) error {
	e.ID = EdgeID(e.Source, e.Target, e.Position)
	doc, err := ToDocument(e)
	if err != nil {
		return err
	}
	return r.store.Upsert(ctx, docstore.Edges, e.ID, doc)
}

// DeleteEdge removes the edge with the given id.
func (r *Repo) DeleteEdge(ctx context.Context, id string) error {
	return r.store.Delete(ctx, docstore.Edges, id)
}

// Edges returns the edges matching filter, ordered by id.
func (r *Repo) Edges(ctx context.Context, filter docstore.Filter) ([]*Edge, error) {
	docs, err := r.store.Find(ctx, docstore.Edges, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	edges := make([]*Edge, 0, len(docs))
	for _, doc := range docs {
		var e Edge
		if err := FromDocument(doc, &e); err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, nil
}

// EdgesFrom returns the outgoing edges of the node with local id source.
func (r *Repo) EdgesFrom(ctx context.Context, source string) ([]*Edge, error) {
	return r.Edges(ctx, docstore.Eq("source", source))
}

// DeleteEdgesFrom removes every outgoing edge of source and returns how many went.
func (r *Repo) DeleteEdgesFrom(ctx context.Context, source string) (int, error) {
	edges, err := r.EdgesFrom(ctx, source)
	if err != nil {
		return 0, err
	}
	for i, e := range edges {
		if err := r.DeleteEdge(ctx, e.ID); err != nil {
			return i, err
		}
	}
	return len(edges), nil
}

// Counts returns the number of nodes and edges in the store.
func (r *Repo) Counts(ctx context.Context) (nodes, edges int, err error) {
	if nodes, err = r.store.Count(ctx, docstore.Nodes, docstore.Filter{}); err != nil {
		return 0, 0, err
	}
	if edges, err = r.store.Count(ctx, docstore.Edges, docstore.Filter{}); err != nil {
		return 0, 0, err
	}
	return nodes, edges, nil
}
