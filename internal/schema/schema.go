// Package schema defines the node and edge records kept in the document store
// and derives their deterministic ids.
package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loomkb/loom/internal/docstore"
)

// Record statuses.
const (
	StatusActive        = "active"
	StatusRemoteCleared = "remote-cleared"
)

// KindFile is the only node kind produced by the filesystem sync.
const KindFile = "file"

// LinkKind identifies the syntax an edge was extracted from.
type LinkKind string

const (
	LinkMarkdown LinkKind = "markdown"
	LinkWiki     LinkKind = "wiki"
	LinkHTML     LinkKind = "html"
)

const localScheme = "file://"

// LocalID returns the canonical local identifier for a filesystem path:
// "file://" followed by the absolute, cleaned, slash-separated path.
func LocalID(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return localScheme + filepath.ToSlash(filepath.Clean(abs)), nil
}

// MustLocalID is LocalID for paths already known to be absolute.
func MustLocalID(path string) string {
	id, err := LocalID(path)
	if err != nil {
		panic(err)
	}
	return id
}

// PathFromLocalID reverses LocalID. ok is false for ids that are not local.
func PathFromLocalID(id string) (path string, ok bool) {
	if !strings.HasPrefix(id, localScheme) {
		return "", false
	}
	return filepath.FromSlash(strings.TrimPrefix(id, localScheme)), true
}

// DirPrefix returns the prefix shared by the local ids of everything beneath dir.
func DirPrefix(dirLocalID string) string {
	return strings.TrimSuffix(dirLocalID, "/") + "/"
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{'|'})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// NodeID derives the record key of the node for localID.
func NodeID(localID string) string {
	return "node:" + digest(localID)
}

// EdgeID derives the record key of the edge from source to target at position.
func EdgeID(source, target string, position int) string {
	return "edge:" + digest(source, target, strconv.Itoa(position))
}

// Node is one tracked filesystem resource.
type Node struct {
	ID       string    `json:"_id"`
	LocalID  string    `json:"local_id"`
	RemoteID string    `json:"remote_id,omitempty"`
	Checksum string    `json:"checksum"`
	Size     int64     `json:"size"`
	Priority float64   `json:"priority"`
	ModTime  time.Time `json:"mod_time"`
	LastSeen time.Time `json:"last_seen"`
	Status   string    `json:"status"`
	Kind     string    `json:"kind"`
}

// NewNode returns an active node for localID with its id filled in.
func NewNode(localID string) *Node {
	return &Node{
		ID:      NodeID(localID),
		LocalID: localID,
		Status:  StatusActive,
		Kind:    KindFile,
	}
}

// SameContent reports whether two nodes differ only in LastSeen.
func (n *Node) SameContent(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	return n.ID == o.ID &&
		n.LocalID == o.LocalID &&
		n.RemoteID == o.RemoteID &&
		n.Checksum == o.Checksum &&
		n.Size == o.Size &&
		n.Priority == o.Priority &&
		n.ModTime.Equal(o.ModTime) &&
		n.Status == o.Status &&
		n.Kind == o.Kind
}

// Edge is a directed link found in a source node. Target is the link text as
// written; TargetLocal and TargetRemote are its resolved forms.
type Edge struct {
	ID             string    `json:"_id"`
	Source         string    `json:"source"`
	SourceRemoteID string    `json:"source_remote_id,omitempty"`
	Target         string    `json:"target"`
	TargetLocal    string    `json:"target_local,omitempty"`
	TargetRemote   string    `json:"target_remote,omitempty"`
	Kind           LinkKind  `json:"kind"`
	Position       int       `json:"position"`
	Status         string    `json:"status"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// NewEdge returns an active edge with its id derived from source, target and position.
func NewEdge(source, target string, position int, kind LinkKind) *Edge {
	return &Edge{
		ID:       EdgeID(source, target, position),
		Source:   source,
		Target:   target,
		Kind:     kind,
		Position: position,
		Status:   StatusActive,
	}
}

// SameContent reports whether two edges differ only in their timestamps.
func (e *Edge) SameContent(o *Edge) bool {
	if e == nil || o == nil {
		return e == o
	}
	return e.ID == o.ID &&
		e.Source == o.Source &&
		e.SourceRemoteID == o.SourceRemoteID &&
		e.Target == o.Target &&
		e.TargetLocal == o.TargetLocal &&
		e.TargetRemote == o.TargetRemote &&
		e.Kind == o.Kind &&
		e.Position == o.Position &&
		e.Status == o.Status
}

// HasTarget reports whether the edge still points anywhere.
func (e *Edge) HasTarget() bool {
	return e.TargetLocal != "" || e.TargetRemote != ""
}

// ToDocument converts a record struct to its stored form.
func ToDocument(v any) (docstore.Document, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record: %w", err)
	}
	return docstore.DecodeDocument(data)
}

// FromDocument decodes a stored document into a record struct.
func FromDocument(doc docstore.Document, v any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", doc.ID(), err)
	}
	return nil
}
