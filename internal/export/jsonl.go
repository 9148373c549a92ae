// Package export dumps and restores a document store as JSONL, one
// document per line.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/loomkb/loom/internal/docstore"
)

// Record is one line of an export file.
type Record struct {
	Collection docstore.Collection `json:"collection"`
	Doc        docstore.Document   `json:"doc"`
}

// Result contains statistics about an export or import
type Result struct {
	Nodes  int
	Edges  int
	Errors []string
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Parse and validate without writing
}

func (r *Result) count(coll docstore.Collection) {
	switch coll {
	case docstore.Nodes:
		r.Nodes++
	case docstore.Edges:
		r.Edges++
	}
}

// Export writes every node, then every edge, to w.
func Export(ctx context.Context, store docstore.Store, w io.Writer) (*Result, error) {
	result := &Result{}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for _, coll := range []docstore.Collection{docstore.Nodes, docstore.Edges} {
		docs, err := store.Find(ctx, coll, docstore.Filter{})
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", coll, err)
		}
		for _, doc := range docs {
			if err := enc.Encode(Record{Collection: coll, Doc: doc}); err != nil {
				return nil, fmt.Errorf("failed to write %s %s: %w", coll, doc.ID(), err)
			}
			result.count(coll)
		}
	}

	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to flush export: %w", err)
	}
	return result, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, store docstore.Store, path string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, store, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// Import reads records from r and upserts them. A bad line or a failed write
// is recorded in the result and the import continues; only malformed JSON
// stops it, since the decoder cannot resynchronize.
func Import(ctx context.Context, store docstore.Store, r io.Reader, opts ImportOptions) (*Result, error) {
	result := &Result{}
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return result, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := docstore.CheckCollection(rec.Collection); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", lineNum, err))
			continue
		}
		id := rec.Doc.ID()
		if id == "" {
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", lineNum, docstore.ErrEmptyID))
			continue
		}

		if !opts.DryRun {
			if err := store.Upsert(ctx, rec.Collection, id, rec.Doc); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", lineNum, err))
				continue
			}
		}
		result.count(rec.Collection)
	}

	return result, nil
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, store docstore.Store, path string, opts ImportOptions) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, store, f, opts)
}
