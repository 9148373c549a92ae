package sync

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// fileContent is what the orchestrator learns from reading a file.
type fileContent struct {
	checksum string
	size     int64
	// data is the file body when it was small enough to keep for link
	// extraction; nil otherwise.
	data []byte
}

// readFile hashes path, keeping the body when keep is set and the file is
// no larger than maxKeep. A file that disappears yields a TransientIOError.
func readFile(path string, keep bool, maxKeep int64) (fileContent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileContent{}, &TransientIOError{Path: path, Err: err}
		}
		return fileContent{}, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	var buf *bytes.Buffer
	w := io.Writer(h)
	if keep {
		buf = &bytes.Buffer{}
		w = io.MultiWriter(h, &limitedBuffer{buf: buf, limit: maxKeep})
	}

	n, err := io.Copy(w, f)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fileContent{}, &TransientIOError{Path: path, Err: err}
		}
		return fileContent{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fc := fileContent{checksum: hex.EncodeToString(h.Sum(nil)), size: n}
	if keep && n <= maxKeep {
		fc.data = buf.Bytes()
	}
	return fc, nil
}

// limitedBuffer stops collecting once limit bytes are exceeded but keeps
// accepting writes so the hash sees the whole file.
type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int64
	over  bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if !l.over {
		if int64(l.buf.Len()+len(p)) > l.limit {
			l.over = true
			l.buf.Reset()
		} else {
			l.buf.Write(p)
		}
	}
	return len(p), nil
}
