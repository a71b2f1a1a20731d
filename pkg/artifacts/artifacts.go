// Package artifacts manages the on-disk artifact sets that accompany checkpoints.
//
// Every operation owns at most one committed directory under the root. A set is
// written into a hidden temp directory first and renamed into place, so a
// committed directory is either complete or absent. Each save produces a new
// generation directory; older generations are removed only after the metadata
// row referencing the new one has been committed.
//
// Layout:
//
//	<root>/<sanitized id>-<8 hex>@<generation>/<name>   committed set
//	<root>/.tmp-<sanitized id>-<8 hex>-<uuid>/<name>     in-progress write
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	tempPrefix   = ".tmp-"
	genSeparator = "@"
	maxKeyLen    = 64
)

// ErrInvalidName is returned for artifact names that are not plain file names.
var ErrInvalidName = errors.New("artifacts: invalid artifact name")

// Dir is a root directory holding artifact sets. It is safe for concurrent use
// across operations; writes for the same operation are serialized by the caller's
// metadata transaction, not by Dir.
type Dir struct {
	root string
	log  zerolog.Logger

	// beforeCommit runs after all files are written to the temp directory and
	// before it is renamed into place. Tests use it to inject failures.
	beforeCommit func(tmp string) error
}

// Option configures a Dir.
type Option func(*Dir)

// WithLogger sets the logger used for best-effort cleanup failures.
func WithLogger(l zerolog.Logger) Option { return func(d *Dir) { d.log = l } }

// New creates root if needed and returns a Dir over it.
func New(root string, opts ...Option) (*Dir, error) {
	if root == "" {
		return nil, errors.New("artifacts: root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("artifacts: create root: %w", err)
	}
	d := &Dir{root: abs, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// Key derives the filesystem-safe directory key for an operation id. The hash
// suffix keeps ids that sanitize to the same text apart.
func Key(operationID string) string {
	var b strings.Builder
	for _, r := range operationID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxKeyLen {
			break
		}
	}
	sum := sha256.Sum256([]byte(operationID))
	return strings.TrimLeft(b.String(), ".") + "-" + hex.EncodeToString(sum[:4])
}

// ValidateName rejects names that would escape or nest inside the set directory.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Write stores files as a new committed generation for operationID and returns
// its path and total size. On error nothing is left behind and existing
// generations are untouched.
func (d *Dir) Write(ctx context.Context, operationID string, files map[string][]byte) (string, int64, error) {
	for name := range files {
		if err := ValidateName(name); err != nil {
			return "", 0, err
		}
	}
	key := Key(operationID)
	tmp := filepath.Join(d.root, tempPrefix+key+"-"+uuid.NewString())
	if err := os.Mkdir(tmp, 0o755); err != nil {
		return "", 0, fmt.Errorf("artifacts: create temp dir: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(tmp)
		}
	}()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var size int64
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		data := files[name]
		if err := writeFileSync(filepath.Join(tmp, name), data); err != nil {
			return "", 0, fmt.Errorf("artifacts: write %s: %w", name, err)
		}
		size += int64(len(data))
	}
	if d.beforeCommit != nil {
		if err := d.beforeCommit(tmp); err != nil {
			return "", 0, err
		}
	}

	gen, err := uuid.NewV7()
	if err != nil {
		return "", 0, fmt.Errorf("artifacts: generation id: %w", err)
	}
	final := filepath.Join(d.root, key+genSeparator+gen.String())
	if err := os.Rename(tmp, final); err != nil {
		return "", 0, fmt.Errorf("artifacts: commit: %w", err)
	}
	committed = true
	syncDir(d.root)
	return final, size, nil
}

// Read loads every regular file of the set at path. A missing directory
// returns fs.ErrNotExist.
func Read(path string) (map[string][]byte, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(path, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("artifacts: read %s: %w", e.Name(), err)
		}
		out[e.Name()] = data
	}
	return out, nil
}

// Size sums the sizes of the regular files directly under path.
func Size(path string) (int64, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Generations lists the committed directories belonging to operationID.
func (d *Dir) Generations(operationID string) ([]string, error) {
	prefix := Key(operationID) + genSeparator
	return d.matching(func(name string) bool { return strings.HasPrefix(name, prefix) })
}

// RemoveStale removes every committed generation and in-progress temp
// directory of operationID except keep. Failures are logged and skipped.
func (d *Dir) RemoveStale(operationID, keep string) {
	key := Key(operationID)
	paths, err := d.matching(func(name string) bool {
		return strings.HasPrefix(name, key+genSeparator) || strings.HasPrefix(name, tempPrefix+key+"-")
	})
	if err != nil {
		d.log.Warn().Err(err).Str("operation_id", operationID).Msg("list artifact generations")
		return
	}
	keep = filepath.Clean(keep)
	for _, p := range paths {
		if keep != "" && p == keep {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			d.log.Warn().Err(err).Str("operation_id", operationID).Str("path", p).Msg("remove stale artifacts")
		}
	}
}

// Remove deletes the set at path. A missing path is not an error.
func (d *Dir) Remove(path string) error { return Remove(path) }

// Remove deletes an artifact directory, managed or not. A missing path is not an error.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.RemoveAll(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep removes temp directories and unreferenced generations older than
// grace. It returns the removed paths.
func (d *Dir) Sweep(ctx context.Context, referenced map[string]bool, grace time.Duration) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("artifacts: list root: %w", err)
	}
	cutoff := time.Now().Add(-grace)
	var removed []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		p := filepath.Join(d.root, name)
		switch {
		case strings.HasPrefix(name, tempPrefix):
		case strings.Contains(name, genSeparator):
			if referenced[p] {
				continue
			}
		default:
			continue
		}
		// A generation renamed by an in-flight save is unreferenced until its
		// row commits, so it gets the same grace as a temp directory.
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(p); err != nil {
			d.log.Warn().Err(err).Str("path", p).Msg("sweep artifacts")
			continue
		}
		removed = append(removed, p)
	}
	return removed, nil
}

func (d *Dir) matching(keep func(name string) bool) ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && keep(e.Name()) {
			out = append(out, filepath.Join(d.root, e.Name()))
		}
	}
	return out, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// syncDir flushes a directory entry change; not every platform supports it.
func syncDir(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	_ = f.Sync()
	_ = f.Close()
}
