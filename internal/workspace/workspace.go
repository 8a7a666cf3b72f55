// Package workspace hands out uniquely named on-disk locations for submitted
// source files and removes them again once a session is over.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"

	"github.com/dontdude/codexec/internal/domain"
)

// JavaFallbackClass is used when no public class declaration is found.
const JavaFallbackClass = "Main"

// ErrWorkspaceInUse is returned if a (directory, base name) pair is already live.
var ErrWorkspaceInUse = errors.New("workspace already in use")

var publicClassPattern = regexp.MustCompile(`public\s+class\s+([a-zA-Z_$][a-zA-Z\d_$]*)`)

var extensions = map[domain.Language]string{
	domain.LanguageC:      ".c",
	domain.LanguageCPP:    ".cpp",
	domain.LanguagePython: ".py",
	domain.LanguageJava:   ".java",
}

// Workspace is the on-disk location owned by exactly one session.
type Workspace struct {
	Directory       string
	BaseName        string
	SourceExtension string
	SourcePath      string
	// BinaryPath is empty for interpreted languages.
	BinaryPath string

	language domain.Language
	released atomic.Bool
}

// Write creates the workspace directory and stores code as the source file.
func (w *Workspace) Write(code string) error {
	if err := os.MkdirAll(w.Directory, 0o755); err != nil {
		return fmt.Errorf("%w: create directory: %w", domain.ErrWorkspaceWrite, err)
	}
	if err := os.WriteFile(w.SourcePath, []byte(code), 0o644); err != nil {
		return fmt.Errorf("%w: write source: %w", domain.ErrWorkspaceWrite, err)
	}
	return nil
}

type key struct {
	dir  string
	base string
}

// Allocator produces collision free workspaces under a fixed root directory.
type Allocator struct {
	root    string
	counter atomic.Uint64

	mu   sync.Mutex
	live map[key]struct{}
}

// New returns an allocator rooted at root. The directory is created lazily.
func New(root string) *Allocator {
	return &Allocator{
		root: root,
		live: make(map[key]struct{}),
	}
}

// Root returns the directory every workspace lives under.
func (a *Allocator) Root() string {
	return a.root
}

// Allocate reserves a workspace for req. Nothing is written to disk yet.
//
// Every workspace gets a private directory named by a random UUID, so two
// Java submissions declaring the same public class never share a path.
func (a *Allocator) Allocate(req domain.ExecutionRequest) (*Workspace, error) {
	base := "temp_" + strconv.FormatUint(a.counter.Add(1), 10)
	if req.Language == domain.LanguageJava {
		base = JavaClassName(req.Code)
	}

	dir := filepath.Join(a.root, uuid.NewString())
	ext := extensions[req.Language]

	ws := &Workspace{
		Directory:       dir,
		BaseName:        base,
		SourceExtension: ext,
		SourcePath:      filepath.Join(dir, base+ext),
		language:        req.Language,
	}
	switch req.Language {
	case domain.LanguageC, domain.LanguageCPP:
		ws.BinaryPath = filepath.Join(dir, base+".out")
	case domain.LanguageJava:
		ws.BinaryPath = filepath.Join(dir, base+".class")
	}

	k := key{dir: dir, base: base}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.live[k]; exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceInUse, ws.SourcePath)
	}
	a.live[k] = struct{}{}

	return ws, nil
}

// Release deletes everything the workspace may have produced.
// Missing files are ignored and calling it more than once is harmless.
func (a *Allocator) Release(ws *Workspace) error {
	if ws == nil || ws.released.Swap(true) {
		return nil
	}

	a.mu.Lock()
	delete(a.live, key{dir: ws.Directory, base: ws.BaseName})
	a.mu.Unlock()

	paths := []string{ws.SourcePath}
	if ws.BinaryPath != "" {
		paths = append(paths, ws.BinaryPath)
	}
	if ws.language == domain.LanguageJava {
		// Nested and anonymous classes compile to Outer$Inner.class.
		nested, _ := filepath.Glob(filepath.Join(ws.Directory, ws.BaseName+"$*.class"))
		paths = append(paths, nested...)
	}

	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !gone(err) {
			errs = append(errs, err)
		}
	}
	if err := os.Remove(ws.Directory); err != nil && !gone(err) {
		// Programs may leave their own files behind; the directory is private, so drop it all.
		if rmErr := os.RemoveAll(ws.Directory); rmErr != nil {
			errs = append(errs, rmErr)
		}
	}

	return errors.Join(errs...)
}

// Live returns the number of workspaces that have not been released.
func (a *Allocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.live)
}

// JavaClassName returns the first public class declared in src, or JavaFallbackClass.
func JavaClassName(src string) string {
	match := publicClassPattern.FindStringSubmatch(src)
	if len(match) < 2 || match[1] == "" {
		return JavaFallbackClass
	}
	return match[1]
}

// gone reports whether err means the path is already absent.
func gone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}
