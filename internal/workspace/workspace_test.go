package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/dontdude/codexec/internal/domain"
)

func TestJavaClassName(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  string
		want string
	}{
		{"simple", "public class Foo { }", "Foo"},
		{"extra whitespace", "import java.util.*;\npublic   class\tHello{ public static void main(String[] a){} }", "Hello"},
		{"dollar and underscore", "public class $my_Class1 {}", "$my_Class1"},
		{"first public class wins", "public class A {}\npublic class B {}", "A"},
		{"no public class", "class Foo { }", JavaFallbackClass},
		{"empty", "", JavaFallbackClass},
		{"malformed", "public class 9bad {}", JavaFallbackClass},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := JavaClassName(tc.src); got != tc.want {
				t.Fatalf("JavaClassName() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestAllocatePaths(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	alloc := New(root)

	cases := []struct {
		lang      domain.Language
		code      string
		ext       string
		hasBinary bool
	}{
		{domain.LanguageC, "int main(){}", ".c", true},
		{domain.LanguageCPP, "int main(){}", ".cpp", true},
		{domain.LanguagePython, "print(1)", ".py", false},
		{domain.LanguageJava, "public class Foo {}", ".java", true},
	}

	for _, tc := range cases {
		ws, err := alloc.Allocate(domain.ExecutionRequest{Code: tc.code, Language: tc.lang})
		if err != nil {
			t.Fatalf("%s: allocate: %v", tc.lang, err)
		}
		if filepath.Dir(ws.Directory) != root {
			t.Fatalf("%s: directory %q not under root %q", tc.lang, ws.Directory, root)
		}
		if ws.SourceExtension != tc.ext {
			t.Fatalf("%s: extension = %q, want %q", tc.lang, ws.SourceExtension, tc.ext)
		}
		if want := filepath.Join(ws.Directory, ws.BaseName+tc.ext); ws.SourcePath != want {
			t.Fatalf("%s: source path = %q, want %q", tc.lang, ws.SourcePath, want)
		}
		if (ws.BinaryPath != "") != tc.hasBinary {
			t.Fatalf("%s: binary path = %q, want present=%v", tc.lang, ws.BinaryPath, tc.hasBinary)
		}
	}

	java, _ := alloc.Allocate(domain.ExecutionRequest{Code: "public class Foo {}", Language: domain.LanguageJava})
	if java.BaseName != "Foo" {
		t.Fatalf("java base name = %q, want Foo", java.BaseName)
	}
	if filepath.Base(java.BinaryPath) != "Foo.class" {
		t.Fatalf("java binary = %q, want Foo.class", java.BinaryPath)
	}
}

func TestAllocateConcurrentIsUnique(t *testing.T) {
	t.Parallel()

	alloc := New(t.TempDir())
	const n = 100

	var wg sync.WaitGroup
	results := make([]*Workspace, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lang := domain.LanguagePython
			code := "print(1)"
			if i%2 == 0 {
				// Same class name on purpose: directories must keep them apart.
				lang = domain.LanguageJava
				code = "public class Hello {}"
			}
			results[i], errs[i] = alloc.Allocate(domain.ExecutionRequest{Code: code, Language: lang})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for i, ws := range results {
		if errs[i] != nil {
			t.Fatalf("allocate %d: %v", i, errs[i])
		}
		if seen[ws.SourcePath] {
			t.Fatalf("duplicate workspace %q", ws.SourcePath)
		}
		seen[ws.SourcePath] = true
	}
	if got := alloc.Live(); got != n {
		t.Fatalf("Live() = %d, want %d", got, n)
	}
}

func TestWriteAndRelease(t *testing.T) {
	t.Parallel()

	alloc := New(t.TempDir())
	ws, err := alloc.Allocate(domain.ExecutionRequest{Code: "public class Foo {}", Language: domain.LanguageJava})
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := ws.Write("public class Foo {}"); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(ws.SourcePath)
	if err != nil || string(data) != "public class Foo {}" {
		t.Fatalf("source file = %q, %v", data, err)
	}

	// Simulate compiler artifacts.
	for _, name := range []string{"Foo.class", "Foo$Inner.class", "Foo$1.class"} {
		if err := os.WriteFile(filepath.Join(ws.Directory, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := alloc.Release(ws); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(ws.Directory); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("workspace directory still present: %v", err)
	}
	if alloc.Live() != 0 {
		t.Fatalf("Live() = %d after release", alloc.Live())
	}

	if err := alloc.Release(ws); err != nil {
		t.Fatalf("second release: %v", err)
	}
}

func TestReleaseNeverWritten(t *testing.T) {
	t.Parallel()

	alloc := New(t.TempDir())
	ws, err := alloc.Allocate(domain.ExecutionRequest{Code: "int main(){}", Language: domain.LanguageC})
	if err != nil {
		t.Fatal(err)
	}
	if err := alloc.Release(ws); err != nil {
		t.Fatalf("release of unwritten workspace: %v", err)
	}
}

func TestWriteFailure(t *testing.T) {
	t.Parallel()

	// A regular file as root makes MkdirAll fail.
	root := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(root, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	alloc := New(root)
	ws, err := alloc.Allocate(domain.ExecutionRequest{Code: "print(1)", Language: domain.LanguagePython})
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.Write("print(1)"); !errors.Is(err, domain.ErrWorkspaceWrite) {
		t.Fatalf("Write() error = %v, want ErrWorkspaceWrite", err)
	}
	if err := alloc.Release(ws); err != nil {
		t.Fatalf("release: %v", err)
	}
}
