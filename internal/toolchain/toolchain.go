// Package toolchain maps a language and workspace to the command that
// compiles and runs it.
package toolchain

import (
	"os/exec"

	"github.com/dontdude/codexec/internal/domain"
	"github.com/dontdude/codexec/internal/workspace"
)

// Shell scripts reference only positional parameters, so no path or
// executable name is ever spliced into shell text. "&&" keeps a failed
// compile from running anything.
const (
	compileAndRunScript = `"$1" "$2" -o "$3" && "$3"`
	interpretScript     = `"$1" -u "$2"`
	javaScript          = `"$1" "$2" && "$3" -cp "$4" "$5"`
)

// Toolchain holds the executables used for each language.
// A zero field falls back to the default binary name.
type Toolchain struct {
	Shell  string `yaml:"shell"`
	CC     string `yaml:"cc"`
	CXX    string `yaml:"cxx"`
	Python string `yaml:"python"`
	Javac  string `yaml:"javac"`
	Java   string `yaml:"java"`
}

// Default returns the toolchain found on a typical Linux image.
func Default() Toolchain {
	return Toolchain{
		Shell:  "sh",
		CC:     "gcc",
		CXX:    "g++",
		Python: "python3",
		Javac:  "javac",
		Java:   "java",
	}
}

// withDefaults fills empty fields.
func (t Toolchain) withDefaults() Toolchain {
	d := Default()
	if t.Shell == "" {
		t.Shell = d.Shell
	}
	if t.CC == "" {
		t.CC = d.CC
	}
	if t.CXX == "" {
		t.CXX = d.CXX
	}
	if t.Python == "" {
		t.Python = d.Python
	}
	if t.Javac == "" {
		t.Javac = d.Javac
	}
	if t.Java == "" {
		t.Java = d.Java
	}
	return t
}

// Synthesize returns the command for lang in ws. It has no side effects.
// Unsupported languages yield an empty command.
func (t Toolchain) Synthesize(lang domain.Language, ws *workspace.Workspace) domain.Command {
	if ws == nil {
		return domain.Command{}
	}
	t = t.withDefaults()

	var args []string
	switch lang {
	case domain.LanguageC:
		args = t.shell(compileAndRunScript, t.CC, ws.SourcePath, ws.BinaryPath)
	case domain.LanguageCPP:
		args = t.shell(compileAndRunScript, t.CXX, ws.SourcePath, ws.BinaryPath)
	case domain.LanguagePython:
		args = t.shell(interpretScript, t.Python, ws.SourcePath)
	case domain.LanguageJava:
		args = t.shell(javaScript, t.Javac, ws.SourcePath, t.Java, ws.Directory, ws.BaseName)
	default:
		return domain.Command{}
	}

	return domain.Command{Args: args, Dir: ws.Directory}
}

// shell builds `sh -c script sh params...`; the second "sh" becomes $0.
func (t Toolchain) shell(script string, params ...string) []string {
	args := make([]string, 0, len(params)+4)
	args = append(args, t.Shell, "-c", script, t.Shell)
	return append(args, params...)
}

// Binaries returns every executable the toolchain depends on, keyed by role.
func (t Toolchain) Binaries() map[string]string {
	t = t.withDefaults()
	return map[string]string{
		"shell":  t.Shell,
		"cc":     t.CC,
		"cxx":    t.CXX,
		"python": t.Python,
		"javac":  t.Javac,
		"java":   t.Java,
	}
}

// Missing returns the roles whose executable cannot be found on PATH.
func (t Toolchain) Missing() []string {
	var missing []string
	for _, role := range []string{"shell", "cc", "cxx", "python", "javac", "java"} {
		if _, err := exec.LookPath(t.Binaries()[role]); err != nil {
			missing = append(missing, role)
		}
	}
	return missing
}
