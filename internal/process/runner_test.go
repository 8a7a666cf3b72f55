package process

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dontdude/codexec/internal/domain"
)

type collector struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (c *collector) write(text string) {
	c.mu.Lock()
	c.buf.WriteString(text)
	c.mu.Unlock()
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func shell(script string) domain.Command {
	return domain.Command{Args: []string{"sh", "-c", script}}
}

func waitDone(t *testing.T, p domain.Process, within time.Duration) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(within):
		t.Fatalf("process did not exit within %s", within)
	}
}

func TestStartEmptyCommand(t *testing.T) {
	t.Parallel()

	p, err := NewRunner(nil).Start(context.Background(), domain.Command{}, nil)
	if !errors.Is(err, domain.ErrEmptyCommand) {
		t.Fatalf("Start() error = %v, want ErrEmptyCommand", err)
	}
	if p != nil {
		t.Fatal("Start() returned a process for an empty command")
	}
}

func TestStartMissingExecutable(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil).Start(context.Background(), domain.Command{Args: []string{"/nonexistent/codexec-binary"}}, nil)
	if err == nil {
		t.Fatal("Start() succeeded for a missing executable")
	}
}

func TestMergesStdoutAndStderr(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out := &collector{}
	p, err := NewRunner(nil).Start(context.Background(), shell("echo one; echo two >&2; echo three"), out.write)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitDone(t, p, 5*time.Second)

	got := out.String()
	for _, want := range []string{"one", "two", "three"} {
		if !strings.Contains(got, want) {
			t.Fatalf("output %q missing %q", got, want)
		}
	}
	if strings.Index(got, "one") > strings.Index(got, "three") {
		t.Fatalf("stdout chunks reordered: %q", got)
	}
}

func TestWriteForwardsLines(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out := &collector{}
	p, err := NewRunner(nil).Start(context.Background(), shell(`read a; read b; echo "got:$a,$b"`), out.write)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p.Write("first")
	p.Write("second")
	waitDone(t, p, 5*time.Second)

	if got := out.String(); !strings.Contains(got, "got:first,second") {
		t.Fatalf("output = %q", got)
	}
}

func TestWriteDoesNotBlockOnFullPipe(t *testing.T) {
	t.Parallel()
	requireShell(t)

	p, err := NewRunner(nil).Start(context.Background(), shell("sleep 30"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Kill()

	// Well past the pipe buffer; the child never reads stdin.
	big := strings.Repeat("x", 200*1024)
	returned := make(chan struct{})
	go func() {
		p.Write(big)
		p.Write(big)
		p.Write("tail")
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Write blocked on a child that does not read stdin")
	}

	p.Kill()
	waitDone(t, p, 5*time.Second)
}

func TestInputKeepsOrderAndDropsAfterClose(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	in := NewInput(pw)

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		var sb strings.Builder
		for sb.Len() < len("a\nb\nc\n") {
			n, err := pr.Read(buf)
			if err != nil {
				break
			}
			sb.Write(buf[:n])
		}
		got <- sb.String()
	}()

	for _, line := range []string{"a\n", "b\n", "c\n"} {
		if !in.Send(line) {
			t.Fatalf("Send(%q) dropped", line)
		}
	}
	select {
	case s := <-got:
		if s != "a\nb\nc\n" {
			t.Fatalf("stdin received %q", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input never written")
	}

	in.Close()
	in.Close()
	if in.Send("late\n") {
		t.Fatal("Send succeeded after Close")
	}
	pr.Close()
}

func TestOnExitFiresOnce(t *testing.T) {
	t.Parallel()
	requireShell(t)

	p, err := NewRunner(nil).Start(context.Background(), shell("exit 3"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	var before atomic.Int32
	p.OnExit(func() { before.Add(1) })
	waitDone(t, p, 5*time.Second)

	var after atomic.Int32
	p.OnExit(func() { after.Add(1) })

	if before.Load() != 1 || after.Load() != 1 {
		t.Fatalf("callbacks fired before=%d after=%d, want 1 and 1", before.Load(), after.Load())
	}

	// Writes after exit are dropped without panicking.
	p.Write("ignored")
}

func TestKillStopsProcessGroup(t *testing.T) {
	t.Parallel()
	requireShell(t)

	out := &collector{}
	p, err := NewRunner(nil).Start(context.Background(), shell("sleep 30; echo late"), out.write)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	start := time.Now()
	p.Kill()
	waitDone(t, p, 5*time.Second)

	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("kill took %s", elapsed)
	}
	if strings.Contains(out.String(), "late") {
		t.Fatal("process kept running after kill")
	}
}

func TestContextCancelKills(t *testing.T) {
	t.Parallel()
	requireShell(t)

	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewRunner(nil).Start(ctx, shell("sleep 30"), nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	waitDone(t, p, 5*time.Second)
}

func TestSinkKeepsStreamOrder(t *testing.T) {
	t.Parallel()

	var chunks []string
	sink := NewSink(func(text string) { chunks = append(chunks, text) })
	stdout := sink.Stream("stdout")
	stderr := sink.Stream("stderr")

	stdout.Write([]byte("a"))
	stderr.Write([]byte("x"))
	stdout.Write([]byte("b"))
	stdout.Write(nil)

	if got := strings.Join(chunks, "|"); got != "a|x|b" {
		t.Fatalf("chunks = %q", got)
	}
}
