package runner

import (
	"context"
	"os/exec"
	"runtime"
	"strings"
	"testing"
	"time"
)

func requireSh(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker tests need a POSIX shell")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
}

// scriptRunner builds a runner executing the given shell script
func scriptRunner(script string, grace time.Duration) *Runner {
	return New([]string{"sh", "-c", script}, grace)
}

func TestRunStreamsStdoutInOrder(t *testing.T) {
	requireSh(t)

	r := scriptRunner(`echo one; echo two; echo __WORKER_DONE__`, time.Second)
	var lines []string
	res, err := r.Run(context.Background(), Spec{TaskID: "t-1", Dir: t.TempDir(), Timeout: 10 * time.Second},
		func(line string) error {
			lines = append(lines, line)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ExitCode != 0 {
		t.Errorf("exit = %d", res.ExitCode)
	}
	want := []string{"one", "two", "__WORKER_DONE__"}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v", lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
}

func TestRunExposesEnvAndStdin(t *testing.T) {
	requireSh(t)

	r := scriptRunner(`read prompt; echo "$prompt:$FOREMAN_CODEHOST_TOKEN:$FOREMAN_TASK_ID"`, time.Second)
	var got string
	_, err := r.Run(context.Background(), Spec{
		TaskID:  "t-env",
		Prompt:  "hello\n",
		Token:   "tok-123",
		Dir:     t.TempDir(),
		Timeout: 10 * time.Second,
	}, func(line string) error {
		got = line
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "hello:tok-123:t-env" {
		t.Errorf("worker observed %q", got)
	}
}

func TestRunCapturesStderrTail(t *testing.T) {
	requireSh(t)

	r := scriptRunner(`echo oops >&2; echo ok`, time.Second)
	res, err := r.Run(context.Background(), Spec{TaskID: "t-err", Dir: t.TempDir(), Timeout: 10 * time.Second},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Stderr, "oops") {
		t.Errorf("stderr = %q", res.Stderr)
	}
}

func TestRunTimeoutTerminatesWorker(t *testing.T) {
	requireSh(t)

	r := scriptRunner(`sleep 60`, 200*time.Millisecond)
	start := time.Now()
	res, err := r.Run(context.Background(), Spec{TaskID: "t-slow", Dir: t.TempDir(), Timeout: 300 * time.Millisecond},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !res.TimedOut {
		t.Error("TimedOut = false")
	}
	if res.ExitCode == 0 {
		t.Error("exit = 0 for a killed worker")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("termination took %v", elapsed)
	}
}

func TestRunCancellationTerminatesWorker(t *testing.T) {
	requireSh(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	r := scriptRunner(`sleep 60`, 200*time.Millisecond)
	res, err := r.Run(ctx, Spec{TaskID: "t-cancel", Dir: t.TempDir(), Timeout: time.Minute},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.TimedOut {
		t.Error("cancellation misreported as timeout")
	}
	if res.ExitCode == 0 {
		t.Error("exit = 0 for a cancelled worker")
	}
}

func TestRunForcefulKillAfterGraceWindow(t *testing.T) {
	requireSh(t)

	// Worker ignores SIGTERM; only SIGKILL ends it
	r := scriptRunner(`trap '' TERM; while true; do sleep 1; done`, 300*time.Millisecond)
	start := time.Now()
	res, err := r.Run(context.Background(), Spec{TaskID: "t-stubborn", Dir: t.TempDir(), Timeout: 200 * time.Millisecond},
		func(string) error { return nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.ExitCode == 0 {
		t.Error("exit = 0 for a killed worker")
	}
	if elapsed := time.Since(start); elapsed > 15*time.Second {
		t.Errorf("forceful kill took %v", elapsed)
	}
}

func TestRunMissingBinaryIsSpawnError(t *testing.T) {
	r := New([]string{"/no/such/worker"}, time.Second)
	_, err := r.Run(context.Background(), Spec{TaskID: "t-missing", Dir: t.TempDir(), Timeout: time.Second},
		func(string) error { return nil })
	if err == nil {
		t.Fatal("expected spawn error")
	}
	if !strings.Contains(err.Error(), "spawn worker") {
		t.Errorf("err = %v", err)
	}
}

func TestPlaceholderSubstitution(t *testing.T) {
	requireSh(t)

	r := New([]string{"sh", "-c", `echo "$0"`, "{workerType}"}, time.Second)
	var got string
	_, err := r.Run(context.Background(), Spec{TaskID: "t-sub", WorkerType: "echo-worker", Dir: t.TempDir(), Timeout: 10 * time.Second},
		func(line string) error {
			got = line
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "echo-worker" {
		t.Errorf("substituted arg = %q", got)
	}
}
