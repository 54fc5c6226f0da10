package worker

import (
	"context"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"brain/internal/execution"
	"brain/internal/store"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testQueue(t *testing.T) *execution.Queue {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "brain.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return execution.NewQueue(st, 3)
}

func testConfig(t *testing.T) Config {
	return Config{
		LogDir:            t.TempDir(),
		PollInterval:      20 * time.Millisecond,
		HeartbeatInterval: time.Second,
		WallClockLimit:    30 * time.Second,
		InlineOutputCap:   1 << 20,
	}
}

func requireInterpreter(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not available", name)
	}
}

// waitTerminal polls until the execution leaves the running states.
func waitTerminal(t *testing.T, q *execution.Queue, id string, within time.Duration) *execution.Execution {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		e, err := q.GetStatus(id)
		if err != nil {
			t.Fatalf("GetStatus: %v", err)
		}
		if e.Status.Terminal() {
			return e
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("execution %s never reached a terminal state", id)
	return nil
}

func runWorkerFor(t *testing.T, q *execution.Queue, cfg Config, body func(*Worker)) {
	t.Helper()
	w := New(q, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	body(w)
	cancel()
	<-done
}

func TestShellExecutionEndToEnd(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)

	e, err := q.Enqueue("printf 'hello from shell'", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 10*time.Second)
		if final.Status != execution.StatusCompleted {
			t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
		}
		if final.ExitCode == nil || *final.ExitCode != 0 {
			t.Errorf("exit code = %v", final.ExitCode)
		}
		if final.WorkerID != w.ID() {
			t.Errorf("worker_id = %q, want %q", final.WorkerID, w.ID())
		}

		stdout, stderr, err := q.GetOutput(e.ID)
		if err != nil {
			t.Fatalf("GetOutput: %v", err)
		}
		if stdout != "hello from shell" {
			t.Errorf("stdout = %q", stdout)
		}
		if stderr != "" {
			t.Errorf("stderr = %q", stderr)
		}
	})
}

func TestPythonExecutionEndToEnd(t *testing.T) {
	requireInterpreter(t, "python3")
	q := testQueue(t)
	cfg := testConfig(t)

	e, err := q.Enqueue("print('computed:', 6 * 7)", execution.LangPython, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 15*time.Second)
		if final.Status != execution.StatusCompleted {
			t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
		}
		stdout, _, err := q.GetOutput(e.ID)
		if err != nil {
			t.Fatalf("GetOutput: %v", err)
		}
		if !strings.Contains(stdout, "computed: 42") {
			t.Errorf("stdout = %q", stdout)
		}
	})
}

func TestFailedExecutionRecordsExitCode(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)

	e, err := q.Enqueue("exit 3", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 10*time.Second)
		if final.Status != execution.StatusFailed {
			t.Fatalf("status = %s", final.Status)
		}
		if final.ExitCode == nil || *final.ExitCode != 3 {
			t.Errorf("exit code = %v, want 3", final.ExitCode)
		}
	})
}

func TestWallClockTimeout(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)
	cfg.WallClockLimit = 500 * time.Millisecond

	e, err := q.Enqueue("sleep 30", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 15*time.Second)
		if final.Status != execution.StatusTimeout {
			t.Fatalf("status = %s, want timeout", final.Status)
		}
		if final.ErrorMessage == "" {
			t.Error("timeout must populate error_message")
		}
	})
}

func TestCancelRunningExecution(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)

	e, err := q.Enqueue("sleep 30", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		// Wait for the worker to pick it up, then cancel.
		deadline := time.Now().Add(10 * time.Second)
		for time.Now().Before(deadline) {
			cur, err := q.GetStatus(e.ID)
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if cur.Status == execution.StatusRunning {
				break
			}
			time.Sleep(20 * time.Millisecond)
		}
		if err := q.Cancel(e.ID); err != nil {
			t.Fatalf("Cancel: %v", err)
		}

		final := waitTerminal(t, q, e.ID, 15*time.Second)
		if final.Status != execution.StatusCancelled {
			t.Errorf("status = %s, want cancelled", final.Status)
		}
	})
}

func TestTruncatedOutputFlagged(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)
	cfg.InlineOutputCap = 256

	e, err := q.Enqueue("i=0; while [ $i -lt 200 ]; do printf 'xxxxxxxxxxxxxxxx'; i=$((i+1)); done", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 15*time.Second)
		if final.Status != execution.StatusCompleted {
			t.Fatalf("status = %s (%s)", final.Status, final.ErrorMessage)
		}
		if !final.OutputTruncated {
			t.Fatal("output_truncated not set")
		}
		stdout, _, err := q.GetOutput(e.ID)
		if err != nil {
			t.Fatalf("GetOutput: %v", err)
		}
		if !strings.HasSuffix(stdout, execution.TruncationMarker) {
			t.Errorf("stdout missing truncation trailer: %q", stdout[len(stdout)-40:])
		}
	})
}

func TestOneFailureDoesNotPoisonTheWorker(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)

	bad, err := q.Enqueue("exit 1", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	good, err := q.Enqueue("printf ok", execution.LangShell, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		if got := waitTerminal(t, q, bad.ID, 10*time.Second); got.Status != execution.StatusFailed {
			t.Errorf("bad status = %s", got.Status)
		}
		if got := waitTerminal(t, q, good.ID, 10*time.Second); got.Status != execution.StatusCompleted {
			t.Errorf("good status = %s", got.Status)
		}
	})
}

func TestPythonBrainPreludeReadsMemories(t *testing.T) {
	requireInterpreter(t, "python3")

	dir := t.TempDir()
	storePath := filepath.Join(dir, "brain.db")
	st, err := store.Open(storePath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	q := execution.NewQueue(st, 3)

	// A plain JSON memory visible through the read-only prelude.
	if _, err := st.DB().Exec(`
		INSERT INTO memories (key, value, search_text, checksum)
		VALUES ('answer', '{"n": 42}', 'n 42', 'c')`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	cfg := testConfig(t)
	cfg.StorePath = storePath

	e, err := q.Enqueue("import brain\nprint(brain.get_memories(['answer'])['answer']['n'])", execution.LangPython, "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	runWorkerFor(t, q, cfg, func(w *Worker) {
		final := waitTerminal(t, q, e.ID, 15*time.Second)
		if final.Status != execution.StatusCompleted {
			stdout, stderr, _ := q.GetOutput(e.ID)
			t.Fatalf("status = %s stdout=%q stderr=%q", final.Status, stdout, stderr)
		}
		stdout, _, err := q.GetOutput(e.ID)
		if err != nil {
			t.Fatalf("GetOutput: %v", err)
		}
		if !strings.Contains(stdout, "42") {
			t.Errorf("stdout = %q", stdout)
		}
	})
}

func TestPoolRunsMultipleWorkers(t *testing.T) {
	requireInterpreter(t, "sh")
	q := testQueue(t)
	cfg := testConfig(t)

	var ids []string
	for i := 0; i < 4; i++ {
		e, err := q.Enqueue("printf done", execution.LangShell, "")
		if err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		ids = append(ids, e.ID)
	}

	pool := NewPool(q, cfg, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()

	for _, id := range ids {
		if got := waitTerminal(t, q, id, 20*time.Second); got.Status != execution.StatusCompleted {
			t.Errorf("%s status = %s", id, got.Status)
		}
	}
	cancel()
	<-done
}
