package worker

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/HyphaGroup/portcullis/internal/config"
)

// writeFakeWorker writes a shell script standing in for the worker CLI
// and returns its path.
func writeFakeWorker(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake worker: %v", err)
	}
	return path
}

const initLine = `{"type":"system","subtype":"init","session_id":"sess-abc","model":"test-model"}`

// echoWorker answers every input line with one result frame
const echoWorker = `read line
echo '` + initLine + `'
echo '{"type":"result","result":"first reply","session_id":"sess-abc","is_error":false,"duration_ms":5,"duration_api_ms":3,"num_turns":1,"total_cost_usd":0.01,"usage":{"input_tokens":10,"output_tokens":4,"cache_creation_input_tokens":1,"cache_read_input_tokens":2}}'
while read line; do
  echo '{"type":"result","result":"another reply","session_id":"sess-abc"}'
done
`

func spawnFake(t *testing.T, script string, opts Options) *Session {
	t.Helper()
	opts.Binary = writeFakeWorker(t, script)
	if opts.WorkDir == "" {
		opts.WorkDir = t.TempDir()
	}
	if opts.KillGrace == 0 {
		opts.KillGrace = 100 * time.Millisecond
	}
	s, err := Spawn(config.AgentDefinition{Name: "test-agent"}, opts)
	if err != nil {
		t.Fatalf("Spawn() failed: %v", err)
	}
	t.Cleanup(func() {
		_ = syscall.Kill(-s.Pid(), syscall.SIGKILL)
	})
	return s
}

func TestSession_SendMessageRoundTrip(t *testing.T) {
	s := spawnFake(t, echoWorker, Options{})

	if got := s.State(); got != StateInitializing {
		t.Errorf("initial state = %v, want initializing", got)
	}

	// Init only arrives after the first stdin write; sending while
	// initializing must work.
	result, err := s.SendMessage("hello", 5*time.Second)
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if result.Text != "first reply" {
		t.Errorf("result text = %q, want %q", result.Text, "first reply")
	}
	if result.TotalCostUSD != 0.01 {
		t.Errorf("cost = %f, want 0.01", result.TotalCostUSD)
	}
	if result.Usage.InputTokens != 10 || result.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", result.Usage)
	}
	if result.NumTurns != 1 || result.DurationMS != 5 {
		t.Errorf("result = %+v", result)
	}

	if got := s.SessionID(); got != "sess-abc" {
		t.Errorf("SessionID() = %q, want sess-abc", got)
	}
	if got := s.Model(); got != "test-model" {
		t.Errorf("Model() = %q, want test-model", got)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("state after result = %v, want idle", got)
	}

	// The session is reusable
	result, err = s.SendMessage("again", 5*time.Second)
	if err != nil {
		t.Fatalf("second SendMessage() failed: %v", err)
	}
	if result.Text != "another reply" {
		t.Errorf("second result = %q, want %q", result.Text, "another reply")
	}
}

func TestSession_BusyRejectsConcurrentSend(t *testing.T) {
	// Worker that never answers, so the first send stays in flight
	s := spawnFake(t, `read line
echo '`+initLine+`'
sleep 30
`, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage("first", 10*time.Second)
		done <- err
	}()

	// Wait for the first send to reach the processing state
	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("session never reached processing, state = %v", s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := s.SendMessage("second", time.Second); err != ErrBusy {
		t.Errorf("concurrent SendMessage() = %v, want ErrBusy", err)
	}

	s.Destroy()
	if err := <-done; err != ErrDead {
		t.Errorf("in-flight send after Destroy() = %v, want ErrDead", err)
	}
}

func TestSession_BusyBeforeInitArrives(t *testing.T) {
	// Worker that holds its answer so the first send is still waiting
	// while the session has not left initializing
	s := spawnFake(t, `read line
sleep 1
echo '`+initLine+`'
echo '{"type":"result","result":"only reply","session_id":"sess-abc"}'
`, Options{})

	results := make(chan *Result, 1)
	go func() {
		r, err := s.SendMessage("first", 10*time.Second)
		if err != nil {
			t.Errorf("first SendMessage() failed: %v", err)
		}
		results <- r
	}()

	// Wait for the first send to claim the in-flight slot; init has not
	// arrived yet so the state is still initializing
	pendingSet := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.pending != nil
	}
	deadline := time.Now().Add(2 * time.Second)
	for !pendingSet() {
		if time.Now().After(deadline) {
			t.Fatal("first send never claimed the in-flight slot")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.State(); got != StateInitializing {
		t.Fatalf("state = %v, want initializing", got)
	}

	if _, err := s.SendMessage("second", time.Second); err != ErrBusy {
		t.Errorf("send while initializing with one in flight = %v, want ErrBusy", err)
	}

	select {
	case r := <-results:
		if r != nil && r.Text != "only reply" {
			t.Errorf("first send result = %q, want %q", r.Text, "only reply")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("first send never completed")
	}
}

func TestSession_TimeoutKeepsProcessAlive(t *testing.T) {
	// Worker that answers the first message slowly, later ones fast
	s := spawnFake(t, `read line
echo '`+initLine+`'
sleep 1
echo '{"type":"result","result":"late","session_id":"sess-abc"}'
while read line; do
  echo '{"type":"result","result":"fast","session_id":"sess-abc"}'
done
`, Options{})

	if _, err := s.SendMessage("slow one", 100*time.Millisecond); err != ErrTimeout {
		t.Fatalf("SendMessage() = %v, want ErrTimeout", err)
	}
	if got := s.State(); got == StateDead {
		t.Fatal("timeout must not kill the session")
	}

	// Let the late result arrive; it must be consumed silently
	time.Sleep(1200 * time.Millisecond)
	if got := s.State(); got != StateIdle {
		t.Errorf("state after late result = %v, want idle", got)
	}

	result, err := s.SendMessage("next", 5*time.Second)
	if err != nil {
		t.Fatalf("SendMessage() after timeout failed: %v", err)
	}
	if result.Text != "fast" {
		t.Errorf("result = %q, want fast", result.Text)
	}
}

func TestSession_StaleResultNotDeliveredToNextSend(t *testing.T) {
	// Worker that answers the first message after its caller has given
	// up, then answers the second message
	s := spawnFake(t, `read line
echo '`+initLine+`'
sleep 1
echo '{"type":"result","result":"reply-to-1","session_id":"sess-abc"}'
read line
echo '{"type":"result","result":"reply-to-2","session_id":"sess-abc"}'
`, Options{})

	if _, err := s.SendMessage("one", 100*time.Millisecond); err != ErrTimeout {
		t.Fatalf("first SendMessage() = %v, want ErrTimeout", err)
	}

	// Re-send before the stale reply arrives; the answer to the
	// timed-out message must be discarded, not handed to this call
	result, err := s.SendMessage("two", 5*time.Second)
	if err != nil {
		t.Fatalf("second SendMessage() failed: %v", err)
	}
	if result.Text != "reply-to-2" {
		t.Errorf("result = %q, want reply-to-2", result.Text)
	}
}

func TestSession_BufferOverflowDestroys(t *testing.T) {
	// Worker that emits one oversized line
	s := spawnFake(t, `read line
s=xxxxxxxxxxxxxxxx
while [ ${#s} -lt 8192 ]; do s=$s$s; done
echo "$s"
sleep 30
`, Options{BufferLimitBytes: 1024})

	if _, err := s.SendMessage("go", 5*time.Second); err != ErrDead {
		t.Errorf("SendMessage() on overflow = %v, want ErrDead", err)
	}
	if got := s.State(); got != StateDead {
		t.Errorf("state after overflow = %v, want dead", got)
	}
}

func TestSession_DeathCallbackOnExit(t *testing.T) {
	died := make(chan struct{})
	s := spawnFake(t, `read line
echo '`+initLine+`'
exit 0
`, Options{OnDeath: func() { close(died) }})

	if _, err := s.SendMessage("go", 5*time.Second); err != ErrDead {
		t.Errorf("SendMessage() to exiting worker = %v, want ErrDead", err)
	}

	select {
	case <-died:
	case <-time.After(2 * time.Second):
		t.Error("death callback never fired")
	}
	if got := s.State(); got != StateDead {
		t.Errorf("state = %v, want dead", got)
	}
}

func TestSession_DestroyIsIdempotent(t *testing.T) {
	s := spawnFake(t, `while read line; do :; done
`, Options{})

	s.Destroy()
	s.Destroy()

	if got := s.State(); got != StateDead {
		t.Errorf("state = %v, want dead", got)
	}

	// The process group received SIGTERM and must go away
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(s.Pid(), 0) == nil {
		if time.Now().After(deadline) {
			t.Fatal("worker process still alive after Destroy()")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := s.SendMessage("go", time.Second); err != ErrDead {
		t.Errorf("SendMessage() after Destroy() = %v, want ErrDead", err)
	}
}

func TestSession_ReleaseLeavesProcessRunning(t *testing.T) {
	// Worker that keeps running after stdin EOF
	s := spawnFake(t, `read line
sleep 30
`, Options{})
	pid := s.Pid()

	s.Release()
	s.Release()

	if got := s.State(); got != StateDead {
		t.Errorf("state after Release() = %v, want dead", got)
	}
	if _, err := s.SendMessage("go", time.Second); err != ErrDead {
		t.Errorf("SendMessage() after Release() = %v, want ErrDead", err)
	}

	// The orphan keeps running
	time.Sleep(200 * time.Millisecond)
	if err := syscall.Kill(pid, 0); err != nil {
		t.Errorf("worker died on Release(): %v", err)
	}
}

func TestSession_ReleaseRejectsPendingWithReleased(t *testing.T) {
	s := spawnFake(t, `read line
echo '`+initLine+`'
sleep 30
`, Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage("hang", 10*time.Second)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != StateProcessing {
		if time.Now().After(deadline) {
			t.Fatalf("session never reached processing, state = %v", s.State())
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.Release()
	if err := <-done; err != ErrReleased {
		t.Errorf("in-flight send after Release() = %v, want ErrReleased", err)
	}
}

func TestSession_UnparseableLinesAreDiscarded(t *testing.T) {
	s := spawnFake(t, `read line
echo 'this is not json'
echo '`+initLine+`'
echo ''
echo '{"type":"result","result":"ok","session_id":"sess-abc"}'
`, Options{})

	result, err := s.SendMessage("go", 5*time.Second)
	if err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("result = %q, want ok", result.Text)
	}
}

func TestSession_StderrTailCaptured(t *testing.T) {
	s := spawnFake(t, `echo 'worker warning: low disk' >&2
read line
echo '`+initLine+`'
echo '{"type":"result","result":"ok","session_id":"sess-abc"}'
`, Options{})

	if _, err := s.SendMessage("go", 5*time.Second); err != nil {
		t.Fatalf("SendMessage() failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(s.StderrTail(), "low disk") {
		if time.Now().After(deadline) {
			t.Fatalf("stderr tail = %q, want it to contain the warning", s.StderrTail())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
