package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/ngome/internal/ipc"
	"github.com/jkaninda/ngome/internal/jobs"
	"github.com/jkaninda/ngome/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeJob registers a controllable job and returns a channel that releases
// its wait function.
func fakeJob(t *testing.T, reg *jobs.Registry, taskID string, pid int, script string) chan int {
	t.Helper()
	exit := make(chan int, 1)
	err := reg.Register(jobs.Spec{
		TaskID: taskID,
		PID:    pid,
		Script: script,
		Wait: func() (int, error) {
			return <-exit, nil
		},
		Signal: func(os.Signal) error {
			select {
			case exit <- -1:
			default:
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return exit
}

func waitForStatus(t *testing.T, reg *jobs.Registry, taskID string, want jobs.Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reg.Get(taskID); ok && s.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", taskID, want)
}

func TestStop(t *testing.T) {
	reg := jobs.New(discardLogger())
	fakeJob(t, reg, "task-a", 4242, "sleep 100")

	stop := NewStop(reg)
	res, err := stop.Execute(context.Background(), map[string]any{"pid": float64(4242)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Output != "Stopped process 4242 (task task-a)" {
		t.Fatalf("result = %+v", res)
	}

	// A second stop finds nothing alive.
	res, err = stop.Execute(context.Background(), map[string]any{"pid": float64(4242)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Success || !strings.Contains(res.Output, "not found or already dead") {
		t.Fatalf("result = %+v", res)
	}
}

func TestStopRejectsBadPID(t *testing.T) {
	stop := NewStop(jobs.New(discardLogger()))
	if _, err := stop.Execute(context.Background(), map[string]any{"pid": "nope"}); err == nil {
		t.Fatal("expected error")
	}
	if _, err := stop.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTasksEmpty(t *testing.T) {
	tasks := NewTasks(jobs.New(discardLogger()))
	res, err := tasks.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "No background tasks." {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestTasksListing(t *testing.T) {
	reg := jobs.New(discardLogger())
	exit := fakeJob(t, reg, "task-b", 555, strings.Repeat("x", 80))

	tasks := NewTasks(reg)
	res, err := tasks.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "PID 555 [running]") {
		t.Fatalf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, "task_id: task-b") {
		t.Fatalf("output = %q", res.Output)
	}
	if !strings.Contains(res.Output, strings.Repeat("x", 60)+"...") {
		t.Fatalf("script not previewed: %q", res.Output)
	}
	if !strings.Contains(res.Output, "(no output)") {
		t.Fatalf("output = %q", res.Output)
	}

	exit <- 7
	waitForStatus(t, reg, "task-b", jobs.StatusCompleted)

	res, err = tasks.Execute(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "[exit 7]") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestKillTerminal(t *testing.T) {
	reg := jobs.New(discardLogger())
	fakeJob(t, reg, "task-c", 777, "sleep 100")

	kt := NewKillTerminal(reg)
	res, err := kt.Execute(context.Background(), map[string]any{"task_id": "task-c"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatalf("decoding %q: %v", res.Output, err)
	}
	if out["ok"] != true || out["killed"] != true || out["task_id"] != "task-c" {
		t.Fatalf("response = %v", out)
	}

	// Killing the same task again reports killed:false.
	res, err = kt.Execute(context.Background(), map[string]any{"task_id": "task-c"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		t.Fatal(err)
	}
	if out["killed"] != false {
		t.Fatalf("response = %v", out)
	}
}

func TestKillTerminalEmptyTaskID(t *testing.T) {
	kt := NewKillTerminal(jobs.New(discardLogger()))
	if _, err := kt.Execute(context.Background(), map[string]any{"task_id": "  "}); err == nil {
		t.Fatal("expected error")
	}
}

type recordingWriter struct {
	data []byte
}

func (w *recordingWriter) Write(p []byte) (int, error) {
	w.data = append(w.data, p...)
	return len(p), nil
}

func (w *recordingWriter) Close() error { return nil }

func TestInputTerminal(t *testing.T) {
	reg := jobs.New(discardLogger())
	stdin := &recordingWriter{}
	exit := make(chan int)
	err := reg.Register(jobs.Spec{
		TaskID: "task-d",
		PID:    888,
		Stdin:  stdin,
		Wait:   func() (int, error) { return <-exit, nil },
		Signal: func(os.Signal) error { return nil },
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer close(exit)

	it := NewInputTerminal(reg)
	res, err := it.Execute(context.Background(), map[string]any{
		"task_id": "task-d",
		"input":   "hello",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if got := string(stdin.data); got != "hello\n" {
		t.Fatalf("stdin = %q", got)
	}

	// append_newline false writes the raw bytes only.
	stdin.data = nil
	if _, err := it.Execute(context.Background(), map[string]any{
		"task_id":        "task-d",
		"input":          "raw",
		"append_newline": false,
	}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := string(stdin.data); got != "raw" {
		t.Fatalf("stdin = %q", got)
	}
}

func TestInputTerminalUnknownTask(t *testing.T) {
	it := NewInputTerminal(jobs.New(discardLogger()))
	_, err := it.Execute(context.Background(), map[string]any{
		"task_id": "ghost",
		"input":   "x",
	})
	if !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestReload(t *testing.T) {
	r := NewReload()
	res, err := r.Execute(context.Background(), map[string]any{"url": "outputs/abc.txt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != `{"action":"reload","url":"outputs/abc.txt"}` {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestParseReloadURL(t *testing.T) {
	url, ok := ParseReloadURL(`{"action":"reload","url":"outputs/test.txt"}`)
	if !ok || url != "outputs/test.txt" {
		t.Fatalf("parse = %q, %v", url, ok)
	}
	for _, bad := range []string{
		`{"message":"hello"}`,
		`{"action":"other","url":"test.txt"}`,
		`{"action":"reload"}`,
		`not json`,
	} {
		if _, ok := ParseReloadURL(bad); ok {
			t.Fatalf("accepted %q", bad)
		}
	}
}

type fakeProvider struct {
	gotContent string
	reply      string
}

func (f *fakeProvider) SendMessage(_ context.Context, req *llm.Request) (*llm.Response, error) {
	f.gotContent = req.Messages[0].Content
	return &llm.Response{Content: f.reply}, nil
}

func (f *fakeProvider) Name() string { return "fake" }

func TestAsk(t *testing.T) {
	p := &fakeProvider{reply: "a summary"}
	ask := NewAsk(p)

	res, err := ask.Execute(context.Background(), map[string]any{
		"prompt": "summarize this",
		"input":  "lots of text",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "a summary" {
		t.Fatalf("output = %q", res.Output)
	}
	if !strings.Contains(p.gotContent, "<context>\nlots of text\n</context>") {
		t.Fatalf("content = %q", p.gotContent)
	}
	if !strings.HasSuffix(p.gotContent, "summarize this") {
		t.Fatalf("content = %q", p.gotContent)
	}
}

func TestAskWithoutInput(t *testing.T) {
	p := &fakeProvider{reply: "should not be called"}
	ask := NewAsk(p)
	res, err := ask.Execute(context.Background(), map[string]any{"prompt": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(res.Output, "No input provided") {
		t.Fatalf("output = %q", res.Output)
	}
	if p.gotContent != "" {
		t.Fatal("model called without input")
	}
}

func TestRegisterAll(t *testing.T) {
	ipcReg := ipc.NewRegistry(discardLogger())
	router := ipc.NewRouter(ipcReg, nil)
	RegisterAll(ipcReg, router, jobs.New(discardLogger()), &fakeProvider{reply: "ok"})

	for _, name := range []string{"stop", "tasks", "kill_terminal", "input_terminal", "reload", "ask"} {
		if !ipcReg.IsToolConfigured(name) {
			t.Fatalf("%s not configured", name)
		}
	}

	// stdin feeds ask's input argument through the router.
	out, err := router.Dispatch(context.Background(), "ask", []string{"summarize"}, []byte("piped"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if out == "" {
		t.Fatal("empty dispatch output")
	}
}
