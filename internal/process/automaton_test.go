package process

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

var testPrompts = []PromptClass{
	{Name: "mode", Triggers: []string{"选择操作模式", "Select operation mode"}, Response: "2", Delay: 10 * time.Millisecond},
	{Name: "exit", Triggers: []string{"按回车键退出", "Press Enter"}, Response: "", Delay: 10 * time.Millisecond, AwaitsExit: true},
}

func TestAutomaton_AnswersOncePerClass(t *testing.T) {
	stdin := &lockedBuffer{}
	var answered []string
	var mu sync.Mutex
	a := NewAutomaton(testPrompts, stdin, nil, func(c PromptClass) {
		mu.Lock()
		answered = append(answered, c.Name)
		mu.Unlock()
	})

	a.Observe(Chunk{Stream: StreamStdout, Text: "请选择操作模式:\n"})
	a.Observe(Chunk{Stream: StreamStdout, Text: "Select operation mode again\n"})
	waitFor(t, time.Second, func() bool { return a.State("mode") == PromptAnswered })

	a.Observe(Chunk{Stream: StreamStdout, Text: "选择操作模式\n"})
	time.Sleep(50 * time.Millisecond)

	if got := stdin.String(); got != "2\n" {
		t.Errorf("stdin = %q, want a single answer", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(answered) != 1 || answered[0] != "mode" {
		t.Errorf("answered hook = %v", answered)
	}
}

func TestAutomaton_TriggerSplitAcrossChunks(t *testing.T) {
	stdin := &lockedBuffer{}
	a := NewAutomaton(testPrompts, stdin, nil, nil)

	a.Observe(Chunk{Stream: StreamStdout, Text: "log line\n请选择操作"})
	if a.State("mode") != PromptIdle {
		t.Fatal("partial trigger must not fire")
	}
	a.Observe(Chunk{Stream: StreamStdout, Text: "模式:"})
	if a.State("mode") == PromptIdle {
		t.Fatal("trigger split across chunks should fire")
	}
	waitFor(t, time.Second, func() bool { return stdin.String() == "2\n" })
}

func TestAutomaton_StreamsTrackedSeparately(t *testing.T) {
	a := NewAutomaton(testPrompts, &lockedBuffer{}, nil, nil)

	a.Observe(Chunk{Stream: StreamStdout, Text: "选择操作"})
	a.Observe(Chunk{Stream: StreamStderr, Text: "模式"})
	if a.State("mode") != PromptIdle {
		t.Error("halves on different streams must not combine")
	}
}

func TestAutomaton_NoAnswerBeforeTrigger(t *testing.T) {
	stdin := &lockedBuffer{}
	a := NewAutomaton(testPrompts, stdin, nil, nil)
	a.Observe(Chunk{Stream: StreamStdout, Text: "starting browser\n"})
	time.Sleep(30 * time.Millisecond)

	if stdin.String() != "" {
		t.Errorf("unexpected stdin write %q", stdin.String())
	}
	if a.AwaitingExit() {
		t.Error("should not be awaiting exit")
	}
}

func TestAutomaton_StopSkipsPendingAnswer(t *testing.T) {
	stdin := &lockedBuffer{}
	slow := []PromptClass{{Name: "exit", Triggers: []string{"Press Enter"}, Delay: 100 * time.Millisecond, AwaitsExit: true}}
	a := NewAutomaton(slow, stdin, nil, nil)

	a.Observe(Chunk{Stream: StreamStdout, Text: "Press Enter to exit"})
	if !a.AwaitingExit() {
		t.Error("exit prompt should be recorded on detection")
	}
	if a.State("exit") != PromptSettling {
		t.Errorf("state = %s, want %s", a.State("exit"), PromptSettling)
	}

	a.Stop()
	time.Sleep(150 * time.Millisecond)

	if stdin.String() != "" {
		t.Errorf("stdin written after Stop: %q", stdin.String())
	}
	if len(a.Answered()) != 0 {
		t.Errorf("answered = %v", a.Answered())
	}

	a.Observe(Chunk{Stream: StreamStdout, Text: "Press Enter"})
	if a.State("exit") != PromptSettling {
		t.Error("observe after stop must be ignored")
	}
}

func TestAutomaton_WriteErrorSkipsPrompt(t *testing.T) {
	var hooked []string
	a := NewAutomaton(testPrompts, failingWriter{}, nil, func(c PromptClass) { hooked = append(hooked, c.Name) })
	a.Observe(Chunk{Stream: StreamStdout, Text: "Press Enter"})
	waitFor(t, time.Second, func() bool { return a.State("exit") == PromptSkipped })

	if got := a.Answered(); len(got) != 0 {
		t.Errorf("answered = %v, want none after a failed write", got)
	}
	if len(hooked) != 0 {
		t.Errorf("answer hook called for %v", hooked)
	}
	if !a.AwaitingExit() {
		t.Error("a detected exit prompt still marks the run as awaiting exit")
	}

	// A skipped class is not answered again.
	a.Observe(Chunk{Stream: StreamStdout, Text: "Press Enter"})
	time.Sleep(50 * time.Millisecond)
	if a.State("exit") != PromptSkipped {
		t.Errorf("state = %s, want %s", a.State("exit"), PromptSkipped)
	}
}

func TestTail(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "def"},
		{"ab模式", 4, "式"},
		{"ab模式", 0, ""},
	}
	for _, tt := range tests {
		if got := tail(tt.in, tt.n); got != tt.want {
			t.Errorf("tail(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
