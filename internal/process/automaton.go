package process

import (
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// PromptClass is one interactive question the script may print, with the
// scripted answer written after a settle delay.
type PromptClass struct {
	Name     string        `json:"name" koanf:"name"`
	Triggers []string      `json:"triggers" koanf:"triggers"`
	Response string        `json:"response" koanf:"response"`
	Delay    time.Duration `json:"delay" koanf:"delay"`
	// AwaitsExit marks the prompt printed right before the script exits; once
	// seen, a non-zero exit code is no longer treated as a failure.
	AwaitsExit bool `json:"awaits_exit" koanf:"awaits_exit"`
}

// DefaultPrompts are the prompts printed by the registration script.
var DefaultPrompts = []PromptClass{
	{
		Name:     "mode-selection",
		Triggers: []string{"选择操作模式", "Select operation mode", "1. 仅重置机器码", "2. 完整注册流程"},
		Response: "2",
		Delay:    500 * time.Millisecond,
	},
	{
		Name:       "exit-acknowledgement",
		Triggers:   []string{"按任意键退出", "press any key", "Press Enter", "按回车键退出"},
		Response:   "",
		Delay:      time.Second,
		AwaitsExit: true,
	},
}

// PromptState is the per-run state of one prompt class.
type PromptState string

const (
	PromptIdle     PromptState = "idle"
	PromptSettling PromptState = "awaiting_settle"
	PromptAnswered PromptState = "answered"
	// PromptSkipped means the answer could not be written. The class is not
	// retried.
	PromptSkipped PromptState = "skipped"
)

// Automaton watches output chunks and answers each prompt class at most once.
// It is the only writer to the child's stdin.
type Automaton struct {
	classes  []PromptClass
	stdin    io.Writer
	log      *slog.Logger
	onAnswer func(PromptClass)

	mu           sync.Mutex
	states       map[string]PromptState
	tails        map[Stream]string
	keep         int
	timers       []*time.Timer
	stopped      bool
	awaitingExit bool
}

// NewAutomaton creates an automaton writing answers to stdin. onAnswer, if
// set, is called after every successful write.
func NewAutomaton(classes []PromptClass, stdin io.Writer, log *slog.Logger, onAnswer func(PromptClass)) *Automaton {
	if log == nil {
		log = slog.Default()
	}
	a := &Automaton{
		classes:  classes,
		stdin:    stdin,
		log:      log,
		onAnswer: onAnswer,
		states:   make(map[string]PromptState, len(classes)),
		tails:    make(map[Stream]string),
	}
	for _, c := range classes {
		a.states[c.Name] = PromptIdle
		for _, t := range c.Triggers {
			if len(t) > a.keep {
				a.keep = len(t)
			}
		}
	}
	if a.keep > 0 {
		a.keep--
	}
	return a
}

// Observe checks the stream's cumulative output for triggers. Only the tail of
// earlier chunks is kept, which is enough to catch a trigger split across reads.
func (a *Automaton) Observe(c Chunk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || len(a.classes) == 0 {
		return
	}

	window := a.tails[c.Stream] + c.Text
	a.tails[c.Stream] = tail(window, a.keep)

	for _, class := range a.classes {
		if a.states[class.Name] != PromptIdle || !containsAny(window, class.Triggers) {
			continue
		}
		a.states[class.Name] = PromptSettling
		if class.AwaitsExit {
			a.awaitingExit = true
		}
		a.log.Debug("prompt detected", "prompt", class.Name, "delay", class.Delay)

		class := class
		a.timers = append(a.timers, time.AfterFunc(class.Delay, func() { a.answer(class) }))
	}
}

func (a *Automaton) answer(class PromptClass) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if _, err := io.WriteString(a.stdin, class.Response+"\n"); err != nil {
		// The child may already be gone; nothing to answer.
		a.states[class.Name] = PromptSkipped
		a.log.Debug("prompt answer skipped", "prompt", class.Name, "error", err)
		return
	}
	a.states[class.Name] = PromptAnswered
	a.log.Info("prompt answered", "prompt", class.Name)
	if a.onAnswer != nil {
		a.onAnswer(class)
	}
}

// AwaitingExit reports whether a prompt marked AwaitsExit was seen.
func (a *Automaton) AwaitingExit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.awaitingExit
}

// State returns the current state of the named class.
func (a *Automaton) State(name string) PromptState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[name]
}

// Answered lists answered classes in table order.
func (a *Automaton) Answered() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var names []string
	for _, c := range a.classes {
		if a.states[c.Name] == PromptAnswered {
			names = append(names, c.Name)
		}
	}
	return names
}

// Stop cancels pending answers. No stdin write happens after Stop returns.
func (a *Automaton) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	for _, t := range a.timers {
		t.Stop()
	}
	a.timers = nil
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// tail returns at most n trailing bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
