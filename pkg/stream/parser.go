package stream

import (
	"bufio"
	"io"
	"strings"

	"github.com/crewline/foreman/pkg/types"
)

// Worker stdout markers. Anything else on stdout is opaque progress text.
const (
	MarkerDone     = "__WORKER_DONE__"
	MarkerFailed   = "__WORKER_FAILED__"
	MarkerProgress = "__WORKER_PROGRESS__"
)

// maxLineBytes bounds a single stdout line
const maxLineBytes = 1024 * 1024

// State is the parser's position in the worker lifecycle
type State int

const (
	StateInitial State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateCancelled
)

// Sink receives events in the exact order the parser produced them. Emit
// blocks until the event is enqueued; that blocking propagates through the
// stdout pipe and throttles the worker, which is intentional.
type Sink interface {
	Emit(status types.EventStatus, progressText string) error
}

// Parser consumes worker stdout lines and drives the
// initial -> running -> {succeeded | failed | cancelled} state machine.
// Not safe for concurrent use; one parser owns one stdout stream.
type Parser struct {
	sink     Sink
	state    State
	failCode string
}

// NewParser creates a parser emitting into sink
func NewParser(sink Sink) *Parser {
	return &Parser{sink: sink, state: StateInitial}
}

// Run consumes the reader line by line until EOF
func (p *Parser) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := p.Consume(scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Consume processes one stdout line
func (p *Parser) Consume(line string) error {
	if p.state.terminal() {
		// First terminal marker wins; everything after is dropped
		return nil
	}
	trimmed := strings.TrimRight(line, "\r")
	if strings.TrimSpace(trimmed) == "" {
		return nil
	}

	if p.state == StateInitial {
		p.state = StateRunning
		if err := p.sink.Emit(types.EventStarted, ""); err != nil {
			return err
		}
	}

	switch {
	case trimmed == MarkerDone:
		p.state = StateSucceeded
		return nil
	case strings.HasPrefix(trimmed, MarkerFailed):
		p.state = StateFailed
		p.failCode = strings.TrimSpace(strings.TrimPrefix(trimmed, MarkerFailed))
		if p.failCode == "" {
			p.failCode = "worker_failed"
		}
		return nil
	case strings.HasPrefix(trimmed, MarkerProgress):
		return p.sink.Emit(types.EventProgress, strings.TrimSpace(strings.TrimPrefix(trimmed, MarkerProgress)))
	default:
		// Unrecognised lines are forwarded as opaque progress text
		return p.sink.Emit(types.EventProgress, trimmed)
	}
}

// Cancel moves the machine to the cancelled state. Cancellation overrides a
// pending success or failure marker observed afterwards.
func (p *Parser) Cancel() {
	p.state = StateCancelled
}

// State returns the current state
func (p *Parser) State() State {
	return p.state
}

// FailureCode returns the code from a __WORKER_FAILED__ marker, if any
func (p *Parser) FailureCode() string {
	return p.failCode
}

// Started reports whether the started event was published
func (p *Parser) Started() bool {
	return p.state != StateInitial
}

func (s State) terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}
