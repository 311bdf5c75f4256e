package stream

import (
	"strings"
	"testing"

	"github.com/crewline/foreman/pkg/types"
)

type recordedEvent struct {
	status types.EventStatus
	text   string
}

type recordingSink struct {
	events []recordedEvent
}

func (s *recordingSink) Emit(status types.EventStatus, text string) error {
	s.events = append(s.events, recordedEvent{status, text})
	return nil
}

func TestStartedEmittedOnceOnFirstNonEmptyLine(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	for _, line := range []string{"", "   ", "hello", "world"} {
		if err := p.Consume(line); err != nil {
			t.Fatal(err)
		}
	}

	if len(sink.events) != 3 {
		t.Fatalf("events = %v, want started + 2 progress", sink.events)
	}
	if sink.events[0].status != types.EventStarted {
		t.Errorf("first event = %v, want started", sink.events[0])
	}
	if sink.events[1] != (recordedEvent{types.EventProgress, "hello"}) {
		t.Errorf("second event = %v", sink.events[1])
	}
}

func TestProgressMarkerExtractsText(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	if err := p.Consume(MarkerProgress + " compiling 3/7"); err != nil {
		t.Fatal(err)
	}

	last := sink.events[len(sink.events)-1]
	if last != (recordedEvent{types.EventProgress, "compiling 3/7"}) {
		t.Errorf("event = %v", last)
	}
}

func TestDoneMarkerTerminates(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Consume("working")
	p.Consume(MarkerDone)

	if p.State() != StateSucceeded {
		t.Errorf("state = %v, want succeeded", p.State())
	}
}

func TestFailedMarkerCarriesCode(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Consume(MarkerFailed + " lint_errors")

	if p.State() != StateFailed {
		t.Errorf("state = %v, want failed", p.State())
	}
	if p.FailureCode() != "lint_errors" {
		t.Errorf("code = %q", p.FailureCode())
	}
}

func TestFailedMarkerWithoutCodeDefaults(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Consume(MarkerFailed)

	if p.FailureCode() != "worker_failed" {
		t.Errorf("code = %q, want worker_failed", p.FailureCode())
	}
}

func TestFirstTerminalMarkerWins(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Consume(MarkerDone)
	p.Consume(MarkerFailed + " late")
	p.Consume("trailing output")

	if p.State() != StateSucceeded {
		t.Errorf("state = %v, want succeeded (first marker wins)", p.State())
	}
	// Nothing after the terminal marker is forwarded
	for _, ev := range sink.events {
		if ev.text == "trailing output" {
			t.Error("line after terminal marker forwarded")
		}
	}
}

func TestCancelOverridesLateMarkers(t *testing.T) {
	p := NewParser(&recordingSink{})

	p.Consume("working")
	p.Cancel()
	p.Consume(MarkerDone)

	if p.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", p.State())
	}
}

func TestRunPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	input := "one\ntwo\nthree\n" + MarkerDone + "\n"
	if err := p.Run(strings.NewReader(input)); err != nil {
		t.Fatal(err)
	}

	want := []recordedEvent{
		{types.EventStarted, ""},
		{types.EventProgress, "one"},
		{types.EventProgress, "two"},
		{types.EventProgress, "three"},
	}
	if len(sink.events) != len(want) {
		t.Fatalf("events = %v", sink.events)
	}
	for i, ev := range want {
		if sink.events[i] != ev {
			t.Errorf("event[%d] = %v, want %v", i, sink.events[i], ev)
		}
	}
}

func TestCarriageReturnStripped(t *testing.T) {
	sink := &recordingSink{}
	p := NewParser(sink)

	p.Consume("hello\r")
	p.Consume(MarkerDone + "\r")

	if sink.events[1] != (recordedEvent{types.EventProgress, "hello"}) {
		t.Errorf("event = %v", sink.events[1])
	}
	if p.State() != StateSucceeded {
		t.Errorf("state = %v, want succeeded", p.State())
	}
}
