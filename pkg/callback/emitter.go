package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/crewline/foreman/pkg/auth"
	"github.com/crewline/foreman/pkg/log"
	"github.com/crewline/foreman/pkg/metrics"
	"github.com/crewline/foreman/pkg/types"
)

const (
	// HeaderTimestamp and HeaderSignature authenticate outbound callbacks
	// to the submitter.
	HeaderTimestamp = "x-callback-timestamp"
	HeaderSignature = "x-callback-signature"

	// DefaultAttempts is the retry budget for non-terminal events.
	// Terminal events are retried until accepted or permanently rejected.
	DefaultAttempts = 5

	// attemptTimeout bounds one delivery attempt
	attemptTimeout = 30 * time.Second

	// queueDepth is the per-task outbox buffer. When full, Emit blocks,
	// which throttles the worker through its stdout pipe.
	queueDepth = 64
)

type outcome int

const (
	outcomeAccepted outcome = iota
	outcomePermanent
	outcomeTransient
)

// outbox is the ordered per-task event queue. Sequence numbers are
// assigned under seqMu, and the same lock covers the channel send, so
// queue order equals sequence order.
type outbox struct {
	taskID string
	url    string
	secret []byte

	seqMu sync.Mutex
	seq   uint64
	ch    chan *types.Event
}

// Emitter delivers signed status callbacks, in order per task, at least
// once. Cross-task delivery is concurrent: each task gets its own delivery
// goroutine.
type Emitter struct {
	client   *http.Client
	attempts int

	mu    sync.Mutex
	boxes map[string]*outbox

	wg     sync.WaitGroup
	stopCh chan struct{}
	logger zerolog.Logger

	// test hooks
	now            func() time.Time
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewEmitter creates an emitter with the given non-terminal retry budget
func NewEmitter(attempts int) *Emitter {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &Emitter{
		client:         &http.Client{Timeout: attemptTimeout},
		attempts:       attempts,
		boxes:          make(map[string]*outbox),
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("callback"),
		now:            time.Now,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
}

// Register creates the ordered outbox for a task and starts its delivery
// goroutine. Must be called once per task before the first Emit.
func (e *Emitter) Register(taskID, url, secret string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.boxes[taskID]; exists {
		return fmt.Errorf("outbox for task %s already registered", taskID)
	}
	box := &outbox{
		taskID: taskID,
		url:    url,
		secret: []byte(secret),
		ch:     make(chan *types.Event, queueDepth),
	}
	e.boxes[taskID] = box

	e.wg.Add(1)
	go e.run(box)
	return nil
}

// Emit queues an event for delivery. The sequence number and timestamp are
// assigned here; enqueue order equals sequence order. Emit blocks when the
// outbox is full. A terminal event closes the outbox: later Emits fail.
func (e *Emitter) Emit(taskID string, ev types.Event) error {
	e.mu.Lock()
	box, ok := e.boxes[taskID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no outbox for task %s", taskID)
	}

	box.seqMu.Lock()
	defer box.seqMu.Unlock()

	box.seq++
	ev.TaskID = taskID
	ev.Sequence = box.seq
	ev.Timestamp = e.now().Unix()

	box.ch <- &ev
	if ev.Status.Terminal() {
		close(box.ch)
	}
	return nil
}

// run delivers one task's events sequentially until the terminal event has
// been resolved, then retires the outbox.
func (e *Emitter) run(box *outbox) {
	defer e.wg.Done()

	for ev := range box.ch {
		e.deliver(box, ev)
	}

	e.mu.Lock()
	delete(e.boxes, box.taskID)
	e.mu.Unlock()
}

// deliver posts one event, honoring the retry policy: exponential backoff
// with full jitter from 1s capped at 30s; terminal events retry until
// accepted or permanently rejected, non-terminal events drop after the
// attempt budget.
func (e *Emitter) deliver(box *outbox, ev *types.Event) {
	evLog := e.logger.With().Str("task_id", box.taskID).Uint64("sequence", ev.Sequence).
		Str("status", string(ev.Status)).Logger()

	body, err := json.Marshal(ev)
	if err != nil {
		// Marshalling a plain struct cannot fail unless the build is
		// broken; classified callback_signing_error and surfaced loudly.
		evLog.Error().Err(err).Str("code", types.CodeCallbackSigningError).Msg("cannot encode callback")
		return
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.initialBackoff
	bo.MaxInterval = e.maxBackoff
	bo.RandomizationFactor = 1
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; ; attempt++ {
		switch e.post(box, body) {
		case outcomeAccepted:
			metrics.CallbackDeliveries.WithLabelValues("accepted").Inc()
			evLog.Debug().Int("attempt", attempt).Msg("callback accepted")
			return
		case outcomePermanent:
			metrics.CallbackDeliveries.WithLabelValues("permanent_reject").Inc()
			evLog.Error().Int("attempt", attempt).Str("code", types.CodeCallbackPermanentReject).
				Msg("callback permanently rejected")
			return
		}

		if !ev.Status.Terminal() && attempt >= e.attempts {
			metrics.CallbackDeliveries.WithLabelValues("dropped").Inc()
			evLog.Warn().Int("attempt", attempt).Str("code", types.CodeCallbackExhausted).
				Msg("non-terminal callback dropped")
			return
		}

		metrics.CallbackRetries.Inc()
		select {
		case <-time.After(bo.NextBackOff()):
		case <-e.stopCh:
			evLog.Warn().Msg("emitter stopping, abandoning delivery")
			return
		}
	}
}

// post performs one signed delivery attempt
func (e *Emitter) post(box *outbox, body []byte) outcome {
	ts := strconv.FormatInt(e.now().Unix(), 10)
	sig := auth.SignHex(box.secret, ts+"."+string(body))

	ctx, cancel := context.WithTimeout(context.Background(), attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, box.url, bytes.NewReader(body))
	if err != nil {
		return outcomePermanent
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, sig)

	resp, err := e.client.Do(req)
	if err != nil {
		return outcomeTransient
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeAccepted
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeTransient
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return outcomePermanent
	default:
		return outcomeTransient
	}
}

// Pending returns the number of live outboxes, for draining visibility
func (e *Emitter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.boxes)
}

// Shutdown waits for in-flight deliveries, up to ctx's deadline. After the
// deadline, remaining retries are abandoned.
func (e *Emitter) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		close(e.stopCh)
		<-done
		return ctx.Err()
	}
}
