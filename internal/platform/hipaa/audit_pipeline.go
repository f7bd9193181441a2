package hipaa

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/db"
)

var (
	errPipelineClosed = errors.New("audit pipeline is shut down")
	errStoreClosed    = errors.New("audit store is closed")
)

const defaultFlushTimeout = 5 * time.Second

// Ack confirms that an audit event was accepted.
type Ack struct {
	EventID  uuid.UUID
	Sequence int64
	// Duplicate is set when the event id was already stored; nothing was written.
	Duplicate bool
	// Buffered is set for low-sensitivity events held for the next flush.
	Buffered bool
	// ForwardPending is set when the event was written inside the caller's
	// transaction; call Forward once the transaction commits.
	ForwardPending bool
}

// PipelineConfig controls optional buffering of PUBLIC and INTERNAL events.
// PII and PHI events are always written synchronously.
type PipelineConfig struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushTimeout  time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithForwarder streams persisted events to f.
func WithForwarder(f Forwarder) PipelineOption {
	return func(p *Pipeline) { p.forwarder = f }
}

// WithMetrics records pipeline metrics in m.
func WithMetrics(m *AuditMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// WithBuffer enables buffering of low-sensitivity events.
func WithBuffer(cfg PipelineConfig) PipelineOption {
	return func(p *Pipeline) { p.cfg = cfg }
}

// Pipeline records audit events durably and in order. Record returns only
// after the store acknowledged the write; any store failure surfaces as
// AUDIT_LOG_REQUIRED so the caller aborts the operation being audited.
type Pipeline struct {
	store     AuditStore
	forwarder Forwarder
	logger    zerolog.Logger
	metrics   *AuditMetrics
	cfg       PipelineConfig
	seq       *sequencer

	mu       sync.Mutex
	buffer   []*AuditEvent
	flushing []*AuditEvent
	closed   bool
	inflight sync.WaitGroup

	flushMu sync.Mutex

	started bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewPipeline creates a Pipeline writing to store.
func NewPipeline(store AuditStore, logger zerolog.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:  store,
		logger: logger.With().Str("type", "hipaa_audit").Logger(),
		seq:    newSequencer(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.cfg.FlushTimeout <= 0 {
		p.cfg.FlushTimeout = defaultFlushTimeout
	}
	return p
}

// Init prepares the store and starts the background flusher when buffering
// is enabled.
func (p *Pipeline) Init(ctx context.Context) error {
	if in, ok := p.store.(Initializer); ok {
		if err := in.Init(ctx); err != nil {
			return apperror.AuditRequired(err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.cfg.BufferSize <= 0 || p.cfg.FlushInterval <= 0 {
		return nil
	}
	p.started = true
	p.stop = make(chan struct{})
	p.stopped = make(chan struct{})
	go p.flushLoop()
	return nil
}

func (p *Pipeline) flushLoop() {
	defer close(p.stopped)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
			if err := p.Flush(ctx); err != nil {
				p.logger.Warn().Err(err).Msg("periodic audit flush failed; events kept for retry")
			}
			cancel()
		case <-p.stop:
			return
		}
	}
}

// Record persists event and acknowledges it. Events for the same actor and
// record are persisted in the order Record was called and stamped with a
// per-pair Sequence continuing from the last one recorded. A missing EventID
// or Timestamp is filled in; recording an event id twice stores it once and
// acknowledges the stored sequence.
func (p *Pipeline) Record(ctx context.Context, event *AuditEvent) (Ack, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Ack{}, apperror.AuditRequired(errPipelineClosed)
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	event.normalize()
	if err := event.Validate(); err != nil {
		return Ack{}, apperror.Wrap(err, apperror.CodeAuditLogRequired, "audit event is invalid",
			apperror.Detail{Field: "event", Code: "INVALID_EVENT", Message: err.Error()})
	}

	st, prev, release := p.seq.acquire(pairKey(event.ActorID, event.RecordType, event.RecordID))
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			abandon(prev, release)
			p.metrics.IncPersistFailures()
			return Ack{}, apperror.AuditRequired(ctx.Err())
		}
	}
	defer release()

	seq, err := st.next(func() (int64, error) { return p.lastSequence(ctx, event) })
	if err != nil {
		p.metrics.IncPersistFailures()
		return Ack{}, apperror.AuditRequired(err)
	}
	event.Sequence = seq

	if p.bufferable(event) {
		if err := p.enqueue(event); err != nil {
			return Ack{}, apperror.AuditRequired(err)
		}
		st.commit(seq)
		return Ack{EventID: event.EventID, Sequence: seq, Buffered: true}, nil
	}

	// Earlier buffered events go first so per-pair order holds across tiers.
	if err := p.flushDetached(); err != nil {
		return Ack{}, apperror.AuditRequired(err)
	}

	inserted, err := p.persist(ctx, event)
	if err != nil {
		return Ack{}, apperror.AuditRequired(err)
	}
	// A replay reports the sequence of the stored copy and leaves the
	// counter where it was.
	ack := Ack{EventID: event.EventID, Sequence: event.Sequence, Duplicate: !inserted}
	if !inserted {
		return ack, nil
	}
	st.commit(seq)
	if db.TxFromContext(ctx) != nil {
		ack.ForwardPending = true
	} else {
		p.Forward(ctx, event)
	}
	return ack, nil
}

// lastSequence returns the highest sequence already assigned to event's
// pair, looking at the store and at events still waiting to be flushed.
func (p *Pipeline) lastSequence(ctx context.Context, event *AuditEvent) (int64, error) {
	var last int64
	if src, ok := p.store.(SequenceSource); ok {
		n, err := src.LastSequence(ctx, event.ActorID, event.RecordType, event.RecordID)
		if err != nil {
			p.logger.Error().Err(err).
				Str("actor_id", event.ActorID).
				Str("record_type", event.RecordType).
				Str("record_id", event.RecordID).
				Msg("audit sequence could not be loaded")
			return 0, err
		}
		last = n
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pending := range [][]*AuditEvent{p.flushing, p.buffer} {
		for _, e := range pending {
			if e.Sequence > last && e.ActorID == event.ActorID &&
				e.RecordType == event.RecordType && e.RecordID == event.RecordID {
				last = e.Sequence
			}
		}
	}
	return last, nil
}

// bufferable reports whether event may wait in the batch buffer. Only
// allowed reads of PUBLIC/INTERNAL fields qualify; mutations, denials and
// anything touching PII or PHI are persisted before Record returns.
func (p *Pipeline) bufferable(event *AuditEvent) bool {
	return p.cfg.BufferSize > 0 &&
		event.Action == ActionRead &&
		event.Outcome == OutcomeAllow &&
		!event.Sensitive()
}

// enqueue adds event to the buffer, flushing when it is full. When the
// flush fails the event is withdrawn so the caller sees the failure.
func (p *Pipeline) enqueue(event *AuditEvent) error {
	p.mu.Lock()
	p.buffer = append(p.buffer, cloneEvent(event))
	full := len(p.buffer) >= p.cfg.BufferSize
	p.metrics.SetBuffered(len(p.buffer))
	p.mu.Unlock()

	if !full {
		return nil
	}
	if err := p.flushDetached(); err != nil {
		p.mu.Lock()
		p.buffer = slices.DeleteFunc(p.buffer, func(e *AuditEvent) bool { return e.EventID == event.EventID })
		p.metrics.SetBuffered(len(p.buffer))
		p.mu.Unlock()
		return err
	}
	return nil
}

// flushDetached flushes on a fresh context: buffered events belong to other
// requests and must not join the current caller's transaction. It waits for
// a flush already in progress even when the buffer looks empty.
func (p *Pipeline) flushDetached() error {
	if p.cfg.BufferSize <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.FlushTimeout)
	defer cancel()
	return p.Flush(ctx)
}

// Flush persists every buffered event in order. On failure the events stay
// buffered for the next attempt. Concurrent calls are serialized, so Flush
// returns only after any batch taken earlier has been settled.
func (p *Pipeline) Flush(ctx context.Context) error {
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	p.mu.Lock()
	batch := p.buffer
	p.buffer = nil
	p.flushing = batch
	p.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	if err := p.persistBatch(ctx, batch); err != nil {
		p.mu.Lock()
		p.buffer = append(batch, p.buffer...)
		p.flushing = nil
		p.metrics.SetBuffered(len(p.buffer))
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	p.flushing = nil
	p.metrics.SetBuffered(len(p.buffer))
	p.mu.Unlock()
	p.metrics.IncFlushes()
	for _, e := range batch {
		p.metrics.IncRecorded(e.Outcome, highestOf(e.Tiers))
		p.Forward(ctx, e)
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, event *AuditEvent) (bool, error) {
	start := time.Now()
	inserted, err := p.store.Append(ctx, event)
	p.metrics.ObservePersist(start)
	if err != nil {
		p.metrics.IncPersistFailures()
		p.logger.Error().Err(err).
			Str("event_id", event.EventID.String()).
			Str("actor_id", event.ActorID).
			Str("record_type", event.RecordType).
			Str("record_id", event.RecordID).
			Str("action", string(event.Action)).
			Msg("audit event could not be persisted")
		return false, err
	}
	if !inserted {
		p.metrics.IncDuplicates()
		p.logger.Debug().Str("event_id", event.EventID.String()).Msg("duplicate audit event ignored")
		return false, nil
	}
	p.metrics.IncRecorded(event.Outcome, highestOf(event.Tiers))
	return true, nil
}

func (p *Pipeline) persistBatch(ctx context.Context, batch []*AuditEvent) error {
	start := time.Now()
	defer p.metrics.ObservePersist(start)

	var err error
	if ba, ok := p.store.(BatchAppender); ok {
		err = ba.AppendBatch(ctx, batch)
	} else {
		for _, e := range batch {
			if _, err = p.store.Append(ctx, e); err != nil {
				break
			}
		}
	}
	if err != nil {
		p.metrics.IncPersistFailures()
		p.logger.Error().Err(err).Int("events", len(batch)).Msg("buffered audit events could not be persisted")
	}
	return err
}

// Forward hands a persisted event to the forwarder, if any.
func (p *Pipeline) Forward(ctx context.Context, event *AuditEvent) {
	if p.forwarder == nil {
		return
	}
	p.forwarder.Forward(ctx, event)
}

// List queries stored events for the admin audit view. Buffered events are
// flushed first so the result includes them.
func (p *Pipeline) List(ctx context.Context, filter AuditFilter) ([]*AuditEvent, int, error) {
	if err := p.Flush(ctx); err != nil {
		p.logger.Warn().Err(err).Msg("flush before audit query failed")
	}
	events, total, err := p.store.List(ctx, filter)
	if err != nil {
		return nil, 0, apperror.FromStorage(err, "list audit events")
	}
	return events, total, nil
}

// Shutdown stops accepting events, waits for in-flight Record calls, stops
// the flusher, flushes the buffer and closes the forwarder and store, in
// that order.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.started
	p.mu.Unlock()

	var errs []error

	drained := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}

	if started {
		close(p.stop)
		<-p.stopped
	}

	if err := p.Flush(ctx); err != nil {
		p.mu.Lock()
		lost := len(p.buffer)
		p.mu.Unlock()
		p.logger.Error().Err(err).Int("events", lost).Msg("final audit flush failed")
		errs = append(errs, err)
	}
	if p.forwarder != nil {
		if err := p.forwarder.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Buffered returns the number of events waiting for a flush.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func highestOf(tiers []Tier) Tier {
	highest := TierPublic
	for _, t := range tiers {
		if t.Higher(highest) {
			highest = t
		}
	}
	return highest
}
