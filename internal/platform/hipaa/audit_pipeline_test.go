package hipaa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/db"
)

// flakyStore fails Append while fail is set.
type flakyStore struct {
	*MemoryStore
	fail atomic.Bool
}

func (s *flakyStore) Append(ctx context.Context, e *AuditEvent) (bool, error) {
	if s.fail.Load() {
		return false, errors.New("connection refused")
	}
	return s.MemoryStore.Append(ctx, e)
}

func (s *flakyStore) AppendBatch(ctx context.Context, events []*AuditEvent) error {
	for _, e := range events {
		if _, err := s.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// gateStore blocks every Append until the test releases it.
type gateStore struct {
	*MemoryStore
	entered chan *AuditEvent
	release chan struct{}
}

func newGateStore() *gateStore {
	return &gateStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan *AuditEvent, 8),
		release:     make(chan struct{}, 8),
	}
}

func (s *gateStore) Append(ctx context.Context, e *AuditEvent) (bool, error) {
	s.entered <- e
	<-s.release
	return s.MemoryStore.Append(ctx, e)
}

// batchGateStore blocks AppendBatch until the test releases it. The first
// batch fails when failFirst is set.
type batchGateStore struct {
	*MemoryStore
	entered   chan struct{}
	release   chan struct{}
	failFirst atomic.Bool
}

func newBatchGateStore() *batchGateStore {
	return &batchGateStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}, 8),
		release:     make(chan struct{}, 8),
	}
}

func (s *batchGateStore) AppendBatch(ctx context.Context, events []*AuditEvent) error {
	s.entered <- struct{}{}
	<-s.release
	if s.failFirst.CompareAndSwap(true, false) {
		return errors.New("connection reset")
	}
	return s.MemoryStore.AppendBatch(ctx, events)
}

// sequenceErrStore cannot report sequences.
type sequenceErrStore struct {
	*MemoryStore
}

func (s *sequenceErrStore) LastSequence(context.Context, string, string, string) (int64, error) {
	return 0, errors.New("statement timeout")
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []*AuditEvent
	closed bool
}

func (f *recordingForwarder) Forward(_ context.Context, e *AuditEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *recordingForwarder) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakeTx struct{ pgx.Tx }

func phiEvent(actor, recordID string) *AuditEvent {
	return NewReadEvent(actor, "WORKER", "client", recordID, []ClassifiedField{{Field: "ssn", Tier: TierPHI}})
}

func internalEvent(actor, recordID string) *AuditEvent {
	return NewReadEvent(actor, "WORKER", "client", recordID, []ClassifiedField{{Field: "notes", Tier: TierInternal}})
}

func TestPipeline_RecordPersists(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop())
	require.NoError(t, p.Init(context.Background()))

	e := phiEvent("w-1", "c-1")
	ack, err := p.Record(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, e.EventID, ack.EventID)
	assert.Equal(t, int64(1), ack.Sequence)
	assert.False(t, ack.Duplicate)
	assert.False(t, ack.Buffered)
	require.Equal(t, 1, store.Len())
	assert.False(t, store.Events()[0].RecordedAt.IsZero())
}

func TestPipeline_RecordTwiceStoresOnce(t *testing.T) {
	store := NewMemoryStore()
	fwd := &recordingForwarder{}
	p := NewPipeline(store, zerolog.Nop(), WithForwarder(fwd))

	e := phiEvent("w-1", "c-1")
	first, err := p.Record(context.Background(), e)
	require.NoError(t, err)
	replay := *e
	second, err := p.Record(context.Background(), &replay)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, 1, store.Len())
	assert.Equal(t, 1, fwd.count(), "duplicates are not forwarded")

	assert.Equal(t, int64(1), second.Sequence, "a replay reports the stored sequence")
	assert.Equal(t, int64(1), replay.Sequence)
	next, err := p.Record(context.Background(), phiEvent("w-1", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Sequence, "a replay does not consume a sequence")
}

func TestPipeline_ReplayWhilePairBusyKeepsCounter(t *testing.T) {
	store := newGateStore()
	p := NewPipeline(store, zerolog.Nop())
	ctx := context.Background()

	first := phiEvent("w-1", "c-1")
	go func() { store.release <- struct{}{} }()
	_, err := p.Record(ctx, first)
	require.NoError(t, err)
	<-store.entered

	// The replay and the next event queue behind each other on the same pair.
	replay := *first
	next := phiEvent("w-1", "c-1")
	var replayAck, nextAck Ack
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		replayAck, err = p.Record(ctx, &replay)
	}()
	<-store.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		var nerr error
		nextAck, nerr = p.Record(ctx, next)
		assert.NoError(t, nerr)
	}()
	store.release <- struct{}{}
	<-store.entered
	store.release <- struct{}{}
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, replayAck.Duplicate)
	assert.Equal(t, int64(1), replayAck.Sequence)
	assert.Equal(t, int64(2), nextAck.Sequence)
}

func TestPipeline_FailClosed(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	store.fail.Store(true)
	p := NewPipeline(store, zerolog.Nop())

	_, err := p.Record(context.Background(), phiEvent("w-1", "c-1"))
	require.Error(t, err)
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))
	assert.Equal(t, 0, store.Len())
}

func TestPipeline_InvalidEvent(t *testing.T) {
	p := NewPipeline(NewMemoryStore(), zerolog.Nop())
	_, err := p.Record(context.Background(), &AuditEvent{Action: ActionRead, Outcome: OutcomeAllow})
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))
}

func TestPipeline_FillsDefaults(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop())

	_, err := p.Record(context.Background(), &AuditEvent{
		RecordType: "client", RecordID: "c-1", Action: ActionRead, Outcome: OutcomeDeny,
		ErrorCode: apperror.CodeAuthenticationRequired,
	})
	require.NoError(t, err)

	stored := store.Events()[0]
	assert.NotEqual(t, uuid.Nil, stored.EventID)
	assert.Equal(t, AnonymousActor, stored.ActorID)
	assert.False(t, stored.Timestamp.IsZero())
}

func TestPipeline_SequentialOrderAndSequence(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop())

	var ids []string
	for i := 0; i < 5; i++ {
		e := phiEvent("w-1", "c-1")
		ids = append(ids, e.EventID.String())
		ack, err := p.Record(context.Background(), e)
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ack.Sequence)
	}
	other, err := p.Record(context.Background(), phiEvent("w-2", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Sequence, "sequences are per actor and record")

	events := store.Events()
	for i, id := range ids {
		assert.Equal(t, id, events[i].EventID.String())
		assert.Equal(t, int64(i+1), events[i].Sequence)
	}
}

func TestPipeline_SamePairWaitsOtherPairDoesNot(t *testing.T) {
	store := newGateStore()
	p := NewPipeline(store, zerolog.Nop())
	ctx := context.Background()

	e1 := phiEvent("w-1", "c-1")
	e2 := phiEvent("w-1", "c-1")
	e3 := phiEvent("w-9", "c-9")

	var wg sync.WaitGroup
	record := func(e *AuditEvent) {
		defer wg.Done()
		_, err := p.Record(ctx, e)
		assert.NoError(t, err)
	}

	wg.Add(1)
	go record(e1)
	require.Equal(t, e1.EventID, (<-store.entered).EventID)

	wg.Add(2)
	go record(e2)
	go record(e3)
	require.Equal(t, e3.EventID, (<-store.entered).EventID, "other pair proceeds while e1 is in flight")

	select {
	case got := <-store.entered:
		t.Fatalf("expected e2 to wait for e1, but %s entered the store", got.EventID)
	case <-time.After(50 * time.Millisecond):
	}

	// Let e1 and e3 finish.
	store.release <- struct{}{}
	store.release <- struct{}{}
	require.Equal(t, e2.EventID, (<-store.entered).EventID)
	store.release <- struct{}{} // e2
	wg.Wait()

	var pairOrder []int64
	for _, e := range store.Events() {
		if e.ActorID == "w-1" {
			pairOrder = append(pairOrder, e.Sequence)
		}
	}
	assert.Equal(t, []int64{1, 2}, pairOrder)
}

func TestPipeline_CancelWhileWaitingDoesNotWedgePair(t *testing.T) {
	store := newGateStore()
	p := NewPipeline(store, zerolog.Nop())

	e1 := phiEvent("w-1", "c-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = p.Record(context.Background(), e1)
	}()
	<-store.entered

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Record(ctx, phiEvent("w-1", "c-1"))
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))

	store.release <- struct{}{}
	<-done

	e3 := phiEvent("w-1", "c-1")
	go func() { store.release <- struct{}{} }()
	ack, err := p.Record(context.Background(), e3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ack.Sequence, "an abandoned turn consumes no sequence")
	<-store.entered
}

func TestPipeline_IdlePairsAreDropped(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Record(context.Background(), phiEvent("w-1", fmt.Sprintf("c-%d", i%50)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 200, store.Len())
	assert.Equal(t, 0, p.seq.size(), "no pair state is kept once every Record returned")
}

func TestPipeline_SequenceContinuesFromStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := NewPipeline(store, zerolog.Nop())
	for i := 0; i < 3; i++ {
		_, err := p.Record(ctx, phiEvent("w-1", "c-1"))
		require.NoError(t, err)
	}

	restarted := NewPipeline(store, zerolog.Nop())
	ack, err := restarted.Record(ctx, phiEvent("w-1", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), ack.Sequence)
}

func TestPipeline_SequenceLoadFailureFailsClosed(t *testing.T) {
	store := &sequenceErrStore{MemoryStore: NewMemoryStore()}
	p := NewPipeline(store, zerolog.Nop())

	_, err := p.Record(context.Background(), phiEvent("w-1", "c-1"))
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))
	assert.Equal(t, 0, store.Len())
}

func TestPipeline_BuffersLowTiersOnly(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 10}))
	ctx := context.Background()

	a := internalEvent("w-1", "c-1")
	b := internalEvent("w-1", "c-1")
	ackA, err := p.Record(ctx, a)
	require.NoError(t, err)
	ackB, err := p.Record(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ackB.Sequence, "buffered events count toward the pair's sequence")

	assert.True(t, ackA.Buffered)
	assert.Equal(t, int64(1), ackA.Sequence)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 2, p.Buffered())

	c := phiEvent("w-1", "c-1")
	ackC, err := p.Record(ctx, c)
	require.NoError(t, err)
	assert.False(t, ackC.Buffered, "PHI is never buffered")
	assert.Equal(t, int64(3), ackC.Sequence)

	events := store.Events()
	require.Len(t, events, 3)
	assert.Equal(t, a.EventID, events[0].EventID)
	assert.Equal(t, b.EventID, events[1].EventID)
	assert.Equal(t, c.EventID, events[2].EventID)
	assert.Equal(t, 0, p.Buffered())
}

func TestPipeline_SyncEventWaitsForInflightFlush(t *testing.T) {
	store := newBatchGateStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 10}))
	ctx := context.Background()

	read := internalEvent("w-1", "c-1")
	ack, err := p.Record(ctx, read)
	require.NoError(t, err)
	require.True(t, ack.Buffered)

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush(ctx) }()
	<-store.entered

	update := NewWriteEvent(ActionUpdate, "w-1", "WORKER", "client", "c-1", []ClassifiedField{{Field: "ssn", Tier: TierPHI}})
	recorded := make(chan Ack, 1)
	go func() {
		a, err := p.Record(ctx, update)
		assert.NoError(t, err)
		recorded <- a
	}()

	select {
	case <-recorded:
		t.Fatal("expected the write to wait for the batch already being flushed")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, store.Len())

	store.release <- struct{}{}
	require.NoError(t, <-flushed)
	updateAck := <-recorded
	assert.Equal(t, int64(2), updateAck.Sequence)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, read.EventID, events[0].EventID)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, update.EventID, events[1].EventID)
	assert.Equal(t, int64(2), events[1].Sequence)
}

func TestPipeline_FailedInflightFlushStillGoesFirst(t *testing.T) {
	store := newBatchGateStore()
	store.failFirst.Store(true)
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 10}))
	ctx := context.Background()

	read := internalEvent("w-1", "c-1")
	_, err := p.Record(ctx, read)
	require.NoError(t, err)

	flushed := make(chan error, 1)
	go func() { flushed <- p.Flush(ctx) }()
	<-store.entered

	update := NewWriteEvent(ActionUpdate, "w-1", "WORKER", "client", "c-1", []ClassifiedField{{Field: "ssn", Tier: TierPHI}})
	recorded := make(chan error, 1)
	go func() {
		_, err := p.Record(ctx, update)
		recorded <- err
	}()

	store.release <- struct{}{}
	assert.Error(t, <-flushed)

	// The write retries the re-queued read before storing itself.
	<-store.entered
	store.release <- struct{}{}
	require.NoError(t, <-recorded)

	events := store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, read.EventID, events[0].EventID)
	assert.Equal(t, update.EventID, events[1].EventID)
	assert.Equal(t, 0, p.Buffered())
}

func TestPipeline_NeverBuffersWritesOrDenials(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 10}))
	ctx := context.Background()

	events := []*AuditEvent{
		NewWriteEvent(ActionUpdate, "w-1", "WORKER", "client", "c-1", []ClassifiedField{{Field: "status", Tier: TierPublic}}),
		NewDenyEvent(ActionRead, "w-1", "WORKER", "client", "c-1", nil, apperror.CodeInsufficientPermissions, "status"),
	}
	for _, e := range events {
		ack, err := p.Record(ctx, e)
		require.NoError(t, err)
		assert.False(t, ack.Buffered, "%s/%s must be synchronous", e.Action, e.Outcome)
	}
	assert.Equal(t, 2, store.Len())
}

func TestPipeline_BufferFlushesWhenFull(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 2}))

	_, err := p.Record(context.Background(), internalEvent("w-1", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())
	_, err = p.Record(context.Background(), internalEvent("w-2", "c-2"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.Len())
}

func TestPipeline_FullBufferFailureIsReported(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 2}))

	_, err := p.Record(context.Background(), internalEvent("w-1", "c-1"))
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = p.Record(context.Background(), internalEvent("w-1", "c-1"))
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))
	assert.Equal(t, 1, p.Buffered(), "the failed event is withdrawn, earlier ones kept")

	store.fail.Store(false)
	require.NoError(t, p.Flush(context.Background()))
	assert.Equal(t, 1, store.Len())
}

func TestPipeline_PeriodicFlush(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 100, FlushInterval: 10 * time.Millisecond}))
	require.NoError(t, p.Init(context.Background()))
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	_, err := p.Record(context.Background(), internalEvent("w-1", "c-1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPipeline_ShutdownFlushesThenCloses(t *testing.T) {
	store := NewMemoryStore()
	fwd := &recordingForwarder{}
	p := NewPipeline(store, zerolog.Nop(),
		WithForwarder(fwd),
		WithBuffer(PipelineConfig{BufferSize: 100, FlushInterval: time.Hour}),
	)
	require.NoError(t, p.Init(context.Background()))

	_, err := p.Record(context.Background(), internalEvent("w-1", "c-1"))
	require.NoError(t, err)
	assert.Equal(t, 0, store.Len())

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, 1, store.Len())
	assert.True(t, fwd.closed)

	_, err = p.Record(context.Background(), phiEvent("w-1", "c-1"))
	assert.Equal(t, apperror.CodeAuditLogRequired, apperror.CodeOf(err))

	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestPipeline_ForwardDeferredInsideTransaction(t *testing.T) {
	store := NewMemoryStore()
	fwd := &recordingForwarder{}
	p := NewPipeline(store, zerolog.Nop(), WithForwarder(fwd))

	ctx := db.WithTx(context.Background(), fakeTx{})
	e := phiEvent("w-1", "c-1")
	ack, err := p.Record(ctx, e)
	require.NoError(t, err)

	assert.True(t, ack.ForwardPending)
	assert.Equal(t, 0, fwd.count())

	p.Forward(context.Background(), e)
	assert.Equal(t, 1, fwd.count())
}

func TestPipeline_List(t *testing.T) {
	store := NewMemoryStore()
	p := NewPipeline(store, zerolog.Nop(), WithBuffer(PipelineConfig{BufferSize: 100}))
	ctx := context.Background()

	_, err := p.Record(ctx, internalEvent("w-1", "c-1"))
	require.NoError(t, err)
	_, err = p.Record(ctx, phiEvent("w-2", "c-2"))
	require.NoError(t, err)
	deny := NewDenyEvent(ActionRead, "w-3", "CLIENT", "client", "c-3", nil, apperror.CodePHIAccessDenied, "ssn")
	_, err = p.Record(ctx, deny)
	require.NoError(t, err)

	all, total, err := p.List(ctx, AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, deny.EventID, all[0].EventID, "newest first")

	denied, total, err := p.List(ctx, AuditFilter{Outcome: OutcomeDeny})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, apperror.CodePHIAccessDenied, denied[0].ErrorCode)

	page, total, err := p.List(ctx, AuditFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)
}
