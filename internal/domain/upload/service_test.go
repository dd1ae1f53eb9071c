package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// -- Mocks --

// recorder collects pipeline events across mocks so tests can assert
// ordering.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type mockLedger struct {
	rec *recorder

	mu               sync.Mutex
	rows             map[uuid.UUID]Row
	insertErr        error
	finalizeErrOnce  error
	finalizeAttempts int
	// rejectDoneCtx makes Finalize fail the way a real database driver does
	// when handed an already-expired context.
	rejectDoneCtx bool

	finalized chan uuid.UUID
}

func newMockLedger(rec *recorder) *mockLedger {
	return &mockLedger{
		rec:       rec,
		rows:      make(map[uuid.UUID]Row),
		finalized: make(chan uuid.UUID, 16),
	}
}

func (m *mockLedger) Insert(_ context.Context, id uuid.UUID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	row := m.rows[id]
	row.ID = id
	row.PathToFile = path
	row.Converted = false
	m.rows[id] = row
	m.rec.add(fmt.Sprintf("insert %s path=%q", id, path))
	return nil
}

func (m *mockLedger) Finalize(ctx context.Context, id uuid.UUID, converted bool, errorMsg string) error {
	m.mu.Lock()
	m.finalizeAttempts++
	if m.rejectDoneCtx && ctx.Err() != nil {
		m.mu.Unlock()
		return ctx.Err()
	}
	if m.finalizeErrOnce != nil {
		err := m.finalizeErrOnce
		m.finalizeErrOnce = nil
		m.mu.Unlock()
		return err
	}
	row := m.rows[id]
	row.ID = id
	row.Converted = converted
	row.ErrorMsg = errorMsg
	m.rows[id] = row
	m.rec.add(fmt.Sprintf("finalize %s converted=%t", id, converted))
	m.mu.Unlock()
	m.finalized <- id
	return nil
}

func (m *mockLedger) row(id uuid.UUID) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	return row, ok
}

func (m *mockLedger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type mockStore struct {
	rec     *recorder
	err     error
	blockCh chan struct{} // when non-nil, Write blocks until it is closed
}

func (m *mockStore) Write(id uuid.UUID, data []byte) (string, error) {
	if m.blockCh != nil {
		<-m.blockCh
	}
	if m.err != nil {
		return "", m.err
	}
	m.rec.add(fmt.Sprintf("store %s", id))
	return "/shared/" + id.String() + ".tar.gz", nil
}

type mockPublisher struct {
	rec *recorder
	err error
	// stallUntilDone simulates a half-open broker connection: Publish hangs
	// until the caller's deadline expires and returns the context error.
	stallUntilDone bool
	published      chan []byte
}

func newMockPublisher(rec *recorder) *mockPublisher {
	return &mockPublisher{rec: rec, published: make(chan []byte, 16)}
}

func (m *mockPublisher) Publish(ctx context.Context, body []byte) error {
	if m.stallUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.err != nil {
		return m.err
	}
	m.rec.add("publish")
	m.published <- body
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type fixture struct {
	rec    *recorder
	ledger *mockLedger
	store  *mockStore
	pub    *mockPublisher
	svc    *Service
}

func newFixture(t *testing.T, workers, depth int) *fixture {
	t.Helper()
	rec := &recorder{}
	f := &fixture{
		rec:    rec,
		ledger: newMockLedger(rec),
		store:  &mockStore{rec: rec},
		pub:    newMockPublisher(rec),
	}
	f.svc = NewService(f.ledger, f.store, f.pub, zerolog.Nop(), workers, depth)
	t.Cleanup(f.svc.Stop)
	return f
}

func testEnvelope() *Envelope {
	return &Envelope{
		Data:          []byte("archive"),
		PathInTarball: "slide.svs",
		Tags:          []Tag{{Key: "PatientName", Value: "Doe^J"}},
	}
}

func waitPublished(t *testing.T, pub *mockPublisher) []byte {
	t.Helper()
	select {
	case body := <-pub.published:
		return body
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
		return nil
	}
}

func waitFinalized(t *testing.T, ledger *mockLedger) uuid.UUID {
	t.Helper()
	select {
	case id := <-ledger.finalized:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for finalize")
		return uuid.Nil
	}
}

// -- Tests --

func TestService_SuccessfulUpload(t *testing.T) {
	f := newFixture(t, 1, 4)

	id, err := f.svc.Accept(context.Background(), "user-1", testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected a minted business id")
	}

	body := waitPublished(t, f.pub)

	var item map[string]interface{}
	if err := json.Unmarshal(body, &item); err != nil {
		t.Fatalf("published body is not JSON: %v", err)
	}
	if item["uuid"] != id.String() {
		t.Errorf("published uuid %v does not match business id %s", item["uuid"], id)
	}
	if item["keycloak_user_id"] != "user-1" {
		t.Errorf("expected caller id in work item, got %v", item["keycloak_user_id"])
	}

	row, ok := f.ledger.row(id)
	if !ok {
		t.Fatal("expected a ledger row for the business id")
	}
	if row.PathToFile == "" {
		t.Error("expected resolved archive path on the ledger row")
	}
	if row.Converted {
		t.Error("gateway must not mark the row converted; that is the worker's job")
	}
}

func TestService_PipelineOrdering(t *testing.T) {
	f := newFixture(t, 1, 4)

	id, err := f.svc.Accept(context.Background(), "u", testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitPublished(t, f.pub)

	events := f.rec.snapshot()
	want := []string{
		fmt.Sprintf("insert %s path=%q", id, ""),
		fmt.Sprintf("store %s", id),
		fmt.Sprintf("insert %s path=%q", id, "/shared/"+id.String()+".tar.gz"),
		"publish",
	}
	if len(events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %q, got %q", i, want[i], events[i])
		}
	}
}

func TestService_LedgerInsertFailure(t *testing.T) {
	f := newFixture(t, 1, 1)
	f.ledger.insertErr = ErrLedgerUnavailable

	_, err := f.svc.Accept(context.Background(), "u", testEnvelope())
	if !errors.Is(err, ErrLedgerUnavailable) {
		t.Fatalf("expected ErrLedgerUnavailable, got %v", err)
	}

	// The queue slot must have been released; a later upload still fits.
	f.ledger.insertErr = nil
	if _, err := f.svc.Accept(context.Background(), "u", testEnvelope()); err != nil {
		t.Fatalf("slot was not released after insert failure: %v", err)
	}
	waitPublished(t, f.pub)
}

func TestService_PublishFailureFinalizesRow(t *testing.T) {
	f := newFixture(t, 1, 4)
	f.pub.err = ErrBrokerUnavailable

	id, err := f.svc.Accept(context.Background(), "u", testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFinalized(t, f.ledger)

	row, ok := f.ledger.row(id)
	if !ok {
		t.Fatal("expected a ledger row")
	}
	if row.Converted {
		t.Error("failed upload must not be marked converted")
	}
	if row.ErrorMsg == "" {
		t.Error("expected a diagnostic in error_msg")
	}
	if !strings.Contains(row.ErrorMsg, id.String()) {
		t.Errorf("diagnostic should name the business id, got %q", row.ErrorMsg)
	}
}

func TestService_StoreFailureFinalizesRow(t *testing.T) {
	f := newFixture(t, 1, 4)
	f.store.err = ErrStorageIO

	id, err := f.svc.Accept(context.Background(), "u", testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFinalized(t, f.ledger)

	row, _ := f.ledger.row(id)
	if row.Converted || row.ErrorMsg == "" {
		t.Errorf("expected finalized failure row, got %+v", row)
	}
	select {
	case <-f.pub.published:
		t.Error("nothing may be published after a storage failure")
	default:
	}
}

func TestService_FinalizeRetriedOnce(t *testing.T) {
	f := newFixture(t, 1, 4)
	f.store.err = ErrStorageIO
	f.ledger.finalizeErrOnce = ErrLedgerUnavailable

	if _, err := f.svc.Accept(context.Background(), "u", testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFinalized(t, f.ledger)

	f.ledger.mu.Lock()
	attempts := f.ledger.finalizeAttempts
	f.ledger.mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected one retry after failed finalize, got %d attempts", attempts)
	}
}

func TestService_FinalizeOutlivesRunDeadline(t *testing.T) {
	f := newFixture(t, 1, 4)
	f.svc.runTimeout = 10 * time.Millisecond
	f.pub.stallUntilDone = true
	f.ledger.rejectDoneCtx = true

	id, err := f.svc.Accept(context.Background(), "u", testEnvelope())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The publish times out against the run deadline; the finalize must still
	// reach the ledger on a live context.
	waitFinalized(t, f.ledger)

	row, ok := f.ledger.row(id)
	if !ok {
		t.Fatal("expected a ledger row")
	}
	if row.Converted {
		t.Error("timed-out upload must not be marked converted")
	}
	if row.ErrorMsg == "" {
		t.Error("timed-out upload must carry a diagnostic in error_msg")
	}
}

func TestService_ShedsLoadWhenSaturated(t *testing.T) {
	block := make(chan struct{})
	rec := &recorder{}
	ledger := newMockLedger(rec)
	store := &mockStore{rec: rec, blockCh: block}
	pub := newMockPublisher(rec)
	svc := NewService(ledger, store, pub, zerolog.Nop(), 1, 1)

	// First upload occupies the only slot and blocks in the store.
	if _, err := svc.Accept(context.Background(), "u", testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err := svc.Accept(context.Background(), "u", testEnvelope())
	if !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
	if ledger.count() != 1 {
		t.Errorf("shed upload must not create a ledger row, have %d rows", ledger.count())
	}

	close(block)
	waitPublished(t, pub)
	svc.Stop()
}

func TestService_ConcurrentUploads(t *testing.T) {
	f := newFixture(t, 4, 8)

	const n = 2
	ids := make(chan uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := f.svc.Accept(context.Background(), "caller", testEnvelope())
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uuid.UUID]bool)
	for id := range ids {
		if seen[id] {
			t.Errorf("business id %s minted twice", id)
		}
		seen[id] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct business ids, got %d", n, len(seen))
	}

	published := make(map[string]bool)
	for i := 0; i < n; i++ {
		var item map[string]interface{}
		if err := json.Unmarshal(waitPublished(t, f.pub), &item); err != nil {
			t.Fatalf("published body is not JSON: %v", err)
		}
		published[item["uuid"].(string)] = true
	}
	for id := range seen {
		if !published[id.String()] {
			t.Errorf("no broker message for business id %s", id)
		}
		if _, ok := f.ledger.row(id); !ok {
			t.Errorf("no ledger row for business id %s", id)
		}
	}
}
