package upload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// backgroundTimeout bounds one upload's background processing: archive write,
// ledger update, compose and publish. finalizeTimeout bounds the failure-path
// ledger write separately, since by then the run deadline may already have
// expired.
const (
	backgroundTimeout = 5 * time.Minute
	finalizeTimeout   = 30 * time.Second
)

type job struct {
	id       uuid.UUID
	callerID string
	env      *Envelope
}

// Service is the upload orchestrator. Accept drives the synchronous part of
// the state machine (mint id, ledger insert); a bounded worker pool runs the
// background part (store, ledger update, compose, publish). When the pool is
// saturated new uploads are shed before any ledger write.
type Service struct {
	ledger Ledger
	store  ArchiveStore
	pub    Publisher
	log    zerolog.Logger

	runTimeout      time.Duration
	finalizeTimeout time.Duration

	sem  chan struct{}
	jobs chan job
	wg   sync.WaitGroup
}

// NewService starts the worker pool. depth caps the number of uploads in
// flight past acceptance; workers is the number of background goroutines
// draining them.
func NewService(ledger Ledger, store ArchiveStore, pub Publisher, logger zerolog.Logger, workers, depth int) *Service {
	s := &Service{
		ledger:          ledger,
		store:           store,
		pub:             pub,
		log:             logger,
		runTimeout:      backgroundTimeout,
		finalizeTimeout: finalizeTimeout,
		sem:             make(chan struct{}, depth),
		jobs:            make(chan job, depth),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Accept commits the gateway to handling the upload: it reserves a slot in
// the background queue, mints the business id, and inserts the tracking row.
// The returned id is handed to the client in the 202 acknowledgement; the
// rest of the pipeline runs on the worker pool.
//
// Returns ErrBusy when the queue is full (no ledger row is created) and a
// ledger error when the insert fails (the slot is released).
func (s *Service) Accept(ctx context.Context, callerID string, env *Envelope) (uuid.UUID, error) {
	select {
	case s.sem <- struct{}{}:
	default:
		return uuid.Nil, ErrBusy
	}

	id := uuid.New()
	if err := s.ledger.Insert(ctx, id, ""); err != nil {
		<-s.sem
		return uuid.Nil, fmt.Errorf("accept upload %s: %w", id, err)
	}
	s.log.Info().Str("business_id", id.String()).Str("caller_id", callerID).Msg("upload accepted")

	// Each in-flight job holds a semaphore slot until it finishes, so the
	// buffered send cannot block.
	s.jobs <- job{id: id, callerID: callerID, env: env}
	return id, nil
}

// Stop drains the queue and waits for in-flight jobs to finish.
func (s *Service) Stop() {
	close(s.jobs)
	s.wg.Wait()
}

func (s *Service) worker() {
	defer s.wg.Done()
	for j := range s.jobs {
		s.process(j)
		<-s.sem
	}
}

// process runs the background half of the state machine for one upload. Any
// failure finalizes the ledger row with converted=false and the diagnostic;
// the client discovers it by polling. A failed finalize is retried once and
// otherwise only logged — the worker never dies over it.
func (s *Service) process(j job) {
	log := s.log.With().Str("business_id", j.id.String()).Logger()

	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	err := s.run(ctx, j)
	cancel()
	if err == nil {
		log.Info().Msg("upload enqueued for conversion")
		return
	}

	log.Error().Err(err).Msg("upload processing failed")
	diag := fmt.Sprintf("upload %s: %v", j.id, err)

	// The run deadline may itself be the failure; the finalize gets its own.
	fctx, fcancel := context.WithTimeout(context.Background(), s.finalizeTimeout)
	defer fcancel()
	if ferr := s.ledger.Finalize(fctx, j.id, false, diag); ferr != nil {
		log.Error().Err(ferr).Msg("ledger finalize failed, retrying once")
		if ferr = s.ledger.Finalize(fctx, j.id, false, diag); ferr != nil {
			log.Error().Err(ferr).Msg("ledger finalize retry failed, giving up")
		}
	}
}

func (s *Service) run(ctx context.Context, j job) error {
	path, err := s.store.Write(j.id, j.env.Data)
	if err != nil {
		return err
	}
	s.log.Debug().Str("business_id", j.id.String()).Str("path", path).Msg("archive written")

	if err := s.ledger.Insert(ctx, j.id, path); err != nil {
		return err
	}

	item := NewWorkItem(j.id, j.callerID, path, j.env.PathInTarball, j.env.Tags)
	body, err := item.Encode()
	if err != nil {
		return fmt.Errorf("encode work item: %w", err)
	}

	return s.pub.Publish(ctx, body)
}
