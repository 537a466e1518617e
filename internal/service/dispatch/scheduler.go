package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gocomet/ride-dispatch/internal/domain/geo"
	"github.com/gocomet/ride-dispatch/internal/domain/offer"
	"github.com/gocomet/ride-dispatch/internal/domain/ride"
	"github.com/gocomet/ride-dispatch/internal/domain/user"
	"github.com/gocomet/ride-dispatch/internal/notify"
	"github.com/gocomet/ride-dispatch/internal/service/matching"
	apperrors "github.com/gocomet/ride-dispatch/pkg/errors"
	"github.com/gocomet/ride-dispatch/pkg/logger"
	"github.com/gocomet/ride-dispatch/pkg/metrics"
	"github.com/gocomet/ride-dispatch/pkg/retry"
)

// mirrorTimeout bounds audit writes that outlive the task that triggered them
const mirrorTimeout = 2 * time.Second

// RideService is the part of the ride state machine the scheduler drives
type RideService interface {
	Get(ctx context.Context, rideID string) (*ride.Ride, error)
	TransitionFrom(ctx context.Context, rideID string, expected, target ride.Status, change ride.Change) (*ride.Ride, error)
	ListByStatus(ctx context.Context, status ride.Status) ([]*ride.Ride, error)
}

// Config holds scheduler timing
type Config struct {
	OfferTimeout  time.Duration
	PollInterval  time.Duration
	PollRadiusKM  float64
	SweepInterval time.Duration
	Retry         retry.Policy
}

// DefaultConfig gives drivers five minutes per offer and polls every ten seconds
func DefaultConfig() Config {
	return Config{
		OfferTimeout:  5 * time.Minute,
		PollInterval:  10 * time.Second,
		PollRadiusKM:  5.0,
		SweepInterval: 30 * time.Second,
		Retry:         retry.DefaultPolicy(),
	}
}

// Deps are the collaborators a Scheduler needs
type Deps struct {
	Rides    RideService
	Users    user.Repository
	Index    geo.Index
	Matcher  *matching.Service
	Notifier notify.Notifier
	Offers   offer.Repository
	Metrics  *metrics.Dispatch
	Logger   *logger.Logger
}

// Outcome of a driver's answer to an offer
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeRejected     Outcome = "rejected"
	OutcomeRideInactive Outcome = "ride_inactive"
)

// Result of AcceptOffer or RejectOffer
type Result struct {
	Outcome Outcome
	Ride    *ride.Ride
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs one search task per ride in searching and one polling task
// per online driver. All tasks are children of a root context that Stop cancels.
type Scheduler struct {
	rides    RideService
	users    user.Repository
	index    geo.Index
	matcher  *matching.Service
	notifier notify.Notifier
	offers   offer.Repository
	metrics  *metrics.Dispatch
	logger   *logger.Logger
	config   Config
	now      func() time.Time
	book     *offerBook

	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	stopped  bool
	searches map[string]*task
	pollers  map[string]*task
	busy     map[string]string
}

// NewScheduler creates a scheduler. Tasks may be started before Run.
func NewScheduler(deps Deps, config Config) *Scheduler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewDispatch(nil)
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		rides:    deps.Rides,
		users:    deps.Users,
		index:    deps.Index,
		matcher:  deps.Matcher,
		notifier: deps.Notifier,
		offers:   deps.Offers,
		metrics:  deps.Metrics,
		logger:   deps.Logger.Named("dispatch"),
		config:   config,
		now:      time.Now,
		book:     newOfferBook(),
		root:     root,
		cancel:   cancel,
		searches: make(map[string]*task),
		pollers:  make(map[string]*task),
		busy:     make(map[string]string),
	}
}

// Run resumes searches for rides left in searching, then sweeps stale offers
// and picks up searching rides that lost their task until ctx is done. It returns after every task has exited.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.Stop()

	s.resume(ctx)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Dispatch scheduler stopping")
			return nil
		case <-ticker.C:
			s.sweep(ctx)
			s.resume(ctx)
		}
	}
}

// Stop cancels every task and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

// resume starts a search for every ride in searching that has no task. Run
// calls it at startup and on each sweep.
func (s *Scheduler) resume(ctx context.Context) {
	searching, err := s.rides.ListByStatus(ctx, ride.StatusSearching)
	if err != nil {
		s.logger.Warn("Failed to list searching rides", logger.Err(err))
		return
	}
	started := 0
	for _, r := range searching {
		if s.adoptSearch(r.ID) {
			started++
		}
	}
	if started > 0 {
		s.logger.Info("Resumed searches", logger.Int("rides", started))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	now := s.now()
	for _, o := range s.book.expireStale(now) {
		s.metrics.OffersResolved.WithLabelValues(string(offer.StatusExpired)).Inc()
		s.mirrorStatus(ctx, o)
	}
	n, err := s.offers.ExpireStale(ctx, now)
	if err != nil {
		s.logger.Warn("Failed to expire stale offers", logger.Err(err))
		return
	}
	if n > 0 {
		s.logger.Debug("Expired stale offers", logger.Int64("count", n))
	}
}

// spawn starts fn as a tracked task. It returns nil once the scheduler is stopped.
// Must be called with mu held.
func (s *Scheduler) spawn(name string, fn func(ctx context.Context, t *task)) *task {
	if s.stopped {
		return nil
	}
	ctx, cancel := context.WithCancel(s.root)
	t := &task{cancel: cancel, done: make(chan struct{})}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(t.done)
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Dispatch task panicked",
					logger.String("task", name),
					logger.Any("panic", r),
				)
			}
		}()
		fn(ctx, t)
	}()
	return t
}

// StartSearch starts the search task for a ride, replacing any previous one
func (s *Scheduler) StartSearch(rideID string) {
	s.mu.Lock()
	old := s.searches[rideID]
	s.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searches[rideID] != nil {
		return
	}

	s.spawnSearch(rideID)
}

// spawnSearch must be called with mu held
func (s *Scheduler) spawnSearch(rideID string) *task {
	t := s.spawn("search:"+rideID, func(ctx context.Context, t *task) {
		s.metrics.SearchesActive.Inc()
		defer s.metrics.SearchesActive.Dec()
		defer s.forget(s.searches, rideID, t)
		s.search(ctx, rideID)
	})
	if t != nil {
		s.searches[rideID] = t
	}
	return t
}

// adoptSearch starts a search only when the ride has none
func (s *Scheduler) adoptSearch(rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.searches[rideID] != nil {
		return false
	}
	t := s.spawnSearch(rideID)
	return t != nil
}

// StopSearch cancels the ride's search task without waiting for it
func (s *Scheduler) StopSearch(rideID string) {
	s.mu.Lock()
	t := s.searches[rideID]
	s.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

func (s *Scheduler) forget(tasks map[string]*task, key string, t *task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tasks[key] == t {
		delete(tasks, key)
	}
}

// search runs rounds until one settles the ride. A round that hits a store
// failure is repeated after a backoff so the ride never stays in searching
// without a task.
func (s *Scheduler) search(ctx context.Context, rideID string) {
	s.book.dropSettled(rideID)

	delay := s.config.Retry.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	for {
		if s.searchRound(ctx, rideID) {
			return
		}
		s.metrics.SearchRetries.Inc()
		s.logger.Info("Search round failed, retrying", logger.RideID(rideID), logger.Duration("backoff", delay))
		if !sleep(ctx, delay) {
			return
		}
		delay = s.nextDelay(delay)
	}
}

// searchRound offers the ride to each candidate in turn. It reports false when
// the ride could not be settled because a store call failed.
func (s *Scheduler) searchRound(ctx context.Context, rideID string) bool {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return s.settledOnError(ctx, rideID, "Search could not load ride", err)
	}
	if r.Status != ride.StatusSearching {
		return true
	}
	if err := s.index.UpsertRide(ctx, r.ID, r.Pickup); err != nil {
		s.logger.Warn("Failed to index ride", logger.RideID(r.ID), logger.Err(err))
	}

	var candidates []geo.DriverCandidate
	err = retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		var err error
		candidates, err = s.matcher.FindCandidates(ctx, r.Pickup)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		s.logger.Warn("Candidate search failed", logger.RideID(rideID), logger.Err(err))
	}

	for _, c := range candidates {
		if ctx.Err() != nil {
			return true
		}
		if s.isBusy(c.DriverID) {
			continue
		}

		current, err := s.rides.Get(ctx, rideID)
		if err != nil {
			return s.settledOnError(ctx, rideID, "Search could not reload ride", err)
		}
		if current.Status != ride.StatusSearching {
			return true
		}

		t, created, ok := s.book.open(rideID, c.DriverID, offer.SourceSearch, s.now(), s.config.OfferTimeout)
		if !ok {
			continue
		}
		if created && !s.sendOffer(ctx, current, t.offer, c.DistanceKM) {
			continue
		}
		if !s.await(ctx, t) {
			return true
		}
	}

	if ctx.Err() != nil {
		return true
	}
	return s.exhausted(ctx, rideID)
}

// settledOnError treats a missing ride or a cancelled task as settled
func (s *Scheduler) settledOnError(ctx context.Context, rideID, msg string, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if apperrors.IsKind(err, apperrors.KindNotFound) {
		s.logger.Debug(msg, logger.RideID(rideID), logger.Err(err))
		return true
	}
	s.logger.Warn(msg, logger.RideID(rideID), logger.Err(err))
	return false
}

func (s *Scheduler) nextDelay(d time.Duration) time.Duration {
	if m := s.config.Retry.Multiplier; m > 1 {
		d = time.Duration(float64(d) * m)
	}
	if ceiling := s.config.Retry.MaxDelay; ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// await blocks until the offer settles, times out or ctx ends. It reports false on ctx.
func (s *Scheduler) await(ctx context.Context, t ticket) bool {
	timer := time.NewTimer(t.offer.ExpiresAt.Sub(s.now()))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return true
	case <-timer.C:
	}

	if s.book.expire(t.offer.RideID, t.offer.DriverID, s.now()) {
		o, _ := s.book.get(t.offer.RideID, t.offer.DriverID)
		s.metrics.OffersResolved.WithLabelValues(string(offer.StatusExpired)).Inc()
		s.mirrorStatus(ctx, o)
		s.logger.Info("Offer expired", logger.RideID(o.RideID), logger.DriverID(o.DriverID))
		return true
	}

	// an acceptance is in flight or the offer settled as the timer fired
	select {
	case <-ctx.Done():
		return false
	case <-t.done:
		return true
	}
}

// exhausted reverts the ride to pending. It reports false when the write kept
// failing and the ride is still searching.
func (s *Scheduler) exhausted(ctx context.Context, rideID string) bool {
	err := retry.Do(ctx, s.config.Retry, func(ctx context.Context) error {
		_, err := s.rides.TransitionFrom(ctx, rideID, ride.StatusSearching, ride.StatusPending, ride.Change{})
		return err
	})
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindConflict) {
			s.logger.Debug("Ride left searching before exhaustion", logger.RideID(rideID))
			return true
		}
		return s.settledOnError(ctx, rideID, "Failed to revert exhausted ride", err)
	}
	s.metrics.SearchesExhausted.Inc()
	s.logger.Info("No drivers available", logger.RideID(rideID))
	return true
}

// sendOffer mirrors and delivers a new offer. An offer that cannot be delivered expires at once.
func (s *Scheduler) sendOffer(ctx context.Context, r *ride.Ride, o offer.Offer, distanceKM float64) bool {
	s.metrics.OffersSent.WithLabelValues(string(o.Source)).Inc()
	s.mirrorSave(ctx, o)

	msg := notify.Message{
		Kind: notify.KindOffer,
		Text: fmt.Sprintf("New ride request %.1f km away. Trip %.1f km, estimated fare %.2f.", distanceKM, r.DistanceKM, r.EstimatedFare),
		Actions: []notify.Action{
			{Label: "Accept", Data: notify.ActionData(notify.ActionAccept, r.ID)},
			{Label: "Reject", Data: notify.ActionData(notify.ActionReject, r.ID)},
		},
		Data: map[string]any{
			"ride_id":        r.ID,
			"offer_id":       o.ID,
			"pickup":         r.Pickup,
			"destination":    r.Destination,
			"distance_km":    distanceKM,
			"estimated_fare": r.EstimatedFare,
			"expires_at":     o.ExpiresAt,
		},
	}
	if err := s.notifier.Send(ctx, o.DriverID, msg); err != nil {
		s.logger.Info("Offer not delivered",
			logger.RideID(r.ID),
			logger.DriverID(o.DriverID),
			logger.Err(err),
		)
		if s.book.expire(o.RideID, o.DriverID, s.now()) {
			expired, _ := s.book.get(o.RideID, o.DriverID)
			s.metrics.OffersResolved.WithLabelValues(string(offer.StatusExpired)).Inc()
			s.mirrorStatus(ctx, expired)
		}
		return false
	}

	s.logger.Info("Offer sent",
		logger.RideID(r.ID),
		logger.DriverID(o.DriverID),
		logger.String("source", string(o.Source)),
		logger.Float64("distance_km", distanceKM),
	)
	return true
}

// AcceptOffer binds the driver to the ride. Exactly one concurrent acceptance wins.
func (s *Scheduler) AcceptOffer(ctx context.Context, rideID, driverID string) (*Result, error) {
	start := time.Now()

	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status.IsTerminal() {
		return &Result{Outcome: OutcomeRideInactive, Ride: r}, nil
	}
	if r.Status != ride.StatusSearching {
		if r.Driver() == driverID {
			return &Result{Outcome: OutcomeAccepted, Ride: r}, nil
		}
		return nil, apperrors.ErrRideNoLongerAvailable
	}

	if _, err := s.book.claim(rideID, driverID, s.now()); err != nil {
		switch {
		case errors.Is(err, errNoOffer):
			return nil, apperrors.ErrOfferNotFound
		case errors.Is(err, errOfferExpired):
			if o, ok := s.book.get(rideID, driverID); ok {
				s.mirrorStatus(ctx, o)
			}
			return nil, apperrors.ErrOfferExpired
		}
		return nil, apperrors.ErrOfferClosed
	}

	assigned, err := s.rides.TransitionFrom(ctx, rideID, ride.StatusSearching, ride.StatusDriverAssigned, ride.Change{DriverID: driverID})
	if err != nil {
		if expired := s.book.unclaim(rideID, driverID, s.now()); expired != nil {
			s.mirrorStatus(ctx, *expired)
		}
		if !apperrors.IsKind(err, apperrors.KindConflict) {
			return nil, err
		}
		s.metrics.OffersResolved.WithLabelValues("lost").Inc()
		current, getErr := s.rides.Get(ctx, rideID)
		if getErr == nil && current.Status.IsTerminal() {
			return &Result{Outcome: OutcomeRideInactive, Ride: current}, nil
		}
		return nil, apperrors.ErrRideNoLongerAvailable.WithCause(err)
	}

	if o, changed, _ := s.book.resolve(rideID, driverID, offer.StatusAccepted, s.now()); changed {
		s.mirrorStatus(ctx, o)
	}
	s.metrics.OffersResolved.WithLabelValues(string(offer.StatusAccepted)).Inc()
	s.metrics.AcceptLatency.Observe(time.Since(start).Seconds())
	s.closeRide(ctx, rideID, "")

	s.logger.Info("Offer accepted", logger.RideID(rideID), logger.DriverID(driverID))
	return &Result{Outcome: OutcomeAccepted, Ride: assigned}, nil
}

// RejectOffer frees the ride for the next candidate at once
func (s *Scheduler) RejectOffer(ctx context.Context, rideID, driverID string) (*Result, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if r.Status != ride.StatusSearching {
		return &Result{Outcome: OutcomeRideInactive, Ride: r}, nil
	}

	o, changed, exists := s.book.resolve(rideID, driverID, offer.StatusRejected, s.now())
	if !exists {
		return nil, apperrors.ErrOfferNotFound
	}
	if !changed {
		switch o.Status {
		case offer.StatusRejected:
			return &Result{Outcome: OutcomeRejected, Ride: r}, nil
		case offer.StatusExpired:
			s.mirrorStatus(ctx, o)
			return nil, apperrors.ErrOfferExpired
		}
		return nil, apperrors.ErrOfferClosed
	}

	s.metrics.OffersResolved.WithLabelValues(string(offer.StatusRejected)).Inc()
	s.mirrorStatus(ctx, o)
	s.logger.Info("Offer rejected", logger.RideID(rideID), logger.DriverID(driverID))
	return &Result{Outcome: OutcomeRejected, Ride: r}, nil
}

// closeRide expires the ride's open offers, except keep's, and tells those drivers
func (s *Scheduler) closeRide(ctx context.Context, rideID, keep string) {
	for _, o := range s.book.closeRide(rideID, keep, s.now()) {
		s.metrics.OffersResolved.WithLabelValues(string(offer.StatusExpired)).Inc()
		s.mirrorStatus(ctx, o)
		err := s.notifier.Send(ctx, o.DriverID, notify.Message{
			Kind: notify.KindRideUpdate,
			Text: apperrors.ErrRideNoLongerAvailable.Message,
			Data: map[string]any{"ride_id": rideID},
		})
		if err != nil && !errors.Is(err, notify.ErrUndeliverable) {
			s.logger.Warn("Failed to notify driver", logger.DriverID(o.DriverID), logger.Err(err))
		}
	}
}

func (s *Scheduler) mirrorSave(ctx context.Context, o offer.Offer) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := s.offers.Save(ctx, &o); err != nil {
		s.logger.Warn("Failed to record offer", logger.RideID(o.RideID), logger.DriverID(o.DriverID), logger.Err(err))
	}
}

func (s *Scheduler) mirrorStatus(ctx context.Context, o offer.Offer) {
	at := s.now()
	if o.RespondedAt != nil {
		at = *o.RespondedAt
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), mirrorTimeout)
	defer cancel()
	if err := s.offers.UpdateStatus(ctx, o.ID, o.Status, at); err != nil {
		s.logger.Warn("Failed to record offer status",
			logger.RideID(o.RideID),
			logger.DriverID(o.DriverID),
			logger.String("status", string(o.Status)),
			logger.Err(err),
		)
	}
}

func (s *Scheduler) isBusy(driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.busy[driverID]
	return ok
}
