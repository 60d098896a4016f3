// Package ins is the inertial navigation core: it acquires raw samples,
// calibrates the gyro bias at startup, converts and smooths the readings and
// runs the attitude estimator, publishing the result for the controllers.
package ins

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ins-core/internal/ahrs"
	"ins-core/internal/imu"
)

const (
	DefaultPeriod       = time.Millisecond
	DefaultStartupDelay = 7 * time.Millisecond

	// Bring-up failures are logged on the first attempt and then every
	// bringUpLogEvery attempts.
	bringUpLogEvery = 1000

	defaultMountSamples = 500
)

type Config struct {
	// Mode is ModeInterrupt or ModePeriodic.
	Mode            string
	ChainedTransfer bool
	// Period is the nominal control period. It is the periodic cadence and
	// the fixed integration step in both modes.
	Period       time.Duration
	StartupDelay time.Duration

	Calibration CalibrationConfig

	Fusion       string
	FusionParams ahrs.Params
	UseMag       bool

	// Zero matrices select the defaults.
	GyroInstall  [3][3]float64
	AccelInstall [3][3]float64
	MagInstall   [3][3]float64
}

// SampleRecorder receives every acquired sample, for later replay.
type SampleRecorder interface {
	WriteSample(s imu.RawSample) error
}

type Deps struct {
	Driver imu.Driver
	// Edge is required in interrupt mode.
	Edge      EdgeOpener
	Indicator Indicator
	Recorder  SampleRecorder
	Clock     clock.Clock
	Logger    *zap.SugaredLogger
}

type Snapshot struct {
	// Valid is set once an attitude has been published.
	Valid     bool
	BroughtUp bool

	Phase Phase
	Bias  r3.Vector
	Ticks int

	Cycles         uint64
	ReadErrors     uint64
	BringUpTries   int
	DroppedEdges   uint64
	RecordErrors   uint64
	DegenerateInit bool

	LastError string
	UpdatedAt time.Time
}

type calReq struct {
	ticks int
	reply chan calReply
}

type calReply struct {
	bias  r3.Vector
	ticks int
}

type mountReq struct {
	forwardAxis int
	samples     int
	done        chan error
}

type Service struct {
	cfg  Config
	drv  imu.Driver
	edge EdgeOpener
	rec  SampleRecorder
	clk  clock.Clock
	log  *zap.SugaredLogger

	pub  Published
	pipe *pipeline

	calCh   chan calReq
	mountCh chan mountReq

	mu      sync.RWMutex
	snap    Snapshot
	started bool

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	schedErr error
}

func New(cfg Config, deps Deps) (*Service, error) {
	if deps.Driver == nil {
		return nil, errors.New("ins: driver is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeInterrupt
	}
	if cfg.Mode != ModeInterrupt && cfg.Mode != ModePeriodic {
		return nil, fmt.Errorf("ins: unknown acquisition mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeInterrupt && deps.Edge == nil {
		return nil, errors.New("ins: interrupt mode needs a data-ready edge")
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.GyroInstall == ([3][3]float64{}) {
		cfg.GyroInstall = DefaultInstall
	}
	if cfg.AccelInstall == ([3][3]float64{}) {
		cfg.AccelInstall = DefaultInstall
	}
	if cfg.MagInstall == ([3][3]float64{}) {
		cfg.MagInstall = IdentityInstall
	}
	fusion, err := ahrs.NewFusion(cfg.Fusion, cfg.FusionParams)
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}

	s := &Service{
		cfg:     cfg,
		drv:     deps.Driver,
		edge:    deps.Edge,
		rec:     deps.Recorder,
		clk:     deps.Clock,
		log:     deps.Logger,
		calCh:   make(chan calReq, 1),
		mountCh: make(chan mountReq, 1),
		done:    make(chan struct{}),
	}
	remaps := NewRemaps(cfg.GyroInstall, cfg.AccelInstall, cfg.MagInstall, deps.Driver.Scales())
	cal := NewCalibrator(cfg.Calibration, deps.Indicator)
	s.pipe = newPipeline(remaps, cfg.UseMag, cfg.Period.Seconds(), cal, fusion, &s.pub)
	return s, nil
}

// SetCalibrationSeed installs the stored gyro offset that calibration starts
// from and falls back to on motion. It must be called before Start.
func (s *Service) SetCalibrationSeed(offset r3.Vector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrSeedAfterStart
	}
	return s.pipe.cal.SetSeed(offset)
}

// Start launches the estimator task. Bring-up happens on that task after the
// startup delay and is retried until it succeeds or ctx ends.
func (s *Service) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("ins: service is nil")
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("ins: already started")
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// Close stops the estimator task and releases the sensor.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	var err error
	s.stopOnce.Do(func() {
		s.mu.RLock()
		started, cancel := s.started, s.cancel
		s.mu.RUnlock()
		if started {
			cancel()
			<-s.done
		}
		err = multierr.Combine(s.schedErr, s.drv.Close())
	})
	return err
}

// Done is closed when the estimator task has exited.
func (s *Service) Done() <-chan struct{} { return s.done }

func (s *Service) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *Service) OrientationAngles() Angles { return s.pub.OrientationAngles() }

func (s *Service) GyroVector() r3.Vector { return s.pub.GyroVector() }

func (s *Service) AccelVector() r3.Vector { return s.pub.AccelVector() }

// CalibrationStep runs one caller-driven bias refinement on the next sample.
// ticks is the caller's counter: zero restarts from the seed, motion resets it
// and each still sample advances it.
func (s *Service) CalibrationStep(ctx context.Context, ticks *int) (r3.Vector, error) {
	if ticks == nil {
		return r3.Vector{}, fmt.Errorf("ins: ticks is nil")
	}
	if err := s.requireStarted(); err != nil {
		return r3.Vector{}, err
	}
	req := calReq{ticks: *ticks, reply: make(chan calReply, 1)}
	select {
	case s.calCh <- req:
	case <-ctx.Done():
		return r3.Vector{}, ctx.Err()
	case <-s.done:
		return r3.Vector{}, fmt.Errorf("ins: service stopped")
	}
	select {
	case r := <-req.reply:
		*ticks = r.ticks
		return r.bias, nil
	case <-ctx.Done():
		return r3.Vector{}, ctx.Err()
	case <-s.done:
		return r3.Vector{}, fmt.Errorf("ins: service stopped")
	}
}

// AlignMount rebuilds the install rotation from the board's pose. The sensor
// axis given by forwardAxis (±1..±3) becomes body forward and gravity,
// averaged over the next samples while the board sits level, becomes body
// down. samples <= 0 selects the default window.
func (s *Service) AlignMount(ctx context.Context, forwardAxis, samples int) error {
	if err := s.requireStarted(); err != nil {
		return err
	}
	if samples <= 0 {
		samples = defaultMountSamples
	}
	done := make(chan error, 1)
	select {
	case s.mountCh <- mountReq{forwardAxis: forwardAxis, samples: samples, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("ins: mount alignment already in progress")
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return fmt.Errorf("ins: service stopped")
	}
}

func (s *Service) requireStarted() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return fmt.Errorf("ins: service not started")
	}
	return nil
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	if !s.wait(ctx, s.cfg.StartupDelay) {
		return
	}
	sched, ok := s.bringUp(ctx)
	if !ok {
		return
	}
	defer func() {
		s.schedErr = sched.Close()
	}()
	var dropped func() uint64
	if is, ok := sched.(*InterruptScheduler); ok {
		dropped = is.Dropped
	}

	var (
		sample     imu.RawSample
		mount      *mountReq
		mountSum   r3.Vector
		mountN     int
		loggedInit bool
		lastPhase  = s.pipe.cal.Phase()
	)
	for {
		err := sched.Next(ctx, &sample)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.readFailed(err)
			continue
		}

		fresh := s.pipe.process(&sample)
		if fresh && s.pipe.initErr != nil && !loggedInit {
			loggedInit = true
			s.log.Warnw("attitude init rejected, starting from identity", "error", s.pipe.initErr)
		}
		if ph := s.pipe.cal.Phase(); ph != lastPhase {
			s.logPhase(ph)
			lastPhase = ph
		}

		var recErr error
		if s.rec != nil {
			recErr = s.rec.WriteSample(sample)
		}

		select {
		case req := <-s.calCh:
			bias, ticks := s.pipe.externalStep(req.ticks)
			req.reply <- calReply{bias: bias, ticks: ticks}
		default:
		}

		select {
		case req := <-s.mountCh:
			if mount != nil {
				req.done <- fmt.Errorf("ins: mount alignment already active")
			} else {
				mount, mountSum, mountN = &req, r3.Vector{}, 0
			}
		default:
		}
		if mount != nil && fresh {
			sc := s.drv.Scales()
			raw := sample.Accel
			mountSum = mountSum.Add(r3.Vector{X: float64(raw[0]), Y: float64(raw[1]), Z: float64(raw[2])}.Mul(sc.Accel))
			mountN++
			if mountN >= mount.samples {
				mount.done <- s.applyMount(mount.forwardAxis, mountSum.Mul(1/float64(mountN)))
				mount = nil
			}
		}

		var droppedEdges uint64
		if dropped != nil {
			droppedEdges = dropped()
		}
		s.publishStatus(fresh, sample.Time, recErr, droppedEdges)
	}
}

func (s *Service) applyMount(forwardAxis int, gravity r3.Vector) error {
	m, err := ahrs.MountMatrix(forwardAxis, [3]float64{gravity.X, gravity.Y, gravity.Z})
	if err != nil {
		return err
	}
	if err := s.pipe.setInstall(m, s.drv.Scales()); err != nil {
		return err
	}
	s.log.Infow("mount alignment applied", "forward_axis", forwardAxis, "install", m)
	return nil
}

func (s *Service) logPhase(ph Phase) {
	switch ph {
	case PhaseSettling:
		s.log.Infow("gyro calibration settling", "seed", s.pipe.cal.Seed())
	case PhaseStable:
		s.log.Infow("gyro calibration stable", "bias", s.pipe.bias)
	}
	if err := s.pipe.cal.IndicatorErr(); err != nil {
		s.log.Warnw("calibration indicator", "error", err)
	}
}

// wait sleeps on the service clock. It returns false if ctx ended first.
func (s *Service) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := s.clk.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// bringUp initialises the sensor and arms acquisition, retrying without
// backoff until it works or ctx ends.
func (s *Service) bringUp(ctx context.Context) (Scheduler, bool) {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return nil, false
		}
		sched, err := s.tryBringUp()
		if err == nil {
			s.mu.Lock()
			s.snap.BroughtUp = true
			s.snap.BringUpTries = attempt
			s.snap.LastError = ""
			s.mu.Unlock()
			s.log.Infow("sensor up", "attempts", attempt, "mode", s.cfg.Mode, "chained", s.cfg.ChainedTransfer)
			return sched, true
		}
		s.mu.Lock()
		s.snap.BringUpTries = attempt
		s.snap.LastError = err.Error()
		s.mu.Unlock()
		if attempt == 1 || attempt%bringUpLogEvery == 0 {
			s.log.Warnw("sensor bring-up failed, retrying", "attempt", attempt, "error", err)
		}
	}
}

func (s *Service) tryBringUp() (Scheduler, error) {
	if err := s.drv.Init(); err != nil {
		return nil, fmt.Errorf("sensor init: %w", err)
	}
	if s.cfg.Mode == ModePeriodic {
		return NewPeriodicScheduler(s.drv, s.cfg.Period, s.cfg.ChainedTransfer, s.clk)
	}
	return NewInterruptScheduler(s.drv, s.edge, s.cfg.ChainedTransfer, s.clk)
}

func (s *Service) readFailed(err error) {
	s.mu.Lock()
	s.snap.ReadErrors++
	first := s.snap.ReadErrors == 1
	s.snap.LastError = fmt.Sprintf("read sample: %v", err)
	s.mu.Unlock()
	if first {
		s.log.Warnw("sample read failed", "error", err)
	}
}

func (s *Service) publishStatus(fresh bool, at time.Time, recErr error, droppedEdges uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Cycles++
	s.snap.DroppedEdges = droppedEdges
	if fresh {
		s.snap.Valid = true
		s.snap.UpdatedAt = at
	}
	s.snap.Phase = s.pipe.cal.Phase()
	s.snap.Bias = s.pipe.bias
	s.snap.Ticks = s.pipe.ticks
	s.snap.DegenerateInit = s.pipe.initErr != nil
	if recErr != nil {
		s.snap.RecordErrors++
		s.snap.LastError = fmt.Sprintf("record sample: %v", recErr)
	}
}
