package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"ins-core/internal/ahrs"
	"ins-core/internal/config"
	"ins-core/internal/gpio"
	"ins-core/internal/imu"
	"ins-core/internal/ins"
	"ins-core/internal/regbus"
	"ins-core/internal/replay"
	"ins-core/internal/sensors/icm20948"
	"ins-core/internal/sensors/mpu6500"
	"ins-core/internal/sim"
	"ins-core/internal/telemetry"
	"ins-core/internal/web"
)

var errEstimatorStopped = errors.New("estimator stopped")

// newLogger builds the process logger. When logs is set, entries are also
// kept in memory for the web API.
func newLogger(lc config.LogConfig, logs *web.LogBuffer) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = lvl
	if logs == nil {
		return zc.Build()
	}
	mem := zapcore.NewCore(zapcore.NewConsoleEncoder(zc.EncoderConfig), logs, lvl)
	return zc.Build(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, mem)
	}))
}

type installs struct {
	gyro, accel, mag [3][3]float64
}

func resolveInstalls(rc config.RemapConfig) (installs, error) {
	in := installs{
		gyro:  ins.DefaultInstall,
		accel: ins.DefaultInstall,
		mag:   ins.IdentityInstall,
	}
	if rc.Gyro != nil {
		in.gyro = *rc.Gyro
	}
	if rc.Accel != nil {
		in.accel = *rc.Accel
	}
	if rc.Mag != nil {
		in.mag = *rc.Mag
	}
	if rc.ForwardAxis != 0 {
		m, err := ahrs.MountMatrix(rc.ForwardAxis, *rc.Gravity)
		if err != nil {
			return installs{}, fmt.Errorf("remap: %w", err)
		}
		in.gyro, in.accel = m, m
	}
	return in, nil
}

func serviceConfig(cfg config.Config, in installs) ins.Config {
	mode := ins.ModePeriodic
	if cfg.Acquisition.Mode == "interrupt" {
		mode = ins.ModeInterrupt
	}
	return ins.Config{
		Mode:            mode,
		ChainedTransfer: cfg.Acquisition.ChainedTransfer,
		Period:          cfg.Acquisition.Period,
		StartupDelay:    cfg.Acquisition.StartupDelay,
		Calibration: ins.CalibrationConfig{
			TargetTicks:        cfg.Calibration.TargetTicks,
			StillnessThreshold: cfg.Calibration.StillnessThreshold,
			Gain:               cfg.Calibration.Gain,
		},
		Fusion: cfg.Fusion.Algorithm,
		FusionParams: ahrs.Params{
			Kp:   cfg.Fusion.Kp,
			Ki:   cfg.Fusion.Ki,
			Beta: cfg.Fusion.Beta,
		},
		UseMag:       cfg.Fusion.UseMag,
		GyroInstall:  in.gyro,
		AccelInstall: in.accel,
		MagInstall:   in.mag,
	}
}

func gpioLine(l config.GPIOLine) gpio.Line {
	return gpio.Line{Chip: l.Chip, Name: l.Line, Offset: l.Offset, ActiveLow: l.ActiveLow}
}

// mpuDivider maps a sample rate onto the 1 kHz internal rate divider.
func mpuDivider(hz int) uint8 {
	if hz <= 0 || hz >= 1000 {
		return 0
	}
	d := 1000/hz - 1
	if d > 255 {
		d = 255
	}
	return uint8(d)
}

// openDriver builds the sensor driver and, in interrupt mode, its data-ready
// edge source.
func openDriver(cfg config.Config, in installs) (imu.Driver, ins.EdgeOpener, error) {
	ic := cfg.IMU
	interrupt := cfg.Acquisition.Mode == "interrupt"

	switch ic.Driver {
	case "mpu6500", "icm20948":
		bus, err := regbus.Open(ic.Bus, ic.Device, ic.Address, ic.SpeedHz)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s %s: %w", ic.Bus, ic.Device, err)
		}
		var drv imu.Driver
		if ic.Driver == "mpu6500" {
			drv, err = mpu6500.New(bus, mpu6500.Options{
				GyroRangeDPS:      ic.GyroRangeDPS,
				AccelRangeG:       ic.AccelRangeG,
				SPI:               ic.Bus == "spi",
				Mag:               ic.Mag,
				MotionThreshold:   ic.MotionThreshold,
				SampleRateDivider: mpuDivider(ic.SampleRateHz),
			})
		} else {
			drv, err = icm20948.New(bus, icm20948.Options{
				GyroRangeDPS: ic.GyroRangeDPS,
				AccelRangeG:  ic.AccelRangeG,
				SampleRateHz: ic.SampleRateHz,
				SPI:          ic.Bus == "spi",
			})
		}
		if err != nil {
			return nil, nil, multierr.Append(err, bus.Close())
		}
		var edge ins.EdgeOpener
		if interrupt {
			edge = gpio.EdgeOpener(gpioLine(cfg.Acquisition.DataReady))
		}
		return drv, edge, nil

	case "sim":
		scn := sim.Still(ic.Sim.YawDeg, ic.Sim.PitchDeg, ic.Sim.RollDeg)
		if ic.Sim.Scenario != "" {
			script, err := sim.LoadScenarioScript(ic.Sim.Scenario)
			if err != nil {
				return nil, nil, fmt.Errorf("load scenario: %w", err)
			}
			if scn, err = sim.NewScenario(script); err != nil {
				return nil, nil, fmt.Errorf("scenario %s: %w", ic.Sim.Scenario, err)
			}
		}
		drv, err := sim.NewDriver(scn, sim.Options{
			Period:   cfg.Acquisition.Period,
			Install:  in.gyro,
			GyroBias: ic.Sim.GyroBias,
			NoMag:    !cfg.Fusion.UseMag,
			Loop:     ic.Sim.Loop,
		})
		if err != nil {
			return nil, nil, err
		}
		return drv, nil, nil

	case "replay":
		recs, err := replay.ReadFile(ic.Replay.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("read replay log: %w", err)
		}
		drv, err := replay.NewDriver(recs, imu.RangeScales(ic.GyroRangeDPS, ic.AccelRangeG, mpu6500.MagScale), ic.Replay.Loop)
		if err != nil {
			return nil, nil, err
		}
		var edge ins.EdgeOpener
		if interrupt {
			edge = drv.Edges(ic.Replay.Speed, nil)
		}
		return drv, edge, nil
	}
	return nil, nil, fmt.Errorf("unknown imu driver %q", ic.Driver)
}

func openSinks(tc config.TelemetryConfig) (sinks []telemetry.Sink, err error) {
	defer func() {
		if err == nil {
			return
		}
		for _, s := range sinks {
			err = multierr.Append(err, s.Close())
		}
		sinks = nil
	}()

	if tc.Serial.Enable {
		s, err := telemetry.OpenSerial(telemetry.SerialConfig{
			Port:     tc.Serial.Port,
			BaudRate: tc.Serial.Baud,
			Sections: telemetry.Sections{
				Angle:   tc.Serial.Angle,
				Gyro:    tc.Serial.Gyro,
				Accel:   tc.Serial.Accel,
				Degrees: tc.Serial.Degrees,
			},
		})
		if err != nil {
			return sinks, fmt.Errorf("serial telemetry: %w", err)
		}
		sinks = append(sinks, s)
	}
	if tc.MQTT.Enable {
		s, err := telemetry.DialMQTT(telemetry.MQTTConfig{
			Broker:   tc.MQTT.Broker,
			ClientID: tc.MQTT.ClientID,
			Topic:    tc.MQTT.Topic,
			QoS:      tc.MQTT.QoS,
			Retained: tc.MQTT.Retained,
			Timeout:  tc.MQTT.Timeout,
		})
		if err != nil {
			return sinks, fmt.Errorf("mqtt telemetry: %w", err)
		}
		sinks = append(sinks, s)
	}
	if tc.UDP.Enable {
		s, err := telemetry.DialUDP(tc.UDP.Dest)
		if err != nil {
			return sinks, fmt.Errorf("udp telemetry: %w", err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// resources holds what run opens besides the service itself.
type resources struct {
	indicator *gpio.Output
	recorder  *replay.Writer
	publisher *telemetry.Publisher
}

func (rt *resources) Close() error {
	var err error
	if rt.publisher != nil {
		err = multierr.Append(err, rt.publisher.Close())
	}
	if rt.recorder != nil {
		err = multierr.Append(err, rt.recorder.Close())
	}
	if rt.indicator != nil {
		err = multierr.Append(err, rt.indicator.Close())
	}
	return err
}

func newService(cfg config.Config, rt *resources, clk clock.Clock, log *zap.SugaredLogger) (*ins.Service, error) {
	in, err := resolveInstalls(cfg.Remap)
	if err != nil {
		return nil, err
	}
	drv, edge, err := openDriver(cfg, in)
	if err != nil {
		return nil, err
	}

	deps := ins.Deps{
		Driver: drv,
		Edge:   edge,
		Clock:  clk,
		Logger: log.Named("ins"),
	}
	if cfg.Calibration.Indicator.Enable {
		out, err := gpio.OpenOutput(gpioLine(cfg.Calibration.Indicator))
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("calibration indicator: %w", err), drv.Close())
		}
		rt.indicator = out
		deps.Indicator = out
	}
	if cfg.Record.Enable {
		w, err := replay.CreateWriter(cfg.Record.Path)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("record: %w", err), drv.Close())
		}
		rt.recorder = w
		deps.Recorder = w
	}

	svc, err := ins.New(serviceConfig(cfg, in), deps)
	if err != nil {
		return nil, multierr.Append(err, drv.Close())
	}
	if seed := cfg.Calibration.Seed; seed != nil {
		if err := svc.SetCalibrationSeed(r3.Vector{X: seed[0], Y: seed[1], Z: seed[2]}); err != nil {
			return nil, multierr.Append(err, svc.Close())
		}
	}
	return svc, nil
}

func run(ctx context.Context, cfg config.Config, log *zap.SugaredLogger, logs *web.LogBuffer) (err error) {
	clk := clock.New()
	rt := &resources{}
	defer func() { err = multierr.Append(err, rt.Close()) }()

	svc, err := newService(cfg, rt, clk, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, svc.Close()) }()

	sinks, err := openSinks(cfg.Telemetry)
	if err != nil {
		return err
	}
	var stream *web.Stream
	if cfg.Web.Enable {
		stream = web.NewStream()
		sinks = append(sinks, stream)
	}
	pub, err := telemetry.NewPublisher(svc, cfg.Telemetry.Interval, clk, log.Named("telemetry"), sinks...)
	if err != nil {
		for _, s := range sinks {
			err = multierr.Append(err, s.Close())
		}
		return err
	}
	rt.publisher = pub

	log.Infow("insd starting",
		"driver", cfg.IMU.Driver,
		"mode", cfg.Acquisition.Mode,
		"period", cfg.Acquisition.Period,
		"fusion", cfg.Fusion.Algorithm,
		"sinks", len(sinks),
	)
	if err := svc.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pub.Run(gctx) })
	if cfg.Web.Enable {
		h := web.Handler(web.NewStatus(svc, clk.Now()), logs, stream, log.Named("web"))
		g.Go(func() error { return web.Serve(gctx, cfg.Web.Listen, h) })
		log.Infow("web api listening", "addr", cfg.Web.Listen)
	}
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-svc.Done():
			if gctx.Err() != nil {
				return nil
			}
			return errEstimatorStopped
		}
	})
	err = g.Wait()

	snap := svc.Snapshot()
	log.Infow("insd stopping",
		"phase", snap.Phase,
		"cycles", snap.Cycles,
		"read_errors", snap.ReadErrors,
		"dropped_edges", snap.DroppedEdges,
	)
	return err
}
