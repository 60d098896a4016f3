package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"ins-core/internal/ins"
)

type Config struct {
	IMU         IMUConfig         `yaml:"imu"`
	Acquisition AcquisitionConfig `yaml:"acquisition"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Fusion      FusionConfig      `yaml:"fusion"`
	Remap       RemapConfig       `yaml:"remap"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Record      RecordConfig      `yaml:"record"`
	Web         WebConfig         `yaml:"web"`
	Log         LogConfig         `yaml:"log"`
}

type IMUConfig struct {
	// Driver is mpu6500, icm20948, sim or replay.
	Driver string `yaml:"driver"`
	// Bus is spi or i2c.
	Bus             string       `yaml:"bus"`
	Device          string       `yaml:"device"`
	Address         uint16       `yaml:"address"`
	SpeedHz         uint32       `yaml:"speed_hz"`
	GyroRangeDPS    int          `yaml:"gyro_range_dps"`
	AccelRangeG     int          `yaml:"accel_range_g"`
	Mag             bool         `yaml:"mag"`
	MotionThreshold uint8        `yaml:"motion_threshold"`
	SampleRateHz    int          `yaml:"sample_rate_hz"`
	Sim             SimConfig    `yaml:"sim"`
	Replay          ReplayConfig `yaml:"replay"`
}

type SimConfig struct {
	// Scenario is an optional YAML motion script. Without it the board
	// holds the attitude below.
	Scenario string     `yaml:"scenario"`
	YawDeg   float64    `yaml:"yaw_deg"`
	PitchDeg float64    `yaml:"pitch_deg"`
	RollDeg  float64    `yaml:"roll_deg"`
	GyroBias [3]float64 `yaml:"gyro_bias"`
	Loop     bool       `yaml:"loop"`
}

type ReplayConfig struct {
	Path  string  `yaml:"path"`
	Speed float64 `yaml:"speed"`
	Loop  bool    `yaml:"loop"`
}

type GPIOLine struct {
	Enable    bool   `yaml:"enable"`
	Chip      string `yaml:"chip"`
	Line      string `yaml:"line"`
	Offset    int    `yaml:"offset"`
	ActiveLow bool   `yaml:"active_low"`
}

type AcquisitionConfig struct {
	// Mode is interrupt or periodic.
	Mode            string        `yaml:"mode"`
	ChainedTransfer bool          `yaml:"chained_transfer"`
	Period          time.Duration `yaml:"period"`
	StartupDelay    time.Duration `yaml:"startup_delay"`
	DataReady       GPIOLine      `yaml:"data_ready"`
}

type CalibrationConfig struct {
	TargetTicks        int         `yaml:"target_ticks"`
	StillnessThreshold float64     `yaml:"stillness_threshold"`
	Gain               float64     `yaml:"gain"`
	Seed               *[3]float64 `yaml:"seed"`
	Indicator          GPIOLine    `yaml:"indicator"`
}

type FusionConfig struct {
	Algorithm string  `yaml:"algorithm"`
	Kp        float64 `yaml:"kp"`
	Ki        float64 `yaml:"ki"`
	Beta      float64 `yaml:"beta"`
	UseMag    bool    `yaml:"use_mag"`
}

type RemapConfig struct {
	Gyro  *[3][3]float64 `yaml:"gyro"`
	Accel *[3][3]float64 `yaml:"accel"`
	Mag   *[3][3]float64 `yaml:"mag"`
	// ForwardAxis (±1..±3) and Gravity, when both set, derive the gyro and
	// accel install matrix from a recorded mounting pose instead.
	ForwardAxis int         `yaml:"forward_axis"`
	Gravity     *[3]float64 `yaml:"gravity"`
}

type TelemetryConfig struct {
	Interval time.Duration `yaml:"interval"`
	Serial   SerialConfig  `yaml:"serial"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	UDP      UDPConfig     `yaml:"udp"`
}

type SerialConfig struct {
	Enable  bool   `yaml:"enable"`
	Port    string `yaml:"port"`
	Baud    uint   `yaml:"baud"`
	Angle   bool   `yaml:"angle"`
	Gyro    bool   `yaml:"gyro"`
	Accel   bool   `yaml:"accel"`
	Degrees bool   `yaml:"degrees"`
}

type MQTTConfig struct {
	Enable   bool          `yaml:"enable"`
	Broker   string        `yaml:"broker"`
	ClientID string        `yaml:"client_id"`
	Topic    string        `yaml:"topic"`
	QoS      byte          `yaml:"qos"`
	Retained bool          `yaml:"retained"`
	Timeout  time.Duration `yaml:"timeout"`
}

type UDPConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
	// LogLines bounds the in-memory log served at /api/logs.
	LogLines int `yaml:"log_lines"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains invalid fields: %w", err)
		}
		return Config{}, err
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() error {
	imu := &cfg.IMU
	if imu.Driver == "" {
		return fmt.Errorf("imu.driver is required")
	}
	// Ranges also give the scales of a replayed log.
	if imu.GyroRangeDPS == 0 {
		imu.GyroRangeDPS = 2000
	}
	if imu.AccelRangeG == 0 {
		imu.AccelRangeG = 8
	}
	switch imu.Driver {
	case "mpu6500", "icm20948":
		if imu.Bus == "" {
			imu.Bus = "spi"
			if imu.Driver == "icm20948" {
				imu.Bus = "i2c"
			}
		}
		if imu.Bus != "spi" && imu.Bus != "i2c" {
			return fmt.Errorf("imu.bus must be spi or i2c")
		}
		if imu.Device == "" {
			return fmt.Errorf("imu.device is required")
		}
		if imu.Bus == "i2c" && imu.Address == 0 {
			imu.Address = 0x68
		}
		if imu.Bus == "spi" && imu.SpeedHz == 0 {
			imu.SpeedHz = 1_000_000
		}
		if imu.Mag && imu.Driver != "mpu6500" {
			return fmt.Errorf("imu.mag is only supported with imu.driver=mpu6500")
		}
	case "sim":
	case "replay":
		if imu.Replay.Path == "" {
			return fmt.Errorf("imu.replay.path is required when imu.driver is replay")
		}
		if imu.Replay.Speed == 0 {
			imu.Replay.Speed = 1
		}
		if imu.Replay.Speed < 0 {
			return fmt.Errorf("imu.replay.speed must be > 0")
		}
	default:
		return fmt.Errorf("imu.driver must be one of mpu6500, icm20948, sim, replay")
	}

	acq := &cfg.Acquisition
	if acq.Mode == "" {
		acq.Mode = "interrupt"
		if imu.Driver == "sim" {
			acq.Mode = "periodic"
		}
	}
	if acq.Mode != "interrupt" && acq.Mode != "periodic" {
		return fmt.Errorf("acquisition.mode must be interrupt or periodic")
	}
	if acq.Period <= 0 {
		acq.Period = ins.DefaultPeriod
	}
	if acq.StartupDelay < 0 {
		return fmt.Errorf("acquisition.startup_delay must be >= 0")
	}
	if acq.StartupDelay == 0 {
		acq.StartupDelay = ins.DefaultStartupDelay
	}
	if acq.Mode == "interrupt" {
		switch imu.Driver {
		case "sim":
			return fmt.Errorf("acquisition.mode must be periodic when imu.driver is sim")
		case "replay":
			// The log supplies its own edges.
		default:
			if acq.DataReady.Line == "" && acq.DataReady.Chip == "" {
				return fmt.Errorf("acquisition.data_ready.line is required when acquisition.mode is interrupt")
			}
		}
	}

	cal := &cfg.Calibration
	if cal.TargetTicks < 0 {
		return fmt.Errorf("calibration.target_ticks must be > 0")
	}
	if cal.TargetTicks == 0 {
		cal.TargetTicks = ins.DefaultCalibrationTicks
	}
	if cal.StillnessThreshold < 0 {
		return fmt.Errorf("calibration.stillness_threshold must be > 0")
	}
	if cal.StillnessThreshold == 0 {
		cal.StillnessThreshold = ins.DefaultStillnessThreshold
	}
	if cal.Gain < 0 || cal.Gain >= 1 {
		return fmt.Errorf("calibration.gain must be within (0, 1)")
	}
	if cal.Gain == 0 {
		cal.Gain = ins.DefaultCalibrationGain
	}
	if cal.Indicator.Enable && cal.Indicator.Line == "" && cal.Indicator.Chip == "" {
		return fmt.Errorf("calibration.indicator.line is required when calibration.indicator.enable is true")
	}

	f := &cfg.Fusion
	if f.Algorithm == "" {
		f.Algorithm = "mahony"
	}
	if f.Algorithm != "mahony" && f.Algorithm != "madgwick" {
		return fmt.Errorf("fusion.algorithm must be mahony or madgwick")
	}
	if f.Kp < 0 || f.Ki < 0 || f.Beta < 0 {
		return fmt.Errorf("fusion gains must be >= 0")
	}
	if f.UseMag && imu.Driver == "icm20948" {
		return fmt.Errorf("fusion.use_mag needs a magnetometer (imu.driver=icm20948 has none)")
	}

	r := &cfg.Remap
	if r.ForwardAxis != 0 || r.Gravity != nil {
		if r.ForwardAxis == 0 || r.Gravity == nil {
			return fmt.Errorf("remap.forward_axis and remap.gravity must be set together")
		}
		if r.ForwardAxis < -3 || r.ForwardAxis > 3 {
			return fmt.Errorf("remap.forward_axis must be within ±1..±3")
		}
		if r.Gyro != nil || r.Accel != nil {
			return fmt.Errorf("remap.forward_axis cannot be combined with remap.gyro or remap.accel")
		}
	}

	t := &cfg.Telemetry
	if t.Interval <= 0 {
		t.Interval = 100 * time.Millisecond
	}
	if t.Serial.Enable {
		if t.Serial.Port == "" {
			return fmt.Errorf("telemetry.serial.port is required when telemetry.serial.enable is true")
		}
		if t.Serial.Baud == 0 {
			t.Serial.Baud = 115200
		}
		if !t.Serial.Angle && !t.Serial.Gyro && !t.Serial.Accel {
			t.Serial.Angle = true
		}
	}
	if t.MQTT.Enable {
		if t.MQTT.Broker == "" {
			return fmt.Errorf("telemetry.mqtt.broker is required when telemetry.mqtt.enable is true")
		}
		if t.MQTT.Topic == "" {
			t.MQTT.Topic = "ins/state"
		}
		if t.MQTT.ClientID == "" {
			t.MQTT.ClientID = "insd"
		}
		if t.MQTT.QoS > 2 {
			return fmt.Errorf("telemetry.mqtt.qos must be 0, 1 or 2")
		}
		if t.MQTT.Timeout <= 0 {
			t.MQTT.Timeout = time.Second
		}
	}
	if t.UDP.Enable && t.UDP.Dest == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}

	if cfg.Record.Enable {
		if cfg.Record.Path == "" {
			return fmt.Errorf("record.path is required when record.enable is true")
		}
		if imu.Driver == "replay" {
			return fmt.Errorf("record and imu.driver=replay cannot be used together")
		}
	}

	if cfg.Web.Enable {
		if cfg.Web.Listen == "" {
			cfg.Web.Listen = ":8080"
		}
		if cfg.Web.LogLines < 0 {
			return fmt.Errorf("web.log_lines must be >= 0")
		}
		if cfg.Web.LogLines == 0 {
			cfg.Web.LogLines = 2000
		}
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	return nil
}
