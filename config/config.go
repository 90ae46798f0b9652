// Package config loads jaeger's layered configuration: compiled-in
// defaults, then a system file, then a user file, each layer overriding the
// last, mirroring cmd/multiserver's setupconfig (spec.md §6).
package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/sdss/jaeger/util"
)

// CANInterfaceConfig describes one configured BusInterface (spec.md §6: "CAN
// profile: interface type, channels/ports, bus indices, bitrate").
type CANInterfaceConfig struct {
	Index   int    `koanf:"index"`
	Kind    string `koanf:"kind"` // "tcp", "slcan", "socketcan", "virtual"
	Addr    string `koanf:"addr"`
	Buses   []int  `koanf:"buses"`
	Bitrate int    `koanf:"bitrate"`
}

// IdentifierConfig carries the configurable arbitration-id field widths
// (spec.md §4.1).
type IdentifierConfig struct {
	PositionerIDBits uint `koanf:"positioner_id_bits"`
	CommandIDBits    uint `koanf:"command_id_bits"`
	UIDBits          uint `koanf:"uid_bits"`
	ResponseBits     uint `koanf:"response_bits"`
}

// SafeModeConfig is the optional stricter-bounds mode for trajectory
// validation (spec.md §4.6 step 1).
type SafeModeConfig struct {
	Enabled bool    `koanf:"enabled"`
	MinBeta float64 `koanf:"min_beta"`
}

// PollerConfig configures one periodic poller's interval (spec.md §4.8,
// §7); the retry-once-then-alert policy is fixed in fps/poller.go.
type PollerConfig struct {
	IntervalSeconds float64 `koanf:"interval_seconds"`
}

// Config is the complete layered configuration (spec.md §6).
type Config struct {
	CAN []CANInterfaceConfig `koanf:"can"`

	Identifier IdentifierConfig `koanf:"identifier"`

	PositionPoller PollerConfig `koanf:"position_poller"`
	StatusPoller   PollerConfig `koanf:"status_poller"`

	DefaultSpeedRPM int `koanf:"default_speed_rpm"`

	TrajectoryChunkSize int `koanf:"trajectory_chunk_size"`

	SafeMode SafeModeConfig `koanf:"safe_mode"`

	DisabledPositioners []uint32 `koanf:"disabled_positioners"`

	// ReachedToleranceDegrees is the "reached destination" tolerance
	// (spec.md §4.6 step 6, §9 open question: "source uses 0.1 degrees").
	ReachedToleranceDegrees float64 `koanf:"reached_tolerance_degrees"`

	// LockfilePath is the single-instance OS lock path (spec.md §6).
	LockfilePath string `koanf:"lockfile_path"`
}

// Default returns the compiled-in defaults, the lowest-priority layer.
func Default() Config {
	return Config{
		CAN: []CANInterfaceConfig{
			{Index: 0, Kind: "virtual", Buses: []int{0}},
		},
		Identifier: IdentifierConfig{
			PositionerIDBits: 11,
			CommandIDBits:    8,
			UIDBits:          6,
			ResponseBits:     4,
		},
		PositionPoller:          PollerConfig{IntervalSeconds: 5},
		StatusPoller:            PollerConfig{IntervalSeconds: 1},
		DefaultSpeedRPM:         500,
		TrajectoryChunkSize:     3,
		ReachedToleranceDegrees: 0.1,
		LockfilePath:            "/var/run/jaeger.lock",
	}
}

// PositionPollerInterval and StatusPollerInterval convert the configured
// floating-point seconds knobs to time.Duration via util.SecsToDuration,
// the teacher's helper for this conversion.
func (c Config) PositionPollerInterval() time.Duration {
	return util.SecsToDuration(c.PositionPoller.IntervalSeconds)
}

func (c Config) StatusPollerInterval() time.Duration {
	return util.SecsToDuration(c.StatusPoller.IntervalSeconds)
}

// Loader layers defaults, a system file, and a user file, in that order,
// exactly as cmd/multiserver's setupconfig does with a single file: each
// k.Load call overrides only the keys present in that layer.
type Loader struct {
	k          *koanf.Koanf
	systemPath string
	userPath   string
	logger     *log.Logger
}

// NewLoader constructs a Loader that will read systemPath then userPath, in
// that priority order, on top of Default().
func NewLoader(systemPath, userPath string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{k: koanf.New("."), systemPath: systemPath, userPath: userPath, logger: logger}
}

// Load builds the layered Config. A missing file at either path is
// tolerated (logged, not fatal), matching setupconfig's
// strings.Contains(err.Error(), "no such") check.
func (l *Loader) Load() (Config, error) {
	if err := l.k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: loading defaults: %w", err)
	}
	for _, path := range []string{l.systemPath, l.userPath} {
		if path == "" {
			continue
		}
		if err := l.k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if strings.Contains(err.Error(), "no such") {
				l.logger.Printf("config: %s not found, skipping", path)
				continue
			}
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}
	var c Config
	if err := l.k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshalling: %w", err)
	}
	return c, nil
}

// Koanf exposes the underlying instance for Reloader to re-layer onto.
func (l *Loader) Koanf() *koanf.Koanf { return l.k }
