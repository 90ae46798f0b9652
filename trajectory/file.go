package trajectory

import (
	"fmt"
	"os"
	"strconv"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/mitchellh/mapstructure"
)

// axesDTO is the per-positioner shape: two arrays of pairs, keyed "alpha"
// and "beta" (spec.md §6, "a mapping ... to an object with two arrays").
type axesDTO struct {
	Alpha [][2]float64 `mapstructure:"alpha"`
	Beta  [][2]float64 `mapstructure:"beta"`
}

// FromDict builds a Trajectory from an in-memory dictionary of the same
// shape the file format uses: positioner id (as a decimal string key) ->
// {"alpha": [[deg, t], ...], "beta": [[deg, t], ...]}. Using
// mapstructure here, rather than hand-rolled type assertions, is the
// teacher-pack convention for decoding a loosely-typed map into a struct.
func FromDict(dict map[string]interface{}) (*Trajectory, error) {
	t := New()
	for key, raw := range dict {
		id, err := strconv.ParseUint(key, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("trajectory: positioner key %q is not a valid id: %w", key, err)
		}
		var axes axesDTO
		if err := mapstructure.Decode(raw, &axes); err != nil {
			return nil, fmt.Errorf("trajectory: decoding positioner %d: %w", id, err)
		}
		t.Paths[uint32(id)] = PositionerPath{
			Alpha: axesDTOToPath(axes.Alpha),
			Beta:  axesDTOToPath(axes.Beta),
		}
	}
	return t, nil
}

func axesDTOToPath(pairs [][2]float64) AxisPath {
	axis := make(AxisPath, len(pairs))
	for i, p := range pairs {
		axis[i] = Sample{AngleDegrees: p[0], TimeSeconds: p[1]}
	}
	return axis
}

// LoadFile parses a structured trajectory file (YAML, the same parser
// family as the rest of the configuration stack) into a Trajectory.
func LoadFile(path string) (*Trajectory, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("trajectory: %w", err)
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("trajectory: loading %s: %w", path, err)
	}
	return FromDict(k.Raw())
}
