package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Tuning holds the estimator constants that operators adjust per city.
type Tuning struct {
	DefaultSpeedKmh      float64 `yaml:"defaultSpeedKmh" validate:"gt=0"`
	DwellBufferSec       int     `yaml:"dwellBufferSec" validate:"gte=0"`
	LookAheadMinutes     int     `yaml:"lookAheadMinutes" validate:"gte=0"`
	StoppedBelowPercent  float64 `yaml:"stoppedBelowPercent" validate:"gte=0,lte=100,ltfield=IncomingAbovePercent"`
	IncomingAbovePercent float64 `yaml:"incomingAbovePercent" validate:"gte=0,lte=100"`
}

func DefaultTuning() Tuning {
	return Tuning{
		DefaultSpeedKmh:      60,
		DwellBufferSec:       30,
		LookAheadMinutes:     30,
		StoppedBelowPercent:  10,
		IncomingAbovePercent: 90,
	}
}

func (t Tuning) DwellBuffer() time.Duration { return time.Duration(t.DwellBufferSec) * time.Second }
func (t Tuning) LookAhead() time.Duration   { return time.Duration(t.LookAheadMinutes) * time.Minute }

var validate = validator.New()

// LoadTuning reads a YAML tuning file. Keys left out keep their defaults;
// unknown keys are rejected.
func LoadTuning(path string) (Tuning, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Tuning{}, fmt.Errorf("read tuning file: %w", err)
	}
	t, err := ParseTuning(b)
	if err != nil {
		return Tuning{}, fmt.Errorf("tuning file %s: %w", path, err)
	}
	return t, nil
}

func ParseTuning(b []byte) (Tuning, error) {
	t := DefaultTuning()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil && !errors.Is(err, io.EOF) {
		return Tuning{}, fmt.Errorf("decode: %w", err)
	}
	if err := validate.Struct(t); err != nil {
		return Tuning{}, fmt.Errorf("validate: %w", err)
	}
	return t, nil
}
