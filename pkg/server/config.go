package server

import (
	"errors"
	"fmt"
)

// Defaults matching the engine's native audio format.
const (
	DefaultHost       = "0.0.0.0"
	DefaultPort       = 8998
	DefaultSampleRate = 24000
	DefaultFrameRate  = 12.5
)

// Config holds the HTTP server and audio-format settings.
type Config struct {
	Host string
	Port int

	// SampleRate is the engine's PCM sample rate in Hz.
	SampleRate int

	// FrameRate is the engine's step rate in frames per second. Together
	// with SampleRate it fixes the PCM frame size.
	FrameRate float64
}

// DefaultConfig returns the production server configuration.
func DefaultConfig() Config {
	return Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		SampleRate: DefaultSampleRate,
		FrameRate:  DefaultFrameRate,
	}
}

// FrameSize returns the number of PCM samples per engine frame.
func (c Config) FrameSize() int {
	return int(float64(c.SampleRate) / c.FrameRate)
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Port)
	}
	if c.SampleRate <= 0 {
		return errors.New("server: sample rate must be positive")
	}
	if c.FrameRate <= 0 {
		return errors.New("server: frame rate must be positive")
	}
	if float64(c.FrameSize())*c.FrameRate != float64(c.SampleRate) {
		return fmt.Errorf("server: frame rate %v does not divide sample rate %d evenly",
			c.FrameRate, c.SampleRate)
	}
	return nil
}
