package chaos

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/abrkgrbz/Stocker-sub077/resilience/faults"
	"gopkg.in/yaml.v3"
)

// LoadFile reads a YAML configuration such as:
//
//	enabled: true
//	rules:
//	  - target: webhook.delivery
//	    probability: 1.0
//	    faultType: exception
//
// The file is only read when explicitly requested on the command line; the
// service configuration never points at it.
func LoadFile(path string) (Configuration, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return Configuration{}, faults.Configuration("chaos", fmt.Errorf("read chaos file: %w", err))
	}

	return Parse(raw)
}

// Parse decodes and validates a YAML configuration, rejecting unknown
// fields and unknown seams.
func Parse(raw []byte) (Configuration, error) {
	var cfg Configuration

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)

	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return Configuration{}, nil
		}

		return Configuration{}, faults.Configuration("chaos", fmt.Errorf("decode chaos file: %w", err))
	}

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}

	return cfg, nil
}
