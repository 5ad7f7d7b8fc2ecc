package main

import (
	"os"
	"time"

	"github.com/damedic/fhirpath-go/fhirpath"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration read with --config. Flags override it.
type Config struct {
	LogLevel      string `yaml:"logLevel"`
	RepeatLimit   int    `yaml:"repeatLimit"`
	PartialRepeat bool   `yaml:"partialRepeat"`
	// Precision is the number of significant digits of decimal operations.
	Precision uint32 `yaml:"precision"`
	// Now fixes now(), today() and timeOfDay(), RFC 3339.
	Now string `yaml:"now"`
	// Constants are available as %name in every expression.
	Constants map[string]any `yaml:"constants"`
}

func ReadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "couldn't open file")
	}
	defer f.Close()

	var config Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return Config{}, errors.Wrap(err, "couldn't decode yaml configuration")
	}
	if config.Now != "" {
		if _, err := time.Parse(time.RFC3339, config.Now); err != nil {
			return Config{}, errors.Wrap(err, "invalid now")
		}
	}
	return config, nil
}

// constants lifts the configured constants into collections.
func (c Config) constants() (map[string]fhirpath.Collection, error) {
	if len(c.Constants) == 0 {
		return nil, nil
	}
	o, err := fhirpath.NewObject(c.Constants)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't convert constants")
	}
	constants := make(map[string]fhirpath.Collection, len(c.Constants))
	for _, name := range o.Keys() {
		constants[name], _ = o.Get(name)
	}
	return constants, nil
}
