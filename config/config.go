// Package config describes a graph of pipelines in YAML and builds it.
//
// A graph file declares element and IO prototypes, pipelines built from
// them and bridges that connect pipelines through a data bus:
//
//	log:
//	  level: info
//	ios:
//	  - name: input
//	    type: file
//	    direction: reader
//	    path: in.bin
//	elements:
//	  - name: chunks
//	    type: rechunk
//	    params:
//	      size: 4096
//	pipelines:
//	  - name: source
//	    in: input
//	    elements: [chunks]
//	bridges:
//	  - from: {pipeline: source, element: chunks}
//	    to: {pipeline: sink, element: copy}
//	    bus: ringbuffer
//	    items: 16
//	    item_size: 4096
//
// Scalar values can be overridden with environment variables prefixed
// with FLOW, e.g. FLOW_LOG_LEVEL=debug.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pipelined.dev/flow/fault"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "FLOW"

// Bus kinds.
const (
	RingBuffer  = "ringbuffer"
	BlockPool   = "blockpool"
	PassThrough = "passthrough"
)

type (
	// Config is the graph description.
	Config struct {
		Log       Log        `yaml:"log"`
		IOs       []IO       `yaml:"ios"`
		Elements  []Element  `yaml:"elements"`
		Pipelines []Pipeline `yaml:"pipelines"`
		Bridges   []Bridge   `yaml:"bridges"`
	}

	// Log configures the logger of the graph. Empty level and format
	// keep the default silent logger.
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}

	// IO is a source or sink prototype.
	IO struct {
		Name string `yaml:"name"`
		// Type is file or wav.
		Type string `yaml:"type"`
		// Direction is reader or writer.
		Direction string `yaml:"direction"`
		Path      string `yaml:"path"`
		// Sound format of wav writer.
		SampleRate int `yaml:"sample_rate"`
		Channels   int `yaml:"channels"`
		Bits       int `yaml:"bits"`
	}

	// Element is an element prototype. Params are decoded into the
	// config of element type.
	Element struct {
		Name   string         `yaml:"name"`
		Type   string         `yaml:"type"`
		Params map[string]any `yaml:"params"`
	}

	// Pipeline lists element names in order. In and Out are optional IO
	// names.
	Pipeline struct {
		Name     string   `yaml:"name"`
		In       string   `yaml:"in"`
		Elements []string `yaml:"elements"`
		Out      string   `yaml:"out"`
		Task     Task     `yaml:"task"`
	}

	// Task configures the worker of pipeline.
	Task struct {
		LockOSThread bool `yaml:"lock_os_thread"`
		// NoRetry makes timed out process calls fail immediately.
		NoRetry bool `yaml:"no_retry"`
	}

	// Bridge connects element output of one pipeline with element input
	// of another.
	Bridge struct {
		From Endpoint `yaml:"from"`
		To   Endpoint `yaml:"to"`
		// Bus is ringbuffer, blockpool or passthrough.
		Bus      string `yaml:"bus"`
		Items    int    `yaml:"items"`
		ItemSize int    `yaml:"item_size"`
		// Wait of bus calls. Zero waits without limit.
		Wait time.Duration `yaml:"wait"`
		// Block makes bridge ports carry whole blocks.
		Block bool `yaml:"block"`
	}

	// Endpoint is an element of pipeline.
	Endpoint struct {
		Pipeline string `yaml:"pipeline"`
		Element  string `yaml:"element"`
	}
)

// Load reads graph file and applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("log.level", "")
	v.SetDefault("log.format", "")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w: %w", path, fault.ErrInvalidArgument, err)
	}
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(bytes.NewReader(data))
}

// Parse decodes the graph from YAML. Unknown fields are rejected.
func Parse(r io.Reader) (*Config, error) {
	d := yaml.NewDecoder(r)
	d.KnownFields(true)
	var c Config
	if err := d.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w: %w", fault.ErrInvalidArgument, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks required fields and bridge references. Element and IO
// names of pipelines are resolved by Build, they can be registered in the
// pool by application.
func (c *Config) Validate() error {
	for _, d := range c.IOs {
		if d.Name == "" || d.Path == "" {
			return invalid("io %q: name and path are required", d.Name)
		}
		if d.Direction != "reader" && d.Direction != "writer" {
			return invalid("io %q: direction %q", d.Name, d.Direction)
		}
	}
	for _, e := range c.Elements {
		if e.Name == "" || e.Type == "" {
			return invalid("element %q: name and type are required", e.Name)
		}
	}
	pipelines := make(map[string]Pipeline, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" || len(p.Elements) == 0 {
			return invalid("pipeline %q: name and elements are required", p.Name)
		}
		if _, ok := pipelines[p.Name]; ok {
			return invalid("pipeline %q: duplicate name", p.Name)
		}
		pipelines[p.Name] = p
	}
	for i, b := range c.Bridges {
		from, ok := pipelines[b.From.Pipeline]
		if !ok || !declared(from.Elements, b.From.Element) {
			return invalid("bridge %d: from %+v is not declared", i, b.From)
		}
		to, ok := pipelines[b.To.Pipeline]
		if !ok || !declared(to.Elements, b.To.Element) {
			return invalid("bridge %d: to %+v is not declared", i, b.To)
		}
		if b.From.Pipeline == b.To.Pipeline {
			return invalid("bridge %d: pipeline %q is bridged with itself", i, b.From.Pipeline)
		}
		switch b.Bus {
		case RingBuffer, BlockPool:
			if b.Items <= 0 || b.ItemSize <= 0 {
				return invalid("bridge %d: items and item_size must be positive", i)
			}
		case PassThrough:
			if b.Items <= 0 {
				return invalid("bridge %d: items must be positive", i)
			}
		default:
			return invalid("bridge %d: bus %q", i, b.Bus)
		}
	}
	return nil
}

// declared reports whether element is listed. Repeated elements are
// addressed as "name#n".
func declared(elements []string, name string) bool {
	if slices.Contains(elements, name) {
		return true
	}
	i := strings.LastIndexByte(name, '#')
	if i <= 0 {
		return false
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil || n <= 0 {
		return false
	}
	count := 0
	for _, e := range elements {
		if e == name[:i] {
			count++
		}
	}
	return n <= count
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("config: %s: %w", fmt.Sprintf(format, args...), fault.ErrInvalidArgument)
}
