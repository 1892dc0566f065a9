package main

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Link    LinkConfig    `yaml:"link"`
	Control ControlConfig `yaml:"control"`
	PID     PIDConfig     `yaml:"pid"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// ServerConfig contains HTTP/WebSocket server settings
type ServerConfig struct {
	Port           int           `yaml:"port"`
	LogLevel       string        `yaml:"log_level"`
	StatusInterval time.Duration `yaml:"status_interval"` // Status push rate to WebSocket clients
	LogInterval    time.Duration `yaml:"log_interval"`    // Status summary log rate
}

// LinkConfig contains actuator serial link settings
type LinkConfig struct {
	Port         string        `yaml:"port"`     // Serial device, e.g. /dev/ttyUSB0
	Protocol     string        `yaml:"protocol"` // incremental or absolute
	PortOptions  `yaml:",inline"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // Bound on a single command write
	QueueSize    int           `yaml:"queue_size"`    // Commands buffered for the transmitter
}

// ControlConfig contains control loop timing and geometry
type ControlConfig struct {
	TickInterval     time.Duration `yaml:"tick_interval"`     // Control loop period
	DetectionTimeout time.Duration `yaml:"detection_timeout"` // Watchdog staleness limit
	FilterLength     int           `yaml:"filter_length"`     // Moving-average window
	StepToDegree     float64       `yaml:"step_to_degree"`    // Degrees per servo step
	InvertX          bool          `yaml:"invert_x"`
	InvertY          bool          `yaml:"invert_y"`
	FrameWidth       int           `yaml:"frame_width"`  // Camera frame width (pixels)
	FrameHeight      int           `yaml:"frame_height"` // Camera frame height (pixels)
	ManualStep       float64       `yaml:"manual_step"`  // Default jog size (degrees)
}

// PIDConfig contains PID controller gains and limits
type PIDConfig struct {
	Kp          float64  `yaml:"kp"`               // Proportional gain
	Ki          float64  `yaml:"ki"`               // Integral gain
	Kd          *float64 `yaml:"kd"`               // Derivative gain; unset uses the default, 0 disables D
	IntegralMax float64  `yaml:"integral_max"`     // Anti-windup limit for the error sum
	Preset      string   `yaml:"preset,omitempty"` // Optional named preset, overrides kp/ki/kd
}

// PolicyConfig contains the adaptive band tables
type PolicyConfig struct {
	Deadzone    BandTable `yaml:"deadzone"`
	MaxStep     BandTable `yaml:"max_step"`
	Scale       BandTable `yaml:"scale"`
	Interpolate bool      `yaml:"interpolate"`
}

// LoadConfig loads and parses the configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Set defaults for any missing values
	setDefaults(&config)

	// Validate the configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default values for any missing configuration fields
func setDefaults(config *Config) {
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}
	if config.Server.LogLevel == "" {
		config.Server.LogLevel = "info"
	}
	if config.Server.StatusInterval == 0 {
		config.Server.StatusInterval = 200 * time.Millisecond
	}
	if config.Server.LogInterval == 0 {
		config.Server.LogInterval = 10 * time.Second
	}
	if config.Link.Port == "" {
		config.Link.Port = "/dev/ttyUSB0"
	}
	if config.Link.Protocol == "" {
		config.Link.Protocol = ProtocolIncremental
	}
	if config.Link.BaudRate == 0 {
		config.Link.BaudRate = 9600
	}
	if config.Link.WriteTimeout == 0 {
		config.Link.WriteTimeout = 100 * time.Millisecond
	}
	if config.Link.QueueSize == 0 {
		config.Link.QueueSize = 32
	}
	if config.Control.TickInterval == 0 {
		config.Control.TickInterval = DefaultTickInterval
	}
	if config.Control.DetectionTimeout == 0 {
		config.Control.DetectionTimeout = DefaultDetectionTimeout
	}
	if config.Control.FilterLength == 0 {
		config.Control.FilterLength = DefaultFilterLength
	}
	if config.Control.StepToDegree == 0 {
		config.Control.StepToDegree = DefaultStepToDegree
	}
	if config.Control.FrameWidth == 0 {
		config.Control.FrameWidth = 640
	}
	if config.Control.FrameHeight == 0 {
		config.Control.FrameHeight = 480
	}
	if config.Control.ManualStep == 0 {
		config.Control.ManualStep = 10
	}
	// Ki defaults to zero; a gimbal tracking a moving target rarely needs it
	if config.PID.Kp == 0 {
		config.PID.Kp = 0.3
	}
	if config.PID.Kd == nil {
		config.PID.Kd = float64Ptr(0.25)
	}
	if config.PID.IntegralMax == 0 {
		config.PID.IntegralMax = 100
	}

	defaults := DefaultPolicy()
	if len(config.Policy.Deadzone) == 0 {
		config.Policy.Deadzone = defaults.Deadzone
	}
	if len(config.Policy.MaxStep) == 0 {
		config.Policy.MaxStep = defaults.MaxStep
	}
	if len(config.Policy.Scale) == 0 {
		config.Policy.Scale = defaults.Scale
	}
}

// Validate checks all configuration values for logical consistency
func (c *Config) Validate() error {
	// Control validation
	if c.Control.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be positive, got %v", c.Control.TickInterval)
	}
	if c.Control.TickInterval < 10*time.Millisecond || c.Control.TickInterval > 100*time.Millisecond {
		return fmt.Errorf("tick_interval must be between 10ms-100ms (10-100 Hz), got %v", c.Control.TickInterval)
	}
	if c.Control.DetectionTimeout <= 0 {
		return fmt.Errorf("detection_timeout must be positive, got %v", c.Control.DetectionTimeout)
	}
	if c.Control.DetectionTimeout <= c.Control.TickInterval {
		return fmt.Errorf("detection_timeout (%v) must be longer than tick_interval (%v)",
			c.Control.DetectionTimeout, c.Control.TickInterval)
	}
	if c.Control.FilterLength <= 0 || c.Control.FilterLength > 32 {
		return fmt.Errorf("filter_length must be between 1-32, got %d", c.Control.FilterLength)
	}
	if c.Control.StepToDegree <= 0 || c.Control.StepToDegree > 10 {
		return fmt.Errorf("step_to_degree must be in (0, 10], got %.3f", c.Control.StepToDegree)
	}
	if c.Control.FrameWidth <= 0 || c.Control.FrameHeight <= 0 {
		return fmt.Errorf("frame size must be positive, got %dx%d", c.Control.FrameWidth, c.Control.FrameHeight)
	}
	if c.Control.ManualStep <= 0 || c.Control.ManualStep > ServoMaxAngle {
		return fmt.Errorf("manual_step must be between 0-180 degrees, got %.1f", c.Control.ManualStep)
	}

	// PID validation
	if err := c.Gains().Validate(); err != nil {
		return err
	}
	if c.PID.IntegralMax <= 0 {
		return fmt.Errorf("integral_max must be positive, got %.3f", c.PID.IntegralMax)
	}
	if c.PID.Preset != "" {
		if err := NewPIDTuning(Gains{}).ApplyPreset(c.PID.Preset); err != nil {
			return err
		}
	}

	// Policy validation
	if _, err := c.BuildPolicy(); err != nil {
		return err
	}

	// Link validation
	if _, err := NewEncoder(c.Link.Protocol); err != nil {
		return err
	}
	if _, err := c.Link.PortOptions.Normalize(); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if c.Link.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be positive, got %v", c.Link.WriteTimeout)
	}
	if c.Link.QueueSize <= 0 {
		return fmt.Errorf("queue_size must be positive, got %d", c.Link.QueueSize)
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("port must be between 1-65535, got %d", c.Server.Port)
	}
	if c.Server.StatusInterval <= 0 {
		return fmt.Errorf("status_interval must be positive, got %v", c.Server.StatusInterval)
	}
	if c.Server.LogLevel != "debug" && c.Server.LogLevel != "info" &&
		c.Server.LogLevel != "warn" && c.Server.LogLevel != "error" {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error, got %s", c.Server.LogLevel)
	}

	return nil
}

// Gains returns the configured PID gains, resolving a named preset
func (c *Config) Gains() Gains {
	g := Gains{Kp: c.PID.Kp, Ki: c.PID.Ki}
	if c.PID.Kd != nil {
		g.Kd = *c.PID.Kd
	}
	if c.PID.Preset != "" {
		tuning := NewPIDTuning(g)
		if err := tuning.ApplyPreset(c.PID.Preset); err == nil {
			return tuning.Gains()
		}
	}
	return g
}

// BuildPolicy turns the configured band tables into a validated policy
func (c *Config) BuildPolicy() (*Policy, error) {
	return NewPolicy(c.Policy.Deadzone, c.Policy.MaxStep, c.Policy.Scale, c.Policy.Interpolate)
}

// ControllerOptions maps the configuration onto controller construction
// parameters
func (c *Config) ControllerOptions() (ControllerOptions, error) {
	policy, err := c.BuildPolicy()
	if err != nil {
		return ControllerOptions{}, err
	}
	return ControllerOptions{
		Gains:            c.Gains(),
		IntegralMax:      c.PID.IntegralMax,
		Policy:           policy,
		FilterLength:     c.Control.FilterLength,
		DetectionTimeout: c.Control.DetectionTimeout,
		StepToDegree:     c.Control.StepToDegree,
		InvertX:          c.Control.InvertX,
		InvertY:          c.Control.InvertY,
		TickInterval:     c.Control.TickInterval,
		CenterX:          c.Control.FrameWidth / 2,
		CenterY:          c.Control.FrameHeight / 2,
	}, nil
}

func float64Ptr(v float64) *float64 {
	return &v
}

// ConfigStore writes tuned settings back to the configuration file
type ConfigStore struct {
	path string
	mu   sync.Mutex
}

// NewConfigStore creates a store for the config file at path
func NewConfigStore(path string) *ConfigStore {
	return &ConfigStore{path: path}
}

// SaveTuning writes the gains, integral limit, detection timeout and policy
// of a status snapshot into the pid, control and policy sections of the
// config file. Other settings and their comments are kept as they are.
func (s *ConfigStore) SaveTuning(status Snapshot) error {
	if status.Policy == nil {
		return fmt.Errorf("status has no policy to save")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	root := doc.Content[0]

	pid := PIDConfig{
		Kp:          status.Gains.Kp,
		Ki:          status.Gains.Ki,
		Kd:          float64Ptr(status.Gains.Kd),
		IntegralMax: status.IntegralMax,
	}
	policy := PolicyConfig{
		Deadzone:    status.Policy.Deadzone,
		MaxStep:     status.Policy.MaxStep,
		Scale:       status.Policy.Scale,
		Interpolate: status.Policy.Interpolate,
	}
	if err := setSection(root, "pid", pid); err != nil {
		return err
	}
	if err := setSection(root, "policy", policy); err != nil {
		return err
	}
	if status.DetectionTimeout > 0 {
		setValue(mappingChild(root, "control"), "detection_timeout",
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: status.DetectionTimeout.String()})
	}

	if err := s.write(doc); err != nil {
		return err
	}

	log.Printf("[CONFIG] Saved tuning to %s (Kp=%.3f, Ki=%.3f, Kd=%.3f, integral_max=%.1f)",
		s.path, pid.Kp, pid.Ki, *pid.Kd, pid.IntegralMax)
	return nil
}

// load parses the current file into a node tree, starting an empty mapping
// when the file is missing or blank
func (s *ConfigStore) load() (*yaml.Node, error) {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read config file %s: %w", s.path, err)
	}

	var doc yaml.Node
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", s.path, err)
		}
	}
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if len(doc.Content) == 0 {
		doc.Content = []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}
	}
	if doc.Kind != yaml.DocumentNode || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("config file %s is not a YAML mapping", s.path)
	}
	return &doc, nil
}

// write replaces the file through a temporary sibling so readers never see
// a partial config
func (s *ConfigStore) write(doc *yaml.Node) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file %s: %w", s.path, err)
	}
	return nil
}

// setSection encodes v and stores it under key in a mapping node
func setSection(mapping *yaml.Node, key string, v any) error {
	var node yaml.Node
	if err := node.Encode(v); err != nil {
		return fmt.Errorf("failed to encode %s section: %w", key, err)
	}
	setValue(mapping, key, &node)
	return nil
}

// setValue replaces the value for key in a mapping node, appending the key
// when absent
func setValue(mapping *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = value
			return
		}
	}
	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, value)
}

// mappingChild returns the mapping stored under key, creating it when absent
// or not a mapping
func mappingChild(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key && mapping.Content[i+1].Kind == yaml.MappingNode {
			return mapping.Content[i+1]
		}
	}
	child := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	setValue(mapping, key, child)
	return child
}
