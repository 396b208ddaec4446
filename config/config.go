// Package config holds the runtime knobs of a prototypical-network run.
package config

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config captures the runtime knobs for a training and evaluation run.
type Config struct {
	TrainRoot string `yaml:"train_root"`
	EvalRoot  string `yaml:"eval_root"`

	N int `yaml:"n"`
	K int `yaml:"k"`
	Q int `yaml:"q"`

	EvalN        int `yaml:"eval_n"`
	EvalK        int `yaml:"eval_k"`
	EvalQ        int `yaml:"eval_q"`
	EvalEpisodes int `yaml:"eval_episodes"`

	NumEpisodes int `yaml:"num_episodes"`
	FrameSize   int `yaml:"frame_size"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"lr"`
	Momentum     float64 `yaml:"momentum"`
	Scheduler    string  `yaml:"scheduler"`
	MaxGradNorm  float64 `yaml:"max_grad_norm"`
	FailOnNaN    bool    `yaml:"fail_on_nan"`

	ImageSize  int  `yaml:"image_size"`
	PerClass   int  `yaml:"per_class"`
	Invert     bool `yaml:"invert"`
	Hidden     int  `yaml:"hidden"`
	Blocks     int  `yaml:"blocks"`
	NumWorkers int  `yaml:"num_workers"`
	// CacheSize bounds the decoded-image cache shared by both pools; 0 disables it.
	CacheSize  int  `yaml:"cache_size"`

	Seed   int64  `yaml:"seed"`
	Device string `yaml:"device"`

	MetricsPath     string `yaml:"metrics"`
	CheckpointPath  string `yaml:"checkpoint"`
	CheckpointEvery int    `yaml:"checkpoint_every"`
	Progress        bool   `yaml:"progress"`
}

// Default returns the reference Omniglot run: 60-way 5-shot training with 5
// queries for 16000 episodes, evaluated 60-way 5-shot with 15 queries.
func Default() *Config {
	return &Config{
		N:            60,
		K:            5,
		Q:            5,
		EvalN:        60,
		EvalK:        5,
		EvalQ:        15,
		EvalEpisodes: 2000,
		NumEpisodes:  16000,
		FrameSize:    500,
		Optimizer:    "sgd",
		LearningRate: 0.001,
		Momentum:     0.9,
		ImageSize:    28,
		PerClass:     20,
		Hidden:       64,
		Blocks:       4,
		Seed:         1,
		Device:       "auto",
	}
}

// Overrides captures CLI supplied values. Zero values leave the config alone.
type Overrides struct {
	TrainRoot      string
	EvalRoot       string
	N, K, Q        int
	NumEpisodes    int
	FrameSize      int
	EvalEpisodes   int
	LearningRate   float64
	Momentum       float64
	Seed           int64
	Device         string
	MetricsPath    string
	CheckpointPath string
	// Progress is applied only when set.
	Progress *bool
}

// Load reads a key: value file on top of Default and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config")
	}
	defer f.Close()

	cfg := Default()
	if err := cfg.parse(f); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates c using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v > 0 {
			*dst = v
		}
	}
	setString(&c.TrainRoot, o.TrainRoot)
	setString(&c.EvalRoot, o.EvalRoot)
	setString(&c.Device, o.Device)
	setString(&c.MetricsPath, o.MetricsPath)
	setString(&c.CheckpointPath, o.CheckpointPath)
	setInt(&c.N, o.N)
	setInt(&c.K, o.K)
	setInt(&c.Q, o.Q)
	setInt(&c.NumEpisodes, o.NumEpisodes)
	setInt(&c.FrameSize, o.FrameSize)
	setInt(&c.EvalEpisodes, o.EvalEpisodes)
	if o.LearningRate > 0 {
		c.LearningRate = o.LearningRate
	}
	if o.Momentum > 0 {
		c.Momentum = o.Momentum
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Progress != nil {
		c.Progress = *o.Progress
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.TrainRoot == "" {
		return errors.New("train_root must be set")
	}
	positive := []struct {
		name  string
		value int
	}{
		{"n", c.N}, {"k", c.K}, {"q", c.Q},
		{"num_episodes", c.NumEpisodes}, {"frame_size", c.FrameSize},
		{"image_size", c.ImageSize}, {"per_class", c.PerClass},
		{"hidden", c.Hidden}, {"blocks", c.Blocks},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("%s must be > 0 (got %d)", p.name, p.value)
		}
	}
	if c.K+c.Q > c.PerClass {
		return errors.Errorf("k+q = %d exceeds per_class %d", c.K+c.Q, c.PerClass)
	}
	if c.EvalRoot != "" {
		if c.EvalN <= 0 || c.EvalK <= 0 || c.EvalQ <= 0 || c.EvalEpisodes <= 0 {
			return errors.Errorf("eval_n, eval_k, eval_q and eval_episodes must be > 0 when eval_root is set")
		}
		if c.EvalK+c.EvalQ > c.PerClass {
			return errors.Errorf("eval_k+eval_q = %d exceeds per_class %d", c.EvalK+c.EvalQ, c.PerClass)
		}
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("lr must be > 0 (got %g)", c.LearningRate)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return errors.Errorf("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	switch strings.ToLower(c.Optimizer) {
	case "sgd", "adam":
	default:
		return errors.Errorf("unknown optimizer %q", c.Optimizer)
	}
	if c.MaxGradNorm < 0 || c.CheckpointEvery < 0 || c.NumWorkers < 0 || c.CacheSize < 0 {
		return errors.New("max_grad_norm, checkpoint_every, num_workers and cache_size must not be negative")
	}
	if c.CheckpointEvery > 0 && c.CheckpointPath == "" {
		return errors.New("checkpoint_every requires checkpoint")
	}
	return nil
}

func (c *Config) parse(r io.Reader) error {
	strs := map[string]*string{
		"train_root": &c.TrainRoot, "eval_root": &c.EvalRoot,
		"optimizer": &c.Optimizer, "scheduler": &c.Scheduler, "device": &c.Device,
		"metrics": &c.MetricsPath, "checkpoint": &c.CheckpointPath,
	}
	ints := map[string]*int{
		"n": &c.N, "k": &c.K, "q": &c.Q,
		"eval_n": &c.EvalN, "eval_k": &c.EvalK, "eval_q": &c.EvalQ, "eval_episodes": &c.EvalEpisodes,
		"num_episodes": &c.NumEpisodes, "frame_size": &c.FrameSize,
		"image_size": &c.ImageSize, "per_class": &c.PerClass, "hidden": &c.Hidden, "blocks": &c.Blocks,
		"num_workers": &c.NumWorkers, "cache_size": &c.CacheSize, "checkpoint_every": &c.CheckpointEvery,
	}
	floats := map[string]*float64{
		"lr": &c.LearningRate, "momentum": &c.Momentum, "max_grad_norm": &c.MaxGradNorm,
	}
	bools := map[string]*bool{
		"fail_on_nan": &c.FailOnNaN, "invert": &c.Invert, "progress": &c.Progress,
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return errors.Errorf("line %d: missing ':'", lineNo)
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "\"'")

		var err error
		if dst, ok := strs[key]; ok {
			*dst = value
		} else if dst, ok := ints[key]; ok {
			*dst, err = strconv.Atoi(value)
		} else if dst, ok := floats[key]; ok {
			*dst, err = strconv.ParseFloat(value, 64)
		} else if dst, ok := bools[key]; ok {
			*dst, err = strconv.ParseBool(value)
		} else if key == "seed" {
			c.Seed, err = strconv.ParseInt(value, 10, 64)
		} else {
			return errors.Errorf("line %d: unknown key %s", lineNo, key)
		}
		if err != nil {
			return errors.Wrapf(err, "line %d: %s", lineNo, key)
		}
	}
	return scanner.Err()
}
