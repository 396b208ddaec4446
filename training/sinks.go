package training

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// MetricSink receives scalar metrics. A sink is created by the caller at run
// start, handed to the driver, and flushed and closed by the caller at run end.
// AddScalar never blocks on I/O; write errors surface from Flush or Close.
type MetricSink interface {
	AddScalar(name string, value float64, step int)
	Flush() error
	Close() error
}

// Scalar is one recorded metric value.
type Scalar struct {
	Name  string  `json:"name"`
	Step  int     `json:"step"`
	Value float64 `json:"value"`
}

// OpenSink creates a file sink chosen by extension: .csv or .jsonl. An empty
// path discards metrics.
func OpenSink(path string) (MetricSink, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case "":
		if path == "" {
			return Discard, nil
		}
	case ".csv":
		return NewCSVSink(path)
	case ".jsonl", ".ndjson":
		return NewJSONLSink(path)
	}
	return nil, errors.Errorf("unsupported metrics file %q (use .csv or .jsonl)", path)
}

// Discard drops every metric.
var Discard MetricSink = discardSink{}

type discardSink struct{}

func (discardSink) AddScalar(string, float64, int) {}
func (discardSink) Flush() error                  { return nil }
func (discardSink) Close() error                  { return nil }

// LogSink writes each scalar as a key=value line to a logger.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink returns a sink writing to logger, or to the standard logger when nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) AddScalar(name string, value float64, step int) {
	s.logger.Printf("metric=%s step=%d value=%.6f", name, step, value)
}

func (s *LogSink) Flush() error { return nil }
func (s *LogSink) Close() error { return nil }

// CSVSink appends name,step,value rows to a file.
type CSVSink struct {
	mu   sync.Mutex
	file *os.File
	w    *csv.Writer
	err  error
}

// NewCSVSink creates path and writes the header row.
func NewCSVSink(path string) (*CSVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics file")
	}
	s := &CSVSink{file: f, w: csv.NewWriter(f)}
	s.err = s.w.Write([]string{"name", "step", "value"})
	return s, nil
}

func (s *CSVSink) AddScalar(name string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.w.Write([]string{name, strconv.Itoa(step), strconv.FormatFloat(value, 'g', -1, 64)})
}

func (s *CSVSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	if s.err == nil {
		s.err = s.w.Error()
	}
	return errors.Wrap(s.err, "write metrics")
}

func (s *CSVSink) Close() error {
	flushErr := s.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return errors.Wrap(closeErr, "close metrics file")
}

// JSONLSink writes one JSON object per scalar.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	buf  *bufio.Writer
	enc  *json.Encoder
	err  error
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics file")
	}
	buf := bufio.NewWriter(f)
	return &JSONLSink{file: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (s *JSONLSink) AddScalar(name string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = s.enc.Encode(Scalar{Name: name, Step: step, Value: value})
}

func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = s.buf.Flush()
	}
	return errors.Wrap(s.err, "write metrics")
}

func (s *JSONLSink) Close() error {
	flushErr := s.Flush()
	closeErr := s.file.Close()
	if flushErr != nil {
		return flushErr
	}
	return errors.Wrap(closeErr, "close metrics file")
}

// MemorySink keeps scalars in memory.
type MemorySink struct {
	mu      sync.Mutex
	scalars []Scalar
	closed  bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) AddScalar(name string, value float64, step int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scalars = append(s.scalars, Scalar{Name: name, Step: step, Value: value})
}

func (s *MemorySink) Flush() error { return nil }

func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MemorySink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Values returns the scalars recorded under name, in insertion order.
func (s *MemorySink) Values(name string) []Scalar {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Scalar
	for _, sc := range s.scalars {
		if sc.Name == name {
			out = append(out, sc)
		}
	}
	return out
}

// MultiSink fans every call out to several sinks.
type MultiSink []MetricSink

func (m MultiSink) AddScalar(name string, value float64, step int) {
	for _, s := range m {
		s.AddScalar(name, value, step)
	}
}

// Flush flushes every sink and returns the first error.
func (m MultiSink) Flush() error {
	var first error
	for _, s := range m {
		if err := s.Flush(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Close closes every sink and returns the first error.
func (m MultiSink) Close() error {
	var first error
	for _, s := range m {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
