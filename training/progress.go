package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-protonet/layers"
)

// ProgressBar renders single-line episode progress.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to stderr.
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stderr, description, total)
}

// NewProgressBarTo creates a progress bar writing to out.
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		metrics:     make(map[string]float64),
	}
}

// Update advances the bar to episode and replaces the displayed metrics.
func (pb *ProgressBar) Update(episode int, metrics map[string]float64) {
	pb.current = episode
	pb.metrics = make(map[string]float64, len(metrics))
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// UpdateMetrics merges metrics without advancing.
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish draws the final state and ends the line.
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, "\r"+pb.line(time.Since(pb.startTime)))
}

func (pb *ProgressBar) line(elapsed time.Duration) string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1 {
		percentage = 1
	}
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("#", filled) + strings.Repeat(" ", pb.width-filled)

	var b strings.Builder
	fmt.Fprintf(&b, "%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)

	var eta time.Duration
	if percentage > 0 {
		eta = time.Duration(float64(elapsed)/percentage) - elapsed
	}
	fmt.Fprintf(&b, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	if pb.current > 0 && elapsed > 0 {
		fmt.Fprintf(&b, ", %.2fepisode/s", float64(pb.current)/elapsed.Seconds())
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			fmt.Fprintf(&b, ", %s=%.2f%%", key, value*100)
		} else {
			fmt.Fprintf(&b, ", %s=%.4f", key, value)
		}
	}
	b.WriteString("]")
	return b.String()
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints an embedding network layer by layer.
type ModelArchitecturePrinter struct {
	modelName string
}

func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{modelName: modelName}
}

// PrintArchitecture writes the layer list and a size summary to w.
func (p *ModelArchitecturePrinter) PrintArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "Model Architecture:\n")
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(w, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Embedding size: %d\n", modelSpec.EmbeddingSize())
	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(w, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(w, "Estimated Total Size (MB): %.3f\n\n", estimateTotalSize(modelSpec))
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.Dense:
		return p.formatDense(layer)
	case layers.MaxPool2D:
		k := intParam(layer.Parameters, "kernel_size")
		s := intParam(layer.Parameters, "stride")
		if s == 0 {
			s = k
		}
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d)", layer.Name, k, s)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.Flatten:
		return fmt.Sprintf("(%s): Flatten()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	inChannels := intParam(layer.Parameters, "input_channels")
	outChannels := intParam(layer.Parameters, "output_channels")
	kernelSize := intParam(layer.Parameters, "kernel_size")
	stride := intParam(layer.Parameters, "stride")
	padding := intParam(layer.Parameters, "padding")
	useBias, _ := layer.Parameters["use_bias"].(bool)

	return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
		layer.Name, inChannels, outChannels, kernelSize, kernelSize, stride, stride, padding, padding, useBias)
}

func (p *ModelArchitecturePrinter) formatDense(layer layers.LayerSpec) string {
	inFeatures := intParam(layer.Parameters, "input_size")
	outFeatures := intParam(layer.Parameters, "output_size")
	useBias, _ := layer.Parameters["use_bias"].(bool)

	return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
		layer.Name, inFeatures, outFeatures, useBias)
}

// intParam reads an integer parameter that may have been decoded from JSON.
func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates tensor size in MB
func calculateInputSize(shape []int) float64 {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize doubles the largest activation plus input and output.
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(modelSpec.InputShape)
	outputSize := calculateInputSize(modelSpec.OutputShape)

	maxIntermediateSize := inputSize
	for _, layer := range modelSpec.Layers {
		if len(layer.OutputShape) > 0 {
			if s := calculateInputSize(layer.OutputShape); s > maxIntermediateSize {
				maxIntermediateSize = s
			}
		}
	}
	return (inputSize + outputSize + maxIntermediateSize) * 2
}

func estimateTotalSize(modelSpec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(modelSpec.InputShape)
	paramsSize := float64(modelSpec.TotalParameters*4) / 1024 / 1024
	return inputSize + paramsSize + estimateForwardBackwardSize(modelSpec)
}
