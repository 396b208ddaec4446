package training

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/fewshot"
)

// DriverConfig fixes the shape of a run. N, K and Q live on the learner.
type DriverConfig struct {
	NumEpisodes int
	FrameSize   int
	// StartEpisode is the global index of the first episode, non-zero on resume.
	StartEpisode int

	EvalEpisodes        int
	EvalN, EvalK, EvalQ int

	BaseLR    float64
	Scheduler LRScheduler

	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

// Validate checks the episode and frame counts.
func (c DriverConfig) Validate() error {
	if c.NumEpisodes < 0 {
		return errors.Errorf("num episodes must be non-negative, got %d", c.NumEpisodes)
	}
	if c.FrameSize < 1 {
		return errors.Errorf("frame size must be positive, got %d", c.FrameSize)
	}
	if c.StartEpisode < 0 || c.StartEpisode > c.NumEpisodes {
		return errors.Errorf("start episode %d outside [0, %d]", c.StartEpisode, c.NumEpisodes)
	}
	return nil
}

// Driver runs the episodic training loop and the evaluation phase.
type Driver struct {
	Learner *fewshot.Learner
	Pool    *fewshot.Pool
	Config  DriverConfig

	// Sink receives frame and evaluation metrics. Nil discards them.
	Sink MetricSink
	// Checkpoints writes periodic and final checkpoints when set.
	Checkpoints *CheckpointManager
	Logger      *log.Logger

	frame   int
	best    bestFrame
	history []FrameSnapshot
}

type bestFrame struct {
	set      bool
	loss     float64
	accuracy float64
}

func (b *bestFrame) observe(s FrameSnapshot) {
	if !b.set || s.Loss < b.loss {
		b.loss = s.Loss
	}
	if !b.set || s.Accuracy > b.accuracy {
		b.accuracy = s.Accuracy
	}
	b.set = true
}

// Summary reports a training run.
type Summary struct {
	Episodes          int
	NextEpisode       int
	Frames            int
	BestFrameLoss     float64
	BestFrameAccuracy float64
	LastFrame         FrameSnapshot
	LearningRate      float64
	Duration          time.Duration
}

// EvalSummary reports an evaluation phase.
type EvalSummary struct {
	Episodes int
	Loss     float64
	Accuracy float64
	// CI95 is the half-width of the 95% confidence interval of the accuracy.
	CI95 float64
}

type rateSetter interface {
	UpdateLearningRate(lr float32)
	GetLearningRate() float32
}

func (d *Driver) logger() *log.Logger {
	if d.Logger == nil {
		return log.Default()
	}
	return d.Logger
}

func (d *Driver) sink() MetricSink {
	if d.Sink == nil {
		return Discard
	}
	return d.Sink
}

// Frames returns the frame snapshots emitted by Run, in order.
func (d *Driver) Frames() []FrameSnapshot { return d.history }

// Run executes episodes StartEpisode..NumEpisodes-1. A frame closes after every
// FrameSize episodes, counted globally; a trailing partial frame is not emitted.
// On cancellation or failure the partial summary is returned with the error.
func (d *Driver) Run(ctx context.Context) (*Summary, error) {
	if err := d.Config.Validate(); err != nil {
		return nil, err
	}
	if d.Learner == nil || d.Pool == nil {
		return nil, errors.New("driver requires a learner and a training pool")
	}

	cfg := d.Config
	start := time.Now()
	d.frame = cfg.StartEpisode / cfg.FrameSize
	d.applySchedule()

	var bar *ProgressBar
	if cfg.Progress != nil {
		bar = NewProgressBarTo(cfg.Progress, "Training", cfg.NumEpisodes)
	}

	summary := &Summary{NextEpisode: cfg.StartEpisode}
	finish := func() *Summary {
		summary.Frames = d.frame
		summary.Duration = time.Since(start)
		summary.BestFrameLoss = d.best.loss
		summary.BestFrameAccuracy = d.best.accuracy
		summary.LearningRate = d.learningRate()
		return summary
	}

	var acc Frame
	for episode := cfg.StartEpisode; episode < cfg.NumEpisodes; episode++ {
		if err := ctx.Err(); err != nil {
			return finish(), errors.Wrapf(err, "training stopped before episode %d", episode)
		}

		began := time.Now()
		res, err := d.Learner.TrainEpisode(ctx, d.Pool)
		if err != nil {
			return finish(), errors.Wrapf(err, "episode %d", episode)
		}
		acc.Record(res.LossValue, res.Accuracy, time.Since(began))
		summary.Episodes++
		summary.NextEpisode = episode + 1

		if bar != nil {
			loss, accuracy := acc.Mean()
			bar.Update(episode+1, map[string]float64{"loss": loss, "accuracy": accuracy})
		}

		if (episode+1)%cfg.FrameSize != 0 {
			continue
		}
		snap := acc.Snapshot()
		if err := d.closeFrame((episode+1)/cfg.FrameSize, episode+1, snap); err != nil {
			return finish(), err
		}
		summary.LastFrame = snap
	}
	if bar != nil {
		bar.Finish()
	}

	if d.Checkpoints != nil {
		if err := d.Checkpoints.Save(d.trainingState(cfg.NumEpisodes)); err != nil {
			return finish(), errors.Wrap(err, "final checkpoint")
		}
	}
	return finish(), nil
}

func (d *Driver) closeFrame(frame, nextEpisode int, snap FrameSnapshot) error {
	d.frame = frame
	d.best.observe(snap)
	d.history = append(d.history, snap)

	sink := d.sink()
	sink.AddScalar("frame_loss", snap.Loss, frame)
	sink.AddScalar("frame_accuracy", snap.Accuracy, frame)
	sink.AddScalar("learning_rate", d.learningRate(), frame)
	if err := sink.Flush(); err != nil {
		return errors.Wrapf(err, "frame %d", frame)
	}

	d.logger().Printf("frame=%d episode=%d loss=%.4f accuracy=%.4f lr=%.6g episodes_per_sec=%.2f",
		frame, nextEpisode, snap.Loss, snap.Accuracy, d.learningRate(), snap.EpisodesPerSec)

	if obs, ok := d.Config.Scheduler.(MetricObserver); ok {
		obs.Observe(snap.Loss)
	}
	d.applySchedule()

	if d.Checkpoints != nil && d.Checkpoints.Due(frame) {
		if err := d.Checkpoints.Save(d.trainingState(nextEpisode)); err != nil {
			return errors.Wrapf(err, "checkpoint at frame %d", frame)
		}
	}
	return nil
}

func (d *Driver) applySchedule() {
	if d.Config.Scheduler == nil || d.Config.BaseLR <= 0 {
		return
	}
	if rs, ok := d.Learner.Optimizer.(rateSetter); ok {
		rs.UpdateLearningRate(float32(d.Config.Scheduler.LearningRate(d.frame, d.Config.BaseLR)))
	}
}

func (d *Driver) learningRate() float64 {
	if rs, ok := d.Learner.Optimizer.(rateSetter); ok {
		return float64(rs.GetLearningRate())
	}
	return d.Config.BaseLR
}

func (d *Driver) trainingState(nextEpisode int) checkpoints.TrainingState {
	return checkpoints.TrainingState{
		Episode:           nextEpisode,
		Frame:             d.frame,
		LearningRate:      float32(d.learningRate()),
		BestFrameLoss:     float32(d.best.loss),
		BestFrameAccuracy: float32(d.best.accuracy),
		TotalEpisodes:     d.Config.NumEpisodes,
	}
}

// Resume restores a checkpoint into the learner and continues from its
// episode. The caller reseeds the sampler.
func (d *Driver) Resume(cp *checkpoints.Checkpoint) error {
	var opt StatefulOptimizer
	if so, ok := d.Learner.Optimizer.(StatefulOptimizer); ok {
		opt = so
	}
	if err := Restore(cp, d.Learner.Model, opt); err != nil {
		return err
	}
	d.Config.StartEpisode = cp.TrainingState.Episode
	if cp.TrainingState.Frame > 0 {
		d.best = bestFrame{
			set:      true,
			loss:     float64(cp.TrainingState.BestFrameLoss),
			accuracy: float64(cp.TrainingState.BestFrameAccuracy),
		}
	}
	return nil
}

// Evaluate scores evaluation-mode episodes drawn from pool with the configured
// evaluation N, K and Q, and emits eval_loss and eval_accuracy at the current
// frame. Zero episodes means Config.EvalEpisodes.
func (d *Driver) Evaluate(ctx context.Context, pool *fewshot.Pool, episodes int) (*EvalSummary, error) {
	if episodes == 0 {
		episodes = d.Config.EvalEpisodes
	}
	if episodes < 1 {
		return nil, errors.Errorf("evaluation needs at least one episode, got %d", episodes)
	}
	cfg := d.Config
	if err := fewshot.ValidateEpisodeConfig(pool, cfg.EvalN, cfg.EvalK, cfg.EvalQ); err != nil {
		return nil, err
	}

	var bar *ProgressBar
	if cfg.Progress != nil {
		bar = NewProgressBarTo(cfg.Progress, fmt.Sprintf("Eval %d-way %d-shot", cfg.EvalN, cfg.EvalK), episodes)
	}

	var lossSum, accSum, accSq float64
	for i := 0; i < episodes; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "evaluation stopped before episode %d", i)
		}
		res, err := d.Learner.EvalEpisode(ctx, pool, cfg.EvalN, cfg.EvalK, cfg.EvalQ)
		if err != nil {
			return nil, errors.Wrapf(err, "evaluation episode %d", i)
		}
		lossSum += res.LossValue
		accSum += res.Accuracy
		accSq += res.Accuracy * res.Accuracy
		if bar != nil {
			bar.Update(i+1, map[string]float64{"loss": lossSum / float64(i+1), "accuracy": accSum / float64(i+1)})
		}
	}
	if bar != nil {
		bar.Finish()
	}

	n := float64(episodes)
	out := &EvalSummary{Episodes: episodes, Loss: lossSum / n, Accuracy: accSum / n}
	if episodes > 1 {
		variance := (accSq - n*out.Accuracy*out.Accuracy) / (n - 1)
		if variance > 0 {
			out.CI95 = 1.96 * math.Sqrt(variance/n)
		}
	}

	sink := d.sink()
	sink.AddScalar("eval_loss", out.Loss, d.frame)
	sink.AddScalar("eval_accuracy", out.Accuracy, d.frame)
	if err := sink.Flush(); err != nil {
		return out, errors.Wrap(err, "evaluation metrics")
	}
	d.logger().Printf("eval episodes=%d way=%d shot=%d query=%d loss=%.4f accuracy=%.4f ci95=%.4f",
		episodes, cfg.EvalN, cfg.EvalK, cfg.EvalQ, out.Loss, out.Accuracy, out.CI95)
	return out, nil
}
