// Command protonet trains a prototypical network on an Omniglot-style image
// tree and evaluates it on a held-out tree.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"

	"github.com/tsawler/go-protonet/checkpoints"
	"github.com/tsawler/go-protonet/config"
	"github.com/tsawler/go-protonet/device"
	"github.com/tsawler/go-protonet/fewshot"
	"github.com/tsawler/go-protonet/layers"
	"github.com/tsawler/go-protonet/optimizer"
	"github.com/tsawler/go-protonet/training"
	"github.com/tsawler/go-protonet/vision/dataloader"
	"github.com/tsawler/go-protonet/vision/dataset"
)

func main() {
	cfgPath := flag.String("config", "", "Path to key: value config file")
	trainRoot := flag.String("train", "", "Training image root (images_background)")
	evalRoot := flag.String("eval", "", "Evaluation image root (images_evaluation)")
	n := flag.Int("n", 0, "Classes per training episode")
	k := flag.Int("k", 0, "Support examples per class")
	q := flag.Int("q", 0, "Query examples per class")
	episodes := flag.Int("episodes", 0, "Number of training episodes")
	frame := flag.Int("frame", 0, "Episodes per reporting frame")
	lr := flag.Float64("lr", 0, "Learning rate")
	momentum := flag.Float64("momentum", 0, "SGD momentum")
	seed := flag.Int64("seed", 0, "PRNG seed")
	dev := flag.String("device", "", "Compute device: auto, cpu or accelerated")
	metrics := flag.String("metrics", "", "Metrics file (.csv or .jsonl)")
	checkpoint := flag.String("checkpoint", "", "Checkpoint file (.json or .pb)")
	resume := flag.String("resume", "", "Resume from this checkpoint")
	evalEpisodes := flag.Int("eval-episodes", 0, "Number of evaluation episodes")
	progress := flag.Bool("progress", false, "Show a progress bar")
	verbose := flag.Bool("verbose", false, "Also log every metric scalar")

	flag.Parse()
	log.SetOutput(os.Stdout)

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = loaded
	}

	overrides := config.Overrides{
		TrainRoot:      *trainRoot,
		EvalRoot:       *evalRoot,
		N:              *n,
		K:              *k,
		Q:              *q,
		NumEpisodes:    *episodes,
		FrameSize:      *frame,
		EvalEpisodes:   *evalEpisodes,
		LearningRate:   *lr,
		Momentum:       *momentum,
		Seed:           *seed,
		Device:         *dev,
		MetricsPath:    *metrics,
		CheckpointPath: *checkpoint,
	}
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "progress" {
			overrides.Progress = progress
		}
	})
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *resume, *verbose); err != nil {
		log.Fatalf("protonet failed: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, resumePath string, verbose bool) error {
	caps, err := device.Resolve(cfg.Device)
	if err != nil {
		return err
	}
	caps.Apply()
	log.Printf("device=%s", caps)

	workers := cfg.NumWorkers
	if workers == 0 {
		workers = caps.Workers
	}
	var cache *dataloader.CacheManager
	if cfg.CacheSize > 0 {
		cache = dataloader.NewCacheManager(cfg.CacheSize, cfg.ImageSize*cfg.ImageSize)
	}
	poolOpts := dataset.PoolOptions{
		ImageSize:  cfg.ImageSize,
		PerClass:   cfg.PerClass,
		Invert:     cfg.Invert,
		NumWorkers: workers,
		Cache:      cache,
	}

	trainPool, err := dataset.LoadPool(cfg.TrainRoot, poolOpts)
	if err != nil {
		return errors.Wrap(err, "load training images")
	}
	log.Printf("root=%s classes=%d per_class=%d", cfg.TrainRoot, trainPool.NumClasses(), trainPool.PerClass())

	var evalPool *fewshot.Pool
	if cfg.EvalRoot != "" {
		evalPool, err = dataset.LoadPool(cfg.EvalRoot, poolOpts)
		if err != nil {
			return errors.Wrap(err, "load evaluation images")
		}
		log.Printf("root=%s classes=%d per_class=%d", cfg.EvalRoot, evalPool.NumClasses(), evalPool.PerClass())
	}
	if cache != nil {
		log.Print(cache.Stats())
	}

	spec, err := layers.DefaultProtoNetSpec(1, cfg.ImageSize, cfg.ImageSize, cfg.Hidden, cfg.Blocks)
	if err != nil {
		return errors.Wrap(err, "build embedding network")
	}
	net, err := layers.NewNetwork(spec, rand.New(rand.NewSource(cfg.Seed)), caps.Kind)
	if err != nil {
		return err
	}
	if cfg.Progress {
		training.NewModelArchitecturePrinter("ProtoNet").PrintArchitecture(os.Stdout, spec)
	}

	opt, err := optimizer.New(cfg.Optimizer, float32(cfg.LearningRate), float32(cfg.Momentum), net.Parameters())
	if err != nil {
		return err
	}
	scheduler, err := training.ParseScheduler(cfg.Scheduler)
	if err != nil {
		return err
	}

	sink, err := training.OpenSink(cfg.MetricsPath)
	if err != nil {
		return err
	}
	if verbose {
		sink = training.MultiSink{sink, training.NewLogSink(nil)}
	}

	driver := &training.Driver{
		Learner: &fewshot.Learner{
			Model:     net,
			Optimizer: opt,
			Sampler:   fewshot.NewSampler(cfg.Seed),
			N:         cfg.N,
			K:         cfg.K,
			Q:         cfg.Q,
			Options:   fewshot.StepOptions{MaxGradNorm: cfg.MaxGradNorm, FailOnNaN: cfg.FailOnNaN},
		},
		Pool: trainPool,
		Config: training.DriverConfig{
			NumEpisodes:  cfg.NumEpisodes,
			FrameSize:    cfg.FrameSize,
			EvalEpisodes: cfg.EvalEpisodes,
			EvalN:        cfg.EvalN,
			EvalK:        cfg.EvalK,
			EvalQ:        cfg.EvalQ,
			BaseLR:       cfg.LearningRate,
			Scheduler:    scheduler,
		},
		Sink: sink,
	}
	if cfg.Progress {
		driver.Config.Progress = os.Stderr
	}
	if cfg.CheckpointPath != "" {
		driver.Checkpoints, err = training.NewCheckpointManager(training.CheckpointConfig{
			Path:        cfg.CheckpointPath,
			Every:       cfg.CheckpointEvery,
			Description: "prototypical network " + cfg.TrainRoot,
		}, net, opt)
		if err != nil {
			return err
		}
	}

	if resumePath != "" {
		cp, err := checkpoints.Load(resumePath)
		if err != nil {
			return err
		}
		if err := driver.Resume(cp); err != nil {
			return err
		}
		driver.Learner.Sampler = fewshot.NewSampler(cfg.Seed + int64(driver.Config.StartEpisode))
		log.Printf("resumed=%s episode=%d frame=%d", resumePath, cp.TrainingState.Episode, cp.TrainingState.Frame)
	}

	summary, err := driver.Run(ctx)
	if err != nil {
		_ = sink.Close()
		return err
	}
	log.Printf("done episodes=%d frames=%d best_loss=%.4f best_accuracy=%.4f duration=%s",
		summary.Episodes, summary.Frames, summary.BestFrameLoss, summary.BestFrameAccuracy, summary.Duration)

	if evalPool != nil {
		if _, err := driver.Evaluate(ctx, evalPool, 0); err != nil {
			_ = sink.Close()
			return err
		}
	}
	return sink.Close()
}
