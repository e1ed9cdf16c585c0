package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	arg "github.com/alexflint/go-arg"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sugarme/gotch"
	"github.com/sugarme/gotch/nn"

	"cropseg/internal/backbone"
	"cropseg/internal/config"
	"cropseg/internal/dataset"
	"cropseg/internal/explog"
	"cropseg/internal/logging"
	"cropseg/internal/segmod"
	"cropseg/internal/submission"
	"cropseg/internal/trainer"
)

const valFraction = 0.1

type trainCmd struct {
	Config     string `arg:"--config" default:"configs/train.yaml" help:"path to YAML config"`
	DataRoot   string `arg:"--data-root" help:"override dataset root"`
	RunDir     string `arg:"--run-dir" help:"override experiment run directory"`
	Epochs     int    `arg:"--epochs" help:"override number of epochs"`
	BatchSize  int    `arg:"--batch-size" help:"override batch size"`
	NumWorkers int    `arg:"--num-workers" help:"override data loader workers"`
	Seed       int64  `arg:"--seed" help:"override PRNG seed"`
	LogEvery   int    `arg:"--log-every" help:"override logging cadence"`
}

type predictCmd struct {
	Config   string `arg:"--config" default:"configs/train.yaml" help:"path to YAML config"`
	DataRoot string `arg:"--data-root" help:"override dataset root"`
	Manifest string `arg:"--manifest" help:"override test manifest CSV"`
	Weights  string `arg:"--weights,required" help:"trained weights to load"`
	OutDir   string `arg:"--out" default:"submission" help:"output directory"`
}

func main() {
	var args struct {
		Train   *trainCmd   `arg:"subcommand:train" help:"train the segmentation model"`
		Predict *predictCmd `arg:"subcommand:predict" help:"predict test masks and write a submission"`
	}
	p := arg.MustParse(&args)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch {
	case args.Train != nil:
		err = runTrain(ctx, args.Train)
	case args.Predict != nil:
		err = runPredict(ctx, args.Predict)
	default:
		p.Fail("a subcommand is required")
	}
	if err != nil {
		log.Fatal().Err(err).Msg("cropseg failed")
	}
}

func loadConfig(path string, o config.Overrides) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyOverrides(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildModule(cfg *config.Config, device gotch.Device, run *explog.Run) (*nn.VarStore, *segmod.Module, error) {
	vs := nn.NewVarStore(device)
	module, err := segmod.NewUNet(vs, backbone.Config{
		NumClasses:    int64(cfg.NumClasses),
		NumLayers:     int64(cfg.NumLayers),
		FeaturesStart: int64(cfg.FeaturesStart),
		Bilinear:      cfg.Bilinear,
		InputChannels: 3,
	}, segmod.Params{
		NumClasses:   cfg.NumClasses,
		LearningRate: cfg.LearningRate,
		TMax:         cfg.TMax,
		Device:       device,
		Run:          run,
	})
	if err != nil {
		return nil, nil, err
	}
	return vs, module, nil
}

func runTrain(ctx context.Context, cmd *trainCmd) error {
	cfg, err := loadConfig(cmd.Config, config.Overrides{
		DataRoot:   cmd.DataRoot,
		RunDir:     cmd.RunDir,
		Epochs:     cmd.Epochs,
		BatchSize:  cmd.BatchSize,
		NumWorkers: cmd.NumWorkers,
		Seed:       cmd.Seed,
		LogEvery:   cmd.LogEvery,
	})
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)

	refs, err := dataset.DiscoverPairs(cfg.DataRoot)
	if err != nil {
		return err
	}
	trainRefs, valRefs := dataset.SplitRefs(refs, valFraction, cfg.Seed)
	log.Info().Int("train", len(trainRefs)).Int("val", len(valRefs)).Msg("dataset split")

	trainLoader, err := dataset.NewLoader(trainRefs, dataset.LoaderOptions{
		BatchSize:  cfg.BatchSize,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
		Shuffle:    true,
	})
	if err != nil {
		return err
	}
	var valLoader *dataset.Loader
	if len(valRefs) > 0 {
		valLoader, err = dataset.NewLoader(valRefs, dataset.LoaderOptions{
			BatchSize:  cfg.BatchSize,
			NumWorkers: cfg.NumWorkers,
			Seed:       cfg.Seed,
		})
		if err != nil {
			return err
		}
	}

	run, err := explog.NewRun(cfg.RunDir, submission.ClassLabels)
	if err != nil {
		return err
	}
	defer run.Close()
	log.Info().Str("run_id", run.ID()).Str("dir", run.Dir()).Msg("experiment run")

	device := gotch.CudaIfAvailable()
	vs, module, err := buildModule(cfg, device, run)
	if err != nil {
		return err
	}
	opt, sched, err := module.ConfigureOptimizers()
	if err != nil {
		return err
	}

	fitter, err := trainer.NewFitter(module, opt, sched, trainer.Options{
		Epochs:   cfg.Epochs,
		LogEvery: cfg.LogEvery,
	})
	if err != nil {
		return err
	}
	if err := fitter.Fit(ctx, trainLoader, valLoader); err != nil {
		return err
	}

	weights := filepath.Join(run.Dir(), "weights.bin")
	if err := vs.Save(weights); err != nil {
		return err
	}
	log.Info().Str("weights", weights).Msg("training complete")
	return nil
}

func runPredict(ctx context.Context, cmd *predictCmd) error {
	cfg, err := loadConfig(cmd.Config, config.Overrides{
		DataRoot:     cmd.DataRoot,
		TestManifest: cmd.Manifest,
	})
	if err != nil {
		return err
	}
	logging.Init(cfg.LogLevel)
	if cfg.TestManifest == "" {
		return errors.New("predict: test_manifest must be set")
	}

	refs, err := dataset.LoadManifest(cfg.DataRoot, cfg.TestManifest)
	if err != nil {
		return err
	}
	// the test pass expects single-sample batches
	loader, err := dataset.NewLoader(refs, dataset.LoaderOptions{
		BatchSize:  1,
		NumWorkers: cfg.NumWorkers,
		Seed:       cfg.Seed,
	})
	if err != nil {
		return err
	}

	device := gotch.CudaIfAvailable()
	vs, module, err := buildModule(cfg, device, nil)
	if err != nil {
		return err
	}
	if err := vs.Load(cmd.Weights); err != nil {
		return err
	}

	fitter, err := trainer.NewFitter(module, nil, nil, trainer.Options{
		Epochs:   1,
		LogEvery: cfg.LogEvery,
	})
	if err != nil {
		return err
	}
	set, err := fitter.Test(ctx, loader)
	if err != nil {
		return err
	}

	if err := submission.WriteDir(set, cmd.OutDir); err != nil {
		return err
	}
	log.Info().Int("predictions", len(set)).Str("dir", cmd.OutDir).Msg("submission written")
	return nil
}
