package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/pipeprop/internal/backend/cpu"
	"github.com/born-ml/pipeprop/internal/config"
	"github.com/born-ml/pipeprop/internal/dist"
	"github.com/born-ml/pipeprop/internal/layers"
	"github.com/born-ml/pipeprop/internal/loss"
	"github.com/born-ml/pipeprop/internal/optim"
	"github.com/born-ml/pipeprop/internal/parallel"
	"github.com/born-ml/pipeprop/internal/pipeline"
	"github.com/born-ml/pipeprop/internal/tensor"
)

func newOptimizer(t config.TrainingConfig, params []*layers.Parameter) (optim.Optimizer, error) {
	switch t.Optimizer {
	case "sgd":
		return optim.NewSGD(params, optim.SGDConfig{LR: t.LR, Momentum: t.Momentum}), nil
	case "adam":
		return optim.NewAdam(params, optim.AdamConfig{LR: t.LR}), nil
	}
	return nil, errors.Wrapf(config.ErrInvalidConfig, "unknown optimizer %q", t.Optimizer)
}

// report is what a rank observed during training.
type report struct {
	Steps    int
	LastLoss float64 // only set on the rank that computes the loss
	HasLoss  bool
}

// train runs the configured training loop on the rank behind tr.
func train(ctx context.Context, cfg *config.Config, tr dist.Transport, resume bool) (report, error) {
	var rep report
	rank := tr.Rank()

	dev, err := cfg.TensorDevice()
	if err != nil {
		return rep, err
	}
	backend := cpu.NewWithConfig(cpu.Config{Device: dev, Seed: cfg.Seed, Parallel: parallel.DefaultConfig()})
	defer backend.Close()

	// Every rank builds the whole model from the shared seed so that its
	// slice is initialized exactly as in the undivided model.
	all, err := cfg.BuildLayers(backend)
	if err != nil {
		return rep, err
	}
	start, end, err := cfg.StageRange(rank)
	if err != nil {
		return rep, err
	}
	m, err := pipeline.NewModel(pipeline.Config{
		Name:       cfg.Name,
		Session:    cfg.Pipeline.Session,
		FirstLayer: start,
	}, tr, backend, all[start:end]...)
	if err != nil {
		return rep, err
	}
	opt, err := newOptimizer(cfg.Training, m.Parameters())
	if err != nil {
		return rep, err
	}
	lf, err := loss.New(cfg.Training.Loss, backend)
	if err != nil {
		return rep, err
	}

	var ckpt string
	if dir := cfg.Training.CheckpointDir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return rep, errors.Wrap(err, "failed to create checkpoint directory")
		}
		ckpt = pipeline.CheckpointPath(dir, cfg.Name, rank)
		if resume {
			if err := m.Load(ckpt, opt); err != nil {
				return rep, err
			}
			klog.Infof("rank %d: resumed from %s", rank, ckpt)
		}
	}

	role := m.Role()
	task := newSyntheticTask(cfg.Seed, cfg.Model.InputShape)
	m.SetTraining(true)

	for step := 0; step < cfg.Training.Steps; step++ {
		var sample, x *tensor.Tensor
		if role != pipeline.Interior {
			sample = task.Next()
		}
		if role == pipeline.First || role == pipeline.Solo {
			x = backend.Transfer(sample)
		}

		var y *tensor.Tensor
		if step == 0 {
			y, err = m.InitialPass(ctx, x)
		} else {
			y, err = m.Forward(ctx, x)
		}
		if err != nil {
			return rep, err
		}

		var dOut *tensor.Tensor
		if role == pipeline.Last || role == pipeline.Solo {
			target, err := task.Target(sample, y.Shape(), cfg.Training.Loss, backend)
			if err != nil {
				return rep, err
			}
			rep.LastLoss = loss.Mean(lf.Loss(y, target))
			rep.HasLoss = true
			dOut = backend.Scale(lf.Gradient(y, target), 1/float64(y.Shape()[0]))
			if every := cfg.Training.LogEvery; every > 0 && (step%every == 0 || step == cfg.Training.Steps-1) {
				klog.Infof("step %d/%d: loss %.6f", step+1, cfg.Training.Steps, rep.LastLoss)
			}
		}

		if _, err := m.Backward(ctx, dOut); err != nil {
			return rep, err
		}
		if err := m.Update(ctx, opt); err != nil {
			return rep, err
		}
		rep.Steps++

		if ckpt != "" && cfg.Training.CheckpointEvery > 0 && (step+1)%cfg.Training.CheckpointEvery == 0 {
			if err := m.Save(ckpt, opt); err != nil {
				return rep, err
			}
		}
	}

	if ckpt != "" {
		if err := m.Save(ckpt, opt); err != nil {
			return rep, err
		}
		klog.V(1).Infof("rank %d: final checkpoint %s", rank, ckpt)
	}
	return rep, nil
}
