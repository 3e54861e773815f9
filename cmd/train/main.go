// Command train fits the convolutional classifier on a CSV-listed image
// dataset, checkpointing the best-so-far weights per metric as it goes.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/alexflint/go-arg"

	"github.com/seedlingcv/classifier/convnet"
	"github.com/seedlingcv/classifier/datasets"
	"github.com/seedlingcv/classifier/loader"
	"github.com/seedlingcv/classifier/optim"
	"github.com/seedlingcv/classifier/trainer"
	"github.com/seedlingcv/classifier/transform"
)

type args struct {
	TrainCSV string  `arg:"--train-csv,required" help:"CSV listing of the training split (path,class)"`
	ValidCSV string  `arg:"--valid-csv,required" help:"CSV listing of the validation split (path,class)"`
	SaveTo   string  `arg:"--save-to,required" help:"directory receiving the checkpoint files"`
	LoadFrom string  `arg:"--load-from" help:"directory holding model.gobz/optim.gobz to resume from"`
	Epochs   int     `arg:"--epochs" default:"10" help:"number of epochs to run"`
	BS       int     `arg:"--bs" default:"4" help:"batch size"`
	LR       float64 `arg:"--lr" default:"0.001" help:"learning rate"`
	Momentum float64 `arg:"--momentum" default:"0.9" help:"momentum (sgd only)"`
	Workers  int     `arg:"--workers" default:"2" help:"concurrent sample loads per batch, 0 = all cores"`
	ResizeTo int     `arg:"--resize-to" default:"256" help:"image resize target"`
	Seed     int64   `arg:"--seed" default:"0" help:"seed for shuffling and augmentation, 0 = time-based"`

	Optimizer         string `arg:"--optimizer" default:"adam" help:"adam or sgd"`
	Pretrained        bool   `arg:"--pretrained" help:"seed the backbone from pretrained weights"`
	PretrainedWeights string `arg:"--pretrained-weights" default:"pretrained.gobz" help:"pretrained weights file"`
}

func main() {
	var a args
	arg.MustParse(&a)
	if a.Seed == 0 {
		a.Seed = time.Now().UnixNano()
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	if err := os.MkdirAll(a.SaveTo, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create checkpoint directory %s: %v\n", a.SaveTo, err)
		os.Exit(1)
	}

	idx, err := datasets.Load(a.TrainCSV, a.ValidCSV)
	if err != nil {
		fatal(err)
	}
	logger.Printf("%d classes, %d train samples, %d valid samples",
		idx.Classes.Len(), len(idx.Train), len(idx.Valid))

	model := convnet.New(idx.Classes.Len())

	var opt trainer.Optimizer
	switch a.Optimizer {
	case "adam":
		opt = optim.NewAdam(model, a.LR)
	case "sgd":
		opt = optim.NewSGD(model, a.LR, a.Momentum)
	default:
		fatal(fmt.Errorf("unknown optimizer %q, want adam or sgd", a.Optimizer))
	}

	if err := initWeights(&a, model, opt, logger); err != nil {
		fatal(err)
	}

	train := loader.New(idx.Train, transform.NewTrain(a.Seed), loader.Config{
		BatchSize: a.BS,
		Workers:   a.Workers,
		Shuffle:   true,
		Seed:      a.Seed,
	})
	valid := loader.New(idx.Valid, transform.NewEval(), loader.Config{
		BatchSize: a.BS,
		Workers:   a.Workers,
	})

	t := trainer.New(model, opt, train, valid, &trainer.Slots{Dir: a.SaveTo}, trainer.Config{
		Epochs: a.Epochs,
		Log:    logger,
	})
	best, err := t.Run()
	if err != nil {
		fatal(err)
	}

	logger.Printf("Best train loss: %v", best.TrainLoss)
	logger.Printf("Best train acc: %v", best.TrainAcc)
	logger.Printf("Best valid loss: %v", best.ValidLoss)
	logger.Printf("Best valid acc: %v", best.ValidAcc)
	logger.Println("Done!")
}

// initWeights picks the starting point: resumed state when --load-from is
// given, falling back to pretrained backbone weights when the resume
// directory has no model file and --pretrained is set.
func initWeights(a *args, model *convnet.ConvNet, opt trainer.Optimizer, logger *log.Logger) error {
	if a.LoadFrom != "" {
		modelLoaded, _, err := trainer.Resume(a.LoadFrom, model, opt, logger)
		if err != nil {
			return err
		}
		if modelLoaded || !a.Pretrained {
			return nil
		}
	}
	if a.Pretrained {
		if err := model.LoadPretrainedFile(a.PretrainedWeights); err != nil {
			return err
		}
		logger.Printf("Loaded pretrained backbone from %s", a.PretrainedWeights)
	}
	return nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
