package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/urfave/cli/v2"

	"github.com/graft-ml/graft"
	"github.com/graft-ml/graft/checkpoint"
	"github.com/graft-ml/graft/compute"
	"github.com/graft-ml/graft/datasets"
	"github.com/graft-ml/graft/util"
)

var checkpointPrefix string
var checkpointEpoch int
var trainPath string
var valPath string
var outputPrefix string
var numClasses int
var cutLayer string
var inputShapeSpec string
var deviceSpec string
var batchSize int
var epochs int
var learningRate float64
var optimizerName string
var seed int64

var repoName string
var downloadDest string
var checkpointName string
var downloadEpoch int
var authToken string
var branch string

var finetuneCommand = &cli.Command{
	Name:  "finetune",
	Usage: "Fine-tune a pretrained checkpoint on a new dataset",
	Description: `Finetune loads a pretrained checkpoint pair, replaces its final
classification layer with a freshly initialized one sized for --classes, and
retrains it on the given record file. The result is written as a new
checkpoint pair under --output.
				`,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "checkpoint",
			Usage:       "Pretrained checkpoint prefix (expects <prefix>-symbol.json and <prefix>-<epoch>.params)",
			Aliases:     []string{"c"},
			Destination: &checkpointPrefix,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "epoch",
			Usage:       "Epoch tag of the pretrained parameter file",
			Destination: &checkpointEpoch,
			Value:       0,
		},
		&cli.StringFlag{
			Name:        "train",
			Usage:       "Path to the training record file",
			Aliases:     []string{"t"},
			Destination: &trainPath,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "val",
			Usage:       "Path to the validation record file. If omitted, no evaluation is run",
			Destination: &valPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Prefix for the fine-tuned checkpoint pair",
			Aliases:     []string{"o"},
			Destination: &outputPrefix,
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "classes",
			Usage:       "Number of classes in the new dataset",
			Aliases:     []string{"n"},
			Destination: &numClasses,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "cut",
			Usage:       "Layer to cut the pretrained network at; everything after it is replaced",
			Destination: &cutLayer,
			Value:       "flatten",
		},
		&cli.StringFlag{
			Name:        "inputShape",
			Usage:       "Per-image shape as height,width,channels",
			Destination: &inputShapeSpec,
			Value:       "224,224,3",
		},
		&cli.StringFlag{
			Name:        "devices",
			Usage:       "Devices to shard batches over, e.g. cpu or gpu:0,1",
			Aliases:     []string{"d"},
			Destination: &deviceSpec,
			Value:       "cpu",
		},
		&cli.IntFlag{
			Name:        "batchSize",
			Usage:       "Number of images per batch",
			Aliases:     []string{"b"},
			Destination: &batchSize,
			Value:       32,
		},
		&cli.IntFlag{
			Name:        "epochs",
			Usage:       "Number of epochs to train",
			Aliases:     []string{"e"},
			Destination: &epochs,
			Value:       5,
		},
		&cli.Float64Flag{
			Name:        "lr",
			Usage:       "Learning rate",
			Destination: &learningRate,
			Value:       0.01,
		},
		&cli.StringFlag{
			Name:        "optimizer",
			Usage:       "Optimizer: sgd or adam",
			Destination: &optimizerName,
			Value:       "sgd",
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "Seed for head initialization and data shuffling",
			Destination: &seed,
			Value:       42,
		},
	},
	Action: func(ctx *cli.Context) error {
		inputShape, err := parseInputShape(inputShapeSpec)
		if err != nil {
			return err
		}
		devices, err := compute.Parse(deviceSpec)
		if err != nil {
			return err
		}

		ckpt, err := checkpoint.Load(checkpointPrefix, checkpointEpoch)
		if err != nil {
			return err
		}

		architecture, params, freshNames, err := graft.ReplaceFinalLayer(ckpt.Architecture, ckpt.Params, numClasses, cutLayer)
		if err != nil {
			return err
		}

		verbose := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

		trainData, err := datasets.NewImageRecordDataset(datasets.ImageRecordConfig{
			Path:         trainPath,
			BatchSize:    batchSize,
			TargetHeight: inputShape[0],
			TargetWidth:  inputShape[1],
			Augment:      true,
			Seed:         seed,
		})
		if err != nil {
			return err
		}

		var valData datasets.Dataset
		if valPath != "" {
			valData, err = datasets.NewImageRecordDataset(datasets.ImageRecordConfig{
				Path:         valPath,
				BatchSize:    batchSize,
				TargetHeight: inputShape[0],
				TargetWidth:  inputShape[1],
			})
			if err != nil {
				return err
			}
		}

		session, err := graft.NewTrainingSession(graft.TrainingConfig{
			Architecture:    architecture,
			Params:          params,
			FreshParamNames: freshNames,
			TrainData:       trainData,
			ValData:         valData,
			InputShape:      inputShape,
			BatchSize:       batchSize,
			Devices:         devices,
			Epochs:          epochs,
			LearningRate:    learningRate,
			Optimizer:       graft.Optimizer(optimizerName),
			Seed:            seed,
			Verbose:         verbose,
		})
		if err != nil {
			return err
		}
		defer func() {
			if destroyErr := session.Destroy(); destroyErr != nil {
				fmt.Printf("Warning: %s\n", destroyErr)
			}
		}()

		if err := session.Train(); err != nil {
			return err
		}
		if err := session.Save(outputPrefix); err != nil {
			return err
		}

		statistics := session.Statistics()
		if n := len(statistics.EpochValMetrics); n > 0 {
			fmt.Printf("Final validation accuracy: %.4f\n", statistics.EpochValMetrics[n-1])
		}
		fmt.Printf("Fine-tuned checkpoint written to %s\n", checkpoint.SymbolPath(outputPrefix))
		return nil
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a pretrained checkpoint pair from huggingface",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "repo",
			Usage:       "Huggingface repo to download from",
			Aliases:     []string{"r"},
			Destination: &repoName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "dest",
			Usage:       "Folder where to store downloaded checkpoints. Falls back to $HOME/graft/checkpoints if not specified",
			Destination: &downloadDest,
		},
		&cli.StringFlag{
			Name:        "name",
			Usage:       "Checkpoint name, for repos carrying several checkpoints",
			Destination: &checkpointName,
		},
		&cli.IntFlag{
			Name:        "epoch",
			Usage:       "Epoch tag to download. Defaults to the highest available",
			Destination: &downloadEpoch,
			Value:       -1,
		},
		&cli.StringFlag{
			Name:        "token",
			Usage:       "Huggingface auth token for private repos",
			Destination: &authToken,
		},
		&cli.StringFlag{
			Name:        "branch",
			Usage:       "Repo branch to download from",
			Destination: &branch,
			Value:       "main",
		},
	},
	Action: func(ctx *cli.Context) error {
		if downloadDest == "" {
			userDir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			downloadDest = util.PathJoinSafe(userDir, "graft", "checkpoints")
		}

		options := graft.NewDownloadOptions()
		options.AuthToken = authToken
		options.CheckpointName = checkpointName
		options.Epoch = downloadEpoch
		options.Branch = branch
		options.Verbose = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

		prefix, epoch, err := graft.DownloadCheckpoint(repoName, downloadDest, options)
		if err != nil {
			return err
		}
		fmt.Printf("Checkpoint downloaded to %s (epoch %d)\n", prefix, epoch)
		return nil
	},
}

func parseInputShape(spec string) ([]int, error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("input shape must be height,width,channels, got %s", spec)
	}
	shape := make([]int, 3)
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("invalid input shape dimension %q", part)
		}
		shape[i] = v
	}
	return shape, nil
}

func main() {
	app := &cli.App{
		Name:     "graft",
		Usage:    "Fine-tune pretrained image classifiers from the command line",
		Commands: []*cli.Command{finetuneCommand, downloadCommand},
	}
	if err := app.Run(os.Args); err != nil {
		panic(err)
	}
}
