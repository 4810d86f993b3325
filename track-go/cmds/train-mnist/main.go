package main

import (
	"context"
	"io/ioutil"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alexflint/go-arg"
	"github.com/dustin/go-humanize"

	"github.com/traintrack/traintrack/track-go/convnet"
	"github.com/traintrack/traintrack/track-go/mnist"
	"github.com/traintrack/traintrack/track-go/training"
	"github.com/traintrack/traintrack/track-golib/condaenv"
	"github.com/traintrack/traintrack/track-golib/cudautil"
	"github.com/traintrack/traintrack/track-golib/mlflow"
	"github.com/traintrack/traintrack/track-golib/tbevents"
)

func fail(err error) {
	if err != nil {
		panic(err)
	}
}

func main() {
	args := struct {
		BatchSize     int     `arg:"--batch-size,help:input batch size for training (default: 64)"`
		TestBatchSize int     `arg:"--test-batch-size,help:input batch size for testing (default: 1000)"`
		Epochs        int     `arg:"help:number of epochs to train (default: 10)"`
		LR            float64 `arg:"--lr,help:learning rate (default: 0.01)"`
		Momentum      float64 `arg:"help:SGD momentum (default: 0.5)"`
		EnableCuda    string  `arg:"--enable-cuda,help:enables or disables CUDA training (True or False)"`
		Seed          int64   `arg:"help:random seed (default: 1)"`
		LogInterval   int     `arg:"--log-interval,help:how many batches to wait before logging training status"`
		DataDir       string  `arg:"--data-dir,help:directory the MNIST archives are downloaded to"`
		Experiment    string  `arg:"help:tracking experiment name"`
	}{
		BatchSize:     64,
		TestBatchSize: 1000,
		Epochs:        10,
		LR:            0.01,
		Momentum:      0.5,
		EnableCuda:    "True",
		Seed:          1,
		LogInterval:   100,
		DataDir:       "data",
		Experiment:    "pytorch_exp_1",
	}
	arg.MustParse(&args)

	if args.EnableCuda != "True" && args.EnableCuda != "False" {
		log.Fatalf("--enable-cuda must be True or False, got %q", args.EnableCuda)
	}
	cuda := args.EnableCuda == "True" && cudautil.Available()
	if args.EnableCuda == "True" && !cuda {
		log.Println("cuda requested but no device is available, training on cpu")
	}

	ctx := context.Background()

	fail(mnist.Download(args.DataDir))
	trainSet, testSet, err := mnist.Load(args.DataDir)
	fail(err)
	log.Printf("loaded %d training and %d test examples from %s",
		len(trainSet.Images), len(testSet.Images), args.DataDir)

	trainFeed, err := mnist.NewFeed(trainSet, args.BatchSize, mnist.Options{Shuffle: true, Seed: args.Seed})
	fail(err)
	testFeed, err := mnist.NewFeed(testSet, args.TestBatchSize, mnist.Options{})
	fail(err)

	client := mlflow.NewClientFromEnv()
	exp, err := client.EnsureExperiment(ctx, args.Experiment)
	fail(err)
	run, err := client.StartRun(ctx, exp.ID)
	fail(err)

	// mark the run failed before dying so the tracker does not show it
	// running forever
	defer func() {
		if r := recover(); r != nil {
			client.EndRun(ctx, run, mlflow.RunStatusFailed)
			panic(r)
		}
	}()

	fail(client.LogParams(ctx, run, map[string]string{
		"batch_size":      strconv.Itoa(args.BatchSize),
		"test_batch_size": strconv.Itoa(args.TestBatchSize),
		"epochs":          strconv.Itoa(args.Epochs),
		"lr":              strconv.FormatFloat(args.LR, 'g', -1, 64),
		"momentum":        strconv.FormatFloat(args.Momentum, 'g', -1, 64),
		"enable_cuda":     args.EnableCuda,
		"seed":            strconv.FormatInt(args.Seed, 10),
		"log_interval":    strconv.Itoa(args.LogInterval),
		"cuda":            strconv.FormatBool(cuda),
	}))

	scratch, err := ioutil.TempDir("", "train-mnist")
	fail(err)
	defer os.RemoveAll(scratch)

	eventsDir := filepath.Join(scratch, "events")
	fail(os.MkdirAll(eventsDir, 0755))
	writer, err := tbevents.NewWriter(eventsDir)
	fail(err)
	log.Printf("writing event log locally to %s", eventsDir)

	net := convnet.New(args.Seed)
	trainer, err := training.NewTrainer(
		training.Params{
			Epochs:      args.Epochs,
			LR:          args.LR,
			Momentum:    args.Momentum,
			LogInterval: args.LogInterval,
		},
		training.Inputs{
			Net:    net,
			Train:  trainFeed,
			Test:   testFeed,
			Logger: training.NewRunLogger(writer, client, run),
		},
	)
	fail(err)
	defer trainer.Close()

	_, err = trainer.Train(ctx)
	fail(err)
	fail(writer.Close())

	log.Println("uploading event log as a run artifact...")
	uploaded, err := client.LogArtifacts(ctx, run, eventsDir, "events")
	fail(err)
	log.Printf("uploaded %s of events", humanize.Bytes(uint64(uploaded)))
	log.Printf("launch tensorboard with: tensorboard --logdir=%s", mlflow.ArtifactTarget(run, "events"))

	log.Println("logging the trained model as a run artifact...")
	modelPath := filepath.Join(scratch, "scripted_model.gob")
	fail(net.SaveFile(modelPath))

	env := condaenv.Default()
	fail(condaenv.AddPipPackages(&env, "typing-extensions", "Pillow"))

	location, err := client.LogModel(ctx, run, "pytorch-model", mlflow.ModelSpec{
		FlavorName: "traintrack.convnet",
		Loader:     "github.com/traintrack/traintrack/track-go/serving",
		Format:     "gob",
		ModelFile:  modelPath,
		Env:        env,
	})
	fail(err)
	log.Printf("the model is logged at: %s", location)

	fail(client.EndRun(ctx, run, mlflow.RunStatusFinished))
}
