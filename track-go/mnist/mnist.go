package mnist

import (
	"io"
	"os"
	"path/filepath"

	gomnist "github.com/petar/GoMNIST"
	"github.com/traintrack/traintrack/track-golib/errors"
	"github.com/traintrack/traintrack/track-golib/fileutil"
)

// mirrorURL serves the canonical dataset archives.
const mirrorURL = "https://storage.googleapis.com/cvdf-datasets/mnist/"

var archives = []string{
	"train-images-idx3-ubyte.gz",
	"train-labels-idx1-ubyte.gz",
	"t10k-images-idx3-ubyte.gz",
	"t10k-labels-idx1-ubyte.gz",
}

// Download fetches the four dataset archives into dir, skipping any that are
// already present.
func Download(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "unable to create data dir %s", dir)
	}

	for _, name := range archives {
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := fetch(mirrorURL+name, dst); err != nil {
			return errors.Wrapf(err, "unable to download %s", name)
		}
	}
	return nil
}

func fetch(url, dst string) (err error) {
	r, err := fileutil.NewReader(url)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := fileutil.NewBufferedWriter(dst)
	if err != nil {
		return err
	}
	defer errors.Defer(&err, w.Close)

	_, err = io.Copy(w, r)
	return err
}

// Load reads the train and test sets from the archives in dir.
func Load(dir string) (train, test *gomnist.Set, err error) {
	train, test, err = gomnist.Load(dir)
	return train, test, errors.WrapfOrNil(err, "unable to load mnist data from %s", dir)
}
