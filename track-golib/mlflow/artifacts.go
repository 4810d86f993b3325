package mlflow

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/traintrack/traintrack/track-golib/errors"
	"github.com/traintrack/traintrack/track-golib/fileutil"
)

// ArtifactTarget resolves a path under the run's artifact root. Local roots
// may come back from the backend with a file:// scheme; s3:// roots pass
// through to the s3-aware writers.
func ArtifactTarget(run *Run, parts ...string) string {
	root := strings.TrimPrefix(run.ArtifactURI, "file://")
	return fileutil.Join(append([]string{root}, parts...)...)
}

// LogArtifact uploads a single local file under the run's artifact root,
// keeping its base name. Returns the number of bytes uploaded.
func (c *Client) LogArtifact(ctx context.Context, run *Run, localPath, artifactPath string) (int64, error) {
	target := ArtifactTarget(run, artifactPath, filepath.Base(localPath))
	n, err := copyTo(localPath, target)
	return n, errors.WrapfOrNil(err, "unable to upload artifact %s", localPath)
}

// LogArtifacts uploads every file under localDir, preserving the relative
// layout below artifactPath. Returns the total number of bytes uploaded.
func (c *Client) LogArtifacts(ctx context.Context, run *Run, localDir, artifactPath string) (int64, error) {
	var total int64
	err := filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return err
		}

		n, err := copyTo(path, ArtifactTarget(run, artifactPath, filepath.ToSlash(rel)))
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	return total, errors.WrapfOrNil(err, "unable to upload artifacts from %s", localDir)
}

func copyTo(localPath, target string) (n int64, err error) {
	r, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	w, err := fileutil.NewBufferedWriter(target)
	if err != nil {
		return 0, err
	}
	defer errors.Defer(&err, w.Close)

	n, err = io.Copy(w, r)
	return n, err
}
