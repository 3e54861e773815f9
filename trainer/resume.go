package trainer

import (
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Snapshot file names expected inside a resume directory.
const (
	ResumeModelFile = "model" + StateExt
	ResumeOptimFile = "optim" + StateExt
)

// Resume loads model and optimizer state from a prior run's directory.
// A missing file is downgraded to a warning and the fresh initialization
// is kept; the caller may then fall back to pretrained weights for the
// model. A file that exists but cannot be read is fatal. The two return
// flags report which of the snapshots actually loaded.
func Resume(dir string, model Model, optim Optimizer, logger *log.Logger) (modelLoaded, optimLoaded bool, err error) {
	modelLoaded, err = resumeOne(filepath.Join(dir, ResumeModelFile), model, "model", logger)
	if err != nil {
		return
	}
	optimLoaded, err = resumeOne(filepath.Join(dir, ResumeOptimFile), optim, "optim", logger)
	return
}

func resumeOne(path string, st Stater, what string, logger *log.Logger) (bool, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		if logger != nil {
			logger.Printf("WARNING: %s path not found.", what)
		}
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "opening %s snapshot", what)
	}
	defer f.Close()

	if err := st.ReadState(f); err != nil {
		return false, errors.Wrapf(err, "reading %s snapshot %s", what, path)
	}
	return true, nil
}
