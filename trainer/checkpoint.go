package trainer

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Checkpoint slot names, one per tracked best metric. Each slot is backed
// by a model file and an optimizer file, overwritten in place whenever the
// slot's metric improves.
const (
	SlotBestLossTrain = "best_loss_train"
	SlotBestAccTrain  = "best_acc_train"
	SlotBestLossValid = "best_loss_valid"
	SlotBestAccValid  = "best_acc_valid"
)

// StateExt is the extension of serialized parameter blobs
// (zlib-compressed gob, readable only by this framework).
const StateExt = ".gobz"

// ModelFile names the model blob backing a slot.
func ModelFile(slot string) string { return "model_" + slot + StateExt }

// OptimFile names the optimizer blob backing a slot.
func OptimFile(slot string) string { return "optim_" + slot + StateExt }

// Slots persists model+optimizer snapshot pairs into a directory.
type Slots struct {
	Dir string
}

// Save writes the model and optimizer state for one slot. Each file goes
// through a temp file and a rename so a crash cannot leave a torn blob.
// The model/optimizer pair is still not transactional: a crash between the
// two renames leaves the slot's pair inconsistent.
func (s *Slots) Save(slot string, model, optim Stater) error {
	if err := s.writeOne(ModelFile(slot), model); err != nil {
		return errors.Wrapf(err, "slot %s: model", slot)
	}
	if err := s.writeOne(OptimFile(slot), optim); err != nil {
		return errors.Wrapf(err, "slot %s: optimizer", slot)
	}
	return nil
}

func (s *Slots) writeOne(name string, st Stater) error {
	tmp, err := os.CreateTemp(s.Dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := st.WriteState(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.Dir, name))
}
