// Package checkpoint stores training snapshots. A file is a magic header, a
// gob payload and a SHA-256 trailer over the payload, written to a temporary
// file in the target directory and renamed into place, so a reader sees
// either a complete snapshot or none.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/YuminosukeSato/detrain/core/model"
	"github.com/YuminosukeSato/detrain/optim"
	"github.com/YuminosukeSato/detrain/pkg/errors"
)

const (
	// LatestName is the pointer file naming the newest snapshot.
	LatestName = "latest"
	// Ext is the snapshot file extension.
	Ext = ".ckpt"

	tmpSuffix = ".tmp"
)

var (
	magic = []byte("DTCKPT\x00\x01")

	// ErrNoCheckpoint is returned by Latest when a directory has no valid
	// snapshot.
	ErrNoCheckpoint = errors.New("no valid checkpoint")

	errCorrupt = errors.New("checksum mismatch")
	errFormat  = errors.New("not a checkpoint file")

	epochFile = regexp.MustCompile(`^epoch_(\d+)\.ckpt$`)
)

// Checkpoint is one training snapshot. Epoch counts completed training
// epochs and Iteration completed training iterations.
type Checkpoint struct {
	Epoch     int
	Iteration int
	Model     *model.Weights
	Optimizer optim.State
	Meta      map[string]string
	// Path is where the snapshot was last saved or loaded. Load sets it
	// from its argument, never from the file contents.
	Path string
}

// FileName is the snapshot name for a count of completed epochs.
func FileName(epoch int) string {
	return fmt.Sprintf("epoch_%d%s", epoch, Ext)
}

// Save writes ck to dir/name atomically, sets ck.Path and returns it.
func Save(dir, name string, ck *Checkpoint) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.NewCheckpointError("save", path, err)
	}
	var payload bytes.Buffer
	if err := model.SaveModelToWriter(ck, &payload); err != nil {
		return "", errors.NewCheckpointError("save", path, err)
	}
	sum := sha256.Sum256(payload.Bytes())

	buf := make([]byte, 0, len(magic)+payload.Len()+len(sum))
	buf = append(buf, magic...)
	buf = append(buf, payload.Bytes()...)
	buf = append(buf, sum[:]...)
	if err := writeAtomic(dir, name, buf); err != nil {
		return "", errors.NewCheckpointError("save", path, err)
	}
	ck.Path = path
	return path, nil
}

// SetLatest atomically points the latest pointer of dir at name.
func SetLatest(dir, name string) error {
	if err := writeAtomic(dir, LatestName, []byte(name+"\n")); err != nil {
		return errors.NewCheckpointError("set_latest", filepath.Join(dir, LatestName), err)
	}
	return nil
}

// Load reads and verifies a snapshot. A truncated or partially written file
// is reported as corrupt.
func Load(path string) (*Checkpoint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewCheckpointError("load", path, err)
	}
	if len(raw) < len(magic)+sha256.Size || !bytes.Equal(raw[:len(magic)], magic) {
		return nil, errors.NewCheckpointError("load", path, errFormat)
	}
	payload := raw[len(magic) : len(raw)-sha256.Size]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], raw[len(raw)-sha256.Size:]) {
		return nil, errors.NewCheckpointError("load", path, errCorrupt)
	}
	var ck Checkpoint
	if err := model.LoadModelFromReader(&ck, bytes.NewReader(payload)); err != nil {
		return nil, errors.NewCheckpointError("load", path, err)
	}
	ck.Path = path
	return &ck, nil
}

// Latest returns the path of the newest valid snapshot in dir. It follows
// the latest pointer and falls back to the highest valid epoch file.
// Temporary files are never considered.
func Latest(dir string) (string, error) {
	if raw, err := os.ReadFile(filepath.Join(dir, LatestName)); err == nil {
		name := strings.TrimSpace(string(raw))
		if name != "" && !strings.HasSuffix(name, tmpSuffix) {
			path := filepath.Join(dir, name)
			if _, err := Load(path); err == nil {
				return path, nil
			}
		}
	}
	epochs, err := List(dir)
	if err != nil {
		return "", err
	}
	for i := len(epochs) - 1; i >= 0; i-- {
		path := filepath.Join(dir, FileName(epochs[i]))
		if _, err := Load(path); err == nil {
			return path, nil
		}
	}
	return "", errors.WithStack(ErrNoCheckpoint)
}

// List returns the epochs of the epoch files in dir, ascending. Validity is
// not checked.
func List(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewCheckpointError("list", dir, err)
	}
	var epochs []int
	for _, e := range entries {
		m := epochFile.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		epochs = append(epochs, n)
	}
	sort.Ints(epochs)
	return epochs, nil
}

// Prune removes all but the newest keep epoch files. The snapshot the
// latest pointer names is always kept. keep <= 0 keeps everything.
func Prune(dir string, keep int) error {
	if keep <= 0 {
		return nil
	}
	epochs, err := List(dir)
	if err != nil {
		return err
	}
	var latest string
	if raw, err := os.ReadFile(filepath.Join(dir, LatestName)); err == nil {
		latest = strings.TrimSpace(string(raw))
	}
	for i := 0; i < len(epochs)-keep; i++ {
		name := FileName(epochs[i])
		if name == latest {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return errors.NewCheckpointError("prune", filepath.Join(dir, name), err)
		}
	}
	return nil
}

// writeAtomic writes data to dir/name through a synced temporary file in
// dir followed by a rename and a directory sync.
func writeAtomic(dir, name string, data []byte) (err error) {
	tmp, err := os.CreateTemp(dir, "."+name+".*"+tmpSuffix)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
