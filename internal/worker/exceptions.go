package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"
)

const noTestID = "null"

// ExceptionRecorder writes errors into the worker's home directory, where the agent's failure monitor picks them
// up. Each file is written under a temporary name and renamed, so the monitor never reads a partial file.
type ExceptionRecorder struct {
	home  string
	count atomic.Int64
}

func NewExceptionRecorder(home string) *ExceptionRecorder {
	return &ExceptionRecorder{home: home}
}

// Record writes err as the next <n>.exception file. testID may be empty when the error is not tied to a test.
func (r *ExceptionRecorder) Record(testID string, err error) (string, error) {
	if testID == "" {
		testID = noTestID
	}
	n := r.count.Add(1)
	name := strconv.FormatInt(n, 10) + ".exception"
	path := filepath.Join(r.home, name)
	tmp := filepath.Join(r.home, "."+name+".tmp")

	content := fmt.Sprintf("%s\n%+v\n", testID, err)
	if writeErr := os.WriteFile(tmp, []byte(content), 0o644); writeErr != nil {
		return "", errors.Wrapf(writeErr, "writing %s", tmp)
	}
	if renameErr := os.Rename(tmp, path); renameErr != nil {
		return "", errors.Wrapf(renameErr, "renaming %s", tmp)
	}
	return path, nil
}
