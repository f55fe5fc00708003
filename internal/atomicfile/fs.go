package atomicfile

import (
	stderrors "errors"
	"os"
)

func isNotExist(err error) bool {
	return os.IsNotExist(err) || stderrors.Is(err, os.ErrNotExist)
}
