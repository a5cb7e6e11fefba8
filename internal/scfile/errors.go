package scfile

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrUnknownSymbol = errors.New("scfile: unknown symbol")
	ErrNoData        = errors.New("scfile: no records")
)

// FileIOError is a missing or unreadable symbol file.
type FileIOError struct {
	Path string
	Op   string
	Err  error
}

func (e *FileIOError) Error() string {
	return fmt.Sprintf("scfile %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FileIOError) Unwrap() error { return e.Err }
