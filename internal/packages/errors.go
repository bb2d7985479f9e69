package packages

import (
	"errors"

	"github.com/BadgerOps/reposync/internal/archdb"
	"github.com/BadgerOps/reposync/internal/mirror"
)

// Error kinds reported by the CLI and HTTP API.
const (
	KindRetrieval      = "retrieval"
	KindDataFormat     = "data_format"
	KindNoMirror       = "no_mirror_available"
	KindDatabaseFormat = "database_format"
	KindInternal       = "internal"
)

// ErrorKind classifies err by the outermost error type it wraps.
func ErrorKind(err error) string {
	var (
		re  *mirror.RetrievalError
		dfe *mirror.DataFormatError
		dbe *archdb.DatabaseFormatError
	)
	switch {
	case errors.As(err, &re):
		return KindRetrieval
	case errors.As(err, &dfe):
		return KindDataFormat
	case errors.Is(err, mirror.ErrNoMirrorAvailable):
		return KindNoMirror
	case errors.As(err, &dbe):
		return KindDatabaseFormat
	default:
		return KindInternal
	}
}
