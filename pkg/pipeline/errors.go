package pipeline

import (
	"errors"

	"github.com/edudirectory/edusync/pkg/cascade"
	"github.com/edudirectory/edusync/pkg/records"
	"github.com/edudirectory/edusync/pkg/submissions"
	"github.com/edudirectory/edusync/pkg/userdata"
)

// Error taxonomy of the pipeline. The values are owned by the packages that
// raise them and are collected here for callers of the facade.
var (
	// ErrNetworkUnavailable is recovered by the read chain and never
	// surfaces from a read; stale or fallback data is tagged instead.
	ErrNetworkUnavailable = records.ErrNetworkUnavailable
	ErrConflict           = cascade.ErrConflict
	ErrLockContention     = cascade.ErrLockContention
	ErrRateLimited        = submissions.ErrRateLimited
	ErrStatusConflict     = userdata.ErrStatusConflict

	// ErrReadOnly is returned by write operations of a pipeline that reads
	// its records from an upstream instance.
	ErrReadOnly = errors.New("corrections are accepted only by the instance owning the records")
)

type (
	ValidationError = submissions.ValidationError
	RateLimitError  = submissions.RateLimitError
	ApplyFailure    = cascade.ApplyFailure
	ConflictError   = cascade.ConflictError
)
