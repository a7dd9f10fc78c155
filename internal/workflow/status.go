package workflow

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/util"
)

// Status is the lifecycle state of a task.
type Status string

const (
	Created   Status = "created"
	Queued    Status = "queued"
	Running   Status = "running"
	Unknown   Status = "unknown"
	Completed Status = "completed"
	Failed    Status = "failed"

	CreatedOrdinal   = 1
	QueuedOrdinal    = 2
	RunningOrdinal   = 3
	UnknownOrdinal   = 4
	CompletedOrdinal = 5
	FailedOrdinal    = 6
)

var (
	StatusMap = map[int]Status{
		CreatedOrdinal:   Created,
		QueuedOrdinal:    Queued,
		RunningOrdinal:   Running,
		UnknownOrdinal:   Unknown,
		CompletedOrdinal: Completed,
		FailedOrdinal:    Failed,
	}

	StatusOrdinalMap = util.InverseMap(StatusMap)
)

// AllStatuses returns every status ordered by ordinal.
func AllStatuses() []Status {
	all := make([]Status, 0, len(StatusMap))
	for i := 1; i <= len(StatusMap); i++ {
		all = append(all, StatusMap[i])
	}
	return all
}

func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if _, ok := StatusOrdinalMap[status]; !ok {
		return "", errors.WithStack(&flowerrors.ErrInvalidArgument{
			Name:    "status",
			Value:   s,
			Message: "not a known status",
		})
	}
	return status, nil
}

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	_, ok := StatusOrdinalMap[s]
	return ok
}

func (s Status) Ordinal() int {
	return StatusOrdinalMap[s]
}

// Active statuses hold a scheduler job.
func (s Status) Active() bool {
	return s == Queued || s == Running || s == Unknown
}
