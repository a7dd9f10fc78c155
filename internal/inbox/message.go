package inbox

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/armadaproject/simflow/internal/common/flowerrors"
	"github.com/armadaproject/simflow/internal/common/util"
	"github.com/armadaproject/simflow/internal/taskdb"
	"github.com/armadaproject/simflow/internal/workflow"
)

const (
	fileSuffix     = ".json"
	tempPrefix     = ".tmp-"
	QuarantineName = ".quarantine"
)

// Message is the on-disk form of one status update. Fields are kept as plain strings so that a file naming an
// unknown process type or status still decodes and can be reported precisely.
type Message struct {
	RunName  string `json:"run_name"`
	ProcType string `json:"proc_type"`
	Status   string `json:"status"`
	JobID    *int64 `json:"job_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func NewMessage(update taskdb.Update) Message {
	return Message{
		RunName:  update.RunName,
		ProcType: string(update.ProcType),
		Status:   string(update.Status),
		JobID:    update.JobID,
		Error:    update.Error,
	}
}

// ParseMessage decodes data and converts it into a store update. Any problem is returned as an ErrMalformedMessage,
// since the file can never be applied however many times it is read.
func ParseMessage(fileName string, data []byte) (taskdb.Update, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return taskdb.Update{}, malformed(fileName, err.Error())
	}
	return msg.ToUpdate(fileName)
}

// ToUpdate validates the message. A job id is only meaningful on the queued transition and is dropped otherwise.
func (m Message) ToUpdate(fileName string) (taskdb.Update, error) {
	if strings.TrimSpace(m.RunName) == "" {
		return taskdb.Update{}, malformed(fileName, "run_name is empty")
	}
	procType, err := workflow.ParseProcessType(m.ProcType)
	if err != nil {
		return taskdb.Update{}, malformed(fileName, err.Error())
	}
	status, err := workflow.ParseStatus(m.Status)
	if err != nil {
		return taskdb.Update{}, malformed(fileName, err.Error())
	}
	update := taskdb.Update{
		RunName:  m.RunName,
		ProcType: procType,
		Status:   status,
		Error:    m.Error,
	}
	if status == workflow.Queued && m.JobID != nil {
		if *m.JobID < 0 {
			return taskdb.Update{}, malformed(fileName, "job_id is negative")
		}
		jobID := *m.JobID
		update.JobID = &jobID
	}
	return update, nil
}

// fileName builds "<run_name>.<proc_type>.<ulid>.json". The ulid makes names writer-unique and gives the
// consolidator an order to process them in.
func fileName(update taskdb.Update, id string) string {
	return strings.Join([]string{sanitise(update.RunName), string(update.ProcType), id}, ".") + fileSuffix
}

// orderKey extracts the ulid segment of a file name, if it has one.
func orderKey(name string) (string, bool) {
	trimmed := strings.TrimSuffix(name, fileSuffix)
	i := strings.LastIndex(trimmed, ".")
	if i < 0 {
		return "", false
	}
	id := strings.ToLower(trimmed[i+1:])
	return id, util.IsULID(id)
}

func sanitise(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '.' {
			return '_'
		}
		return r
	}, s)
}

func malformed(fileName, reason string) error {
	return errors.WithStack(&flowerrors.ErrMalformedMessage{File: fileName, Reason: reason})
}
