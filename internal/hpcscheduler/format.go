package hpcscheduler

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// formatWallClock renders d as HH:MM:SS, rounding up to the next whole minute. Hours may exceed 24.
func formatWallClock(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	d = d.Truncate(time.Second)
	if rem := d % time.Minute; rem != 0 {
		d += time.Minute - rem
	}
	hours := int(d / time.Hour)
	minutes := int(d%time.Hour) / int(time.Minute)
	return fmt.Sprintf("%02d:%02d:00", hours, minutes)
}

// parseElapsed parses the durations schedulers print: [D-]HH:MM:SS, MM:SS or MM:SS.ms.
func parseElapsed(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var days int
	if i := strings.Index(s, "-"); i >= 0 {
		d, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, errors.Wrapf(err, "parsing days of %q", s)
		}
		days = d
		s = s[i+1:]
	}
	if i := strings.Index(s, "."); i >= 0 {
		s = s[:i]
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, errors.Errorf("invalid duration %q", s)
	}
	total := time.Duration(days) * 24 * time.Hour
	unit := time.Second
	for i := len(parts) - 1; i >= 0; i-- {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0, errors.Wrapf(err, "parsing duration %q", s)
		}
		total += time.Duration(n) * unit
		unit *= 60
	}
	return total, nil
}

// outputPaths are the stdout/stderr file name patterns attached to every submission.
func outputPaths(req SubmitRequest, jobIDToken string) (string, string) {
	name := req.JobName
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(req.ScriptPath), filepath.Ext(req.ScriptPath))
	}
	base := filepath.Join(req.SimDir, name+"_"+jobIDToken)
	return base + ".out", base + ".err"
}

func scriptPath(req SubmitRequest) string {
	if filepath.IsAbs(req.ScriptPath) || req.SimDir == "" {
		return req.ScriptPath
	}
	return filepath.Join(req.SimDir, req.ScriptPath)
}

// parseQueueLine splits "<job_id> <state>".
func parseQueueLine(line string) (int64, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0, "", false
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, "", false
	}
	return id, fields[1], true
}

// ParseQueue turns CheckQueues output into a map from job id to state token. Lines that don't parse are skipped.
func ParseQueue(lines []string) map[int64]string {
	queue := make(map[int64]string, len(lines))
	for _, line := range lines {
		if id, state, ok := parseQueueLine(line); ok {
			queue[id] = state
		}
	}
	return queue
}
