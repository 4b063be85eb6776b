// Package statuscsv writes the status.csv snapshot consumed by external
// renderers, guarding it with an advisory file lock since it is the only
// file the conductor shares with readers outside the driver process.
package statuscsv

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/llnl-tools/maestro-go/internal/scheduler"
)

// LockTimeout is the bounded wait for acquiring status.csv's advisory
// lock (§5: "status.csv lock: 10s").
const LockTimeout = 10 * time.Second

var columns = []string{
	"Step Name", "Workspace", "State", "Job ID",
	"Submit Time", "Start Time", "End Time", "Run Time", "Elapsed Time",
	"Number Restarts", "Params",
}

// Row is one non-source node's status snapshot row.
type Row struct {
	StepName      string
	Workspace     string
	State         scheduler.State
	JobID         string
	SubmitTime    time.Time
	StartTime     time.Time
	EndTime       time.Time
	NumRestarts   int
	Params        map[string]string
	now           time.Time // injected "now" for elapsed-time computation; zero means time.Now()
}

func (r Row) clockNow() time.Time {
	if r.now.IsZero() {
		return time.Now()
	}
	return r.now
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// FormatDuration renders d as "Dd:HHh:MMm:SSs" with integer seconds
// rounded half-up.
func FormatDuration(d time.Duration) string {
	totalSeconds := int64((d + 500*time.Millisecond) / time.Second)
	if totalSeconds < 0 {
		totalSeconds = 0
	}
	days := totalSeconds / 86400
	rem := totalSeconds % 86400
	hours := rem / 3600
	rem %= 3600
	minutes := rem / 60
	seconds := rem % 60
	return fmt.Sprintf("%dd:%02dh:%02dm:%02ds", days, hours, minutes, seconds)
}

func paramsField(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s:%s", k, params[k]))
	}
	return strings.Join(parts, ";")
}

func (r Row) toCSVRow() []string {
	runTime := ""
	if !r.StartTime.IsZero() && !r.EndTime.IsZero() {
		runTime = FormatDuration(r.EndTime.Sub(r.StartTime))
	}
	elapsed := ""
	if !r.SubmitTime.IsZero() {
		end := r.EndTime
		if end.IsZero() {
			end = r.clockNow()
		}
		elapsed = FormatDuration(end.Sub(r.SubmitTime))
	}
	return []string{
		r.StepName,
		r.Workspace,
		string(r.State),
		r.JobID,
		formatTime(r.SubmitTime),
		formatTime(r.StartTime),
		formatTime(r.EndTime),
		runTime,
		elapsed,
		fmt.Sprintf("%d", r.NumRestarts),
		paramsField(r.Params),
	}
}

// Write acquires the ".status.lock" file beside path with a bounded
// timeout and writes rows to path as a CSV with the fixed column header.
func Write(path string, rows []Row) error {
	lockPath := filepath.Join(filepath.Dir(path), ".status.lock")
	lock := flock.New(lockPath)

	locked, err := tryLockWithTimeout(lock, LockTimeout)
	if err != nil {
		return fmt.Errorf("statuscsv: lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("statuscsv: timed out acquiring lock after %s", LockTimeout)
	}
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		f.Close()
		return err
	}
	for _, r := range rows {
		if err := w.Write(r.toCSVRow()); err != nil {
			f.Close()
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func tryLockWithTimeout(lock *flock.Flock, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := lock.TryLock()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Read acquires the same lock (best-effort, returning an empty result on
// timeout rather than an error, matching external readers' tolerance for
// lock contention) and parses path back into rows keyed by step name.
func Read(path string) (map[string]Row, error) {
	lockPath := filepath.Join(filepath.Dir(path), ".status.lock")
	lock := flock.New(lockPath)
	locked, err := tryLockWithTimeout(lock, LockTimeout)
	if err != nil {
		return nil, err
	}
	if !locked {
		return map[string]Row{}, nil
	}
	defer lock.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return map[string]Row{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	out := map[string]Row{}
	for i, rec := range records {
		if i == 0 {
			continue // header
		}
		if len(rec) < len(columns) {
			continue
		}
		out[rec[0]] = Row{
			StepName:  rec[0],
			Workspace: rec[1],
			State:     scheduler.State(rec[2]),
			JobID:     rec[3],
		}
	}
	return out, nil
}
