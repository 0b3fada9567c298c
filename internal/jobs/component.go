package jobs

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hubrts/youtube-command-deck/internal/utils"
)

// Bounds for component test job snapshots.
const (
	componentLogLimit  = 220
	componentJobLimit  = 24
	componentCaseLimit = 400
)

type ComponentTestCase struct {
	Name       string  `json:"name"`
	Status     string  `json:"status"` // running | pass | fail | skip
	ElapsedSec float64 `json:"elapsed_sec"`
}

// ComponentTestJob runs the project's own test suite for one component as
// an observable job: `go test -v` parsed into case rows plus a log tail.
type ComponentTestJob struct {
	JobID       string
	Component   string
	Status      string
	CreatedAt   string
	UpdatedAt   string
	StartedAt   string
	FinishedAt  string
	CurrentTest string
	Summary     string
	Error       string
	LogTail     []string
	TestCases   []ComponentTestCase
	Metrics     map[string]any
}

type ComponentTestJobSnapshot struct {
	JobID          string              `json:"job_id"`
	Component      string              `json:"component"`
	ComponentLabel string              `json:"component_label"`
	Status         string              `json:"status"`
	CreatedAt      string              `json:"created_at"`
	UpdatedAt      string              `json:"updated_at"`
	StartedAt      string              `json:"started_at"`
	FinishedAt     string              `json:"finished_at"`
	CurrentTest    string              `json:"current_test"`
	Summary        string              `json:"summary"`
	Error          string              `json:"error"`
	Metrics        map[string]any      `json:"metrics"`
	LogTail        []string            `json:"log_tail"`
	TestCases      []ComponentTestCase `json:"test_cases"`
}

func NormalizeComponent(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "web":
		return "web"
	case "tg", "bot":
		return "tg"
	}
	return "all"
}

func ComponentLabel(component string) string {
	switch NormalizeComponent(component) {
	case "web":
		return "UI part"
	case "tg":
		return "BE side"
	}
	return "UI + BE"
}

// componentPackages maps the component selector onto package groups.
func componentPackages(component string) []string {
	switch NormalizeComponent(component) {
	case "web":
		return []string{"./internal/handlers/...", "./internal/server/...", "./internal/ws/..."}
	case "tg":
		return []string{"./internal/services/...", "./internal/jobs/...", "./internal/utils/..."}
	}
	return []string{"./..."}
}

func (j *ComponentTestJob) snapshot() ComponentTestJobSnapshot {
	snap := ComponentTestJobSnapshot{
		JobID:          j.JobID,
		Component:      j.Component,
		ComponentLabel: ComponentLabel(j.Component),
		Status:         j.Status,
		CreatedAt:      j.CreatedAt,
		UpdatedAt:      j.UpdatedAt,
		StartedAt:      j.StartedAt,
		FinishedAt:     j.FinishedAt,
		CurrentTest:    j.CurrentTest,
		Summary:        j.Summary,
		Error:          j.Error,
		Metrics:        map[string]any{},
	}
	for k, v := range j.Metrics {
		snap.Metrics[k] = v
	}
	logTail := j.LogTail
	if len(logTail) > componentLogLimit {
		logTail = logTail[len(logTail)-componentLogLimit:]
	}
	snap.LogTail = append([]string{}, logTail...)
	cases := j.TestCases
	if len(cases) > componentCaseLimit {
		cases = cases[:componentCaseLimit]
	}
	snap.TestCases = append([]ComponentTestCase{}, cases...)
	if snap.LogTail == nil {
		snap.LogTail = []string{}
	}
	if snap.TestCases == nil {
		snap.TestCases = []ComponentTestCase{}
	}
	return snap
}

func (r *Registry) GetComponentTestJob(jobID string) *ComponentTestJobSnapshot {
	r.compMu.Lock()
	defer r.compMu.Unlock()
	job, ok := r.comp[jobID]
	if !ok {
		return nil
	}
	snap := job.snapshot()
	return &snap
}

func (r *Registry) ListComponentTestJobs(activeOnly bool) []ComponentTestJobSnapshot {
	r.compMu.Lock()
	var snaps []ComponentTestJobSnapshot
	for _, j := range r.comp {
		if activeOnly && j.Status != "queued" && j.Status != "running" {
			continue
		}
		snaps = append(snaps, j.snapshot())
	}
	r.compMu.Unlock()
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].CreatedAt > snaps[j].CreatedAt })
	return snaps
}

func (r *Registry) updateComponentJob(jobID string, mutate func(job *ComponentTestJob)) *ComponentTestJobSnapshot {
	r.compMu.Lock()
	job, ok := r.comp[jobID]
	if !ok {
		r.compMu.Unlock()
		return nil
	}
	mutate(job)
	job.UpdatedAt = utils.UTCNowISO()
	snap := job.snapshot()
	r.compMu.Unlock()

	r.publish(map[string]any{"type": "component_job_update", "job": snap})
	return &snap
}

// trimComponentJobs keeps only the most recent completed jobs plus anything
// still running.
func (r *Registry) trimComponentJobs() {
	r.compMu.Lock()
	defer r.compMu.Unlock()
	if len(r.comp) <= componentJobLimit {
		return
	}
	type aged struct {
		id        string
		createdAt string
		active    bool
	}
	var all []aged
	for id, j := range r.comp {
		all = append(all, aged{id, j.CreatedAt, j.Status == "queued" || j.Status == "running"})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].createdAt > all[j].createdAt })
	kept := 0
	for _, a := range all {
		if a.active {
			continue
		}
		kept++
		if kept > componentJobLimit {
			delete(r.comp, a.id)
		}
	}
}

// FindActiveComponentJob reports a running job covering the component (the
// "all" component overlaps everything).
func (r *Registry) FindActiveComponentJob(component string) *ComponentTestJobSnapshot {
	comp := NormalizeComponent(component)
	r.compMu.Lock()
	defer r.compMu.Unlock()
	for _, j := range r.comp {
		if j.Status != "queued" && j.Status != "running" {
			continue
		}
		if j.Component == comp || j.Component == "all" || comp == "all" {
			snap := j.snapshot()
			return &snap
		}
	}
	return nil
}

var (
	goTestRunRE    = regexp.MustCompile(`^=== RUN\s+(\S+)`)
	goTestResultRE = regexp.MustCompile(`^--- (PASS|FAIL|SKIP):\s+(\S+)\s+\(([\d.]+)s\)`)
)

// StartComponentTestsJob launches `go test -v` for the component's package
// group on a background worker, streaming parsed progress to subscribers.
func (r *Registry) StartComponentTestsJob(component string) ComponentTestJobSnapshot {
	comp := NormalizeComponent(component)
	now := utils.UTCNowISO()
	job := &ComponentTestJob{
		JobID:     strings.ReplaceAll(uuid.New().String(), "-", ""),
		Component: comp,
		Status:    "queued",
		CreatedAt: now,
		UpdatedAt: now,
		Metrics:   map[string]any{},
	}
	r.compMu.Lock()
	r.comp[job.JobID] = job
	snap := job.snapshot()
	r.compMu.Unlock()
	r.trimComponentJobs()
	r.publish(map[string]any{"type": "component_job_created", "job": snap})

	go r.runComponentTests(job.JobID, comp)
	return snap
}

func (r *Registry) runComponentTests(jobID, component string) {
	started := time.Now()
	r.updateComponentJob(jobID, func(job *ComponentTestJob) {
		job.Status = "running"
		job.StartedAt = utils.UTCNowISO()
	})

	args := append([]string{"test", "-v", "-count=1"}, componentPackages(component)...)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Minute)
	defer cancel()
	cmd := exec.CommandContext(ctx, "go", args...)
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		cmd.Stderr = cmd.Stdout
		err = cmd.Start()
	}
	if err != nil {
		r.updateComponentJob(jobID, func(job *ComponentTestJob) {
			job.Status = "failed"
			job.Error = err.Error()
			job.FinishedAt = utils.UTCNowISO()
		})
		return
	}

	passed, failed, skipped := 0, 0, 0
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		r.updateComponentJob(jobID, func(job *ComponentTestJob) {
			job.LogTail = append(job.LogTail, line)
			if len(job.LogTail) > componentLogLimit {
				job.LogTail = job.LogTail[len(job.LogTail)-componentLogLimit:]
			}
			if m := goTestRunRE.FindStringSubmatch(line); m != nil {
				job.CurrentTest = m[1]
				if len(job.TestCases) < componentCaseLimit {
					job.TestCases = append(job.TestCases, ComponentTestCase{Name: m[1], Status: "running"})
				}
			}
			if m := goTestResultRE.FindStringSubmatch(line); m != nil {
				status := strings.ToLower(m[1])
				elapsed := 0.0
				_, _ = fmt.Sscanf(m[3], "%f", &elapsed)
				for i := len(job.TestCases) - 1; i >= 0; i-- {
					if job.TestCases[i].Name == m[2] {
						job.TestCases[i].Status = status
						job.TestCases[i].ElapsedSec = elapsed
						break
					}
				}
				switch status {
				case "pass":
					passed++
				case "fail":
					failed++
				case "skip":
					skipped++
				}
				job.Metrics["passed"] = passed
				job.Metrics["failed"] = failed
				job.Metrics["skipped"] = skipped
			}
		})
	}
	waitErr := cmd.Wait()

	r.updateComponentJob(jobID, func(job *ComponentTestJob) {
		job.FinishedAt = utils.UTCNowISO()
		job.CurrentTest = ""
		job.Metrics["elapsed_sec"] = time.Since(started).Seconds()
		job.Summary = fmt.Sprintf("%d passed, %d failed, %d skipped", passed, failed, skipped)
		if waitErr != nil || failed > 0 {
			job.Status = "failed"
			if waitErr != nil && failed == 0 {
				job.Error = waitErr.Error()
			} else if failed > 0 {
				job.Error = fmt.Sprintf("%d test case(s) failed", failed)
			}
		} else {
			job.Status = "completed"
		}
	})
}
