// Package projector derives categorized task views and aggregate counts
// from a task-list snapshot in a single pass, memoizing results per view
// context. It performs no I/O and never mutates its input.
package projector

import (
	"strings"
	"time"

	"taskdeck/domain"
)

// FilterMode selects which precomputed bucket Project serves.
type FilterMode string

const (
	FilterAll      FilterMode = "all"
	FilterPersonal FilterMode = "personal"
	FilterProject  FilterMode = "project"
	FilterAssigned FilterMode = "assigned"
)

// ParseFilterMode maps free-form input to a recognized mode. Unrecognized
// or empty values fall back to FilterAll.
func ParseFilterMode(s string) FilterMode {
	switch m := FilterMode(s); m {
	case FilterAll, FilterPersonal, FilterProject, FilterAssigned:
		return m
	default:
		return FilterAll
	}
}

// DisplayTask is a TaskRecord augmented with derived presentation fields.
// It is recomputed from the source record on every rebuild and never
// persisted.
type DisplayTask struct {
	domain.TaskRecord
	DisplayStatus domain.DisplayStatus `json:"displayStatus"`
	// Due is DueDate normalized to UTC; nil when the record has none.
	Due *time.Time `json:"due,omitempty"`
}

// Counts are the aggregate numbers shown on the dashboard header.
type Counts struct {
	Total     int `json:"total"`
	Personal  int `json:"personal"`
	Project   int `json:"project"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Overdue   int `json:"overdue"`
}

// Result is one categorized view of the task list. The bucket slices are
// shared between cached results and must be treated as read-only.
type Result struct {
	All          []DisplayTask                `json:"all"`
	Personal     []DisplayTask                `json:"personal"`
	Project      []DisplayTask                `json:"project"`
	Assigned     []DisplayTask                `json:"assigned"`
	Visible      []DisplayTask                `json:"visible"`
	StatusCounts map[domain.DisplayStatus]int `json:"statusCounts"`
	Counts       Counts                       `json:"counts"`
}

type viewKey struct {
	mode      FilterMode
	projectID string
	query     string
}

// Projector memoizes categorized projections of one task-list snapshot
// for one user. The snapshot is scanned exactly once per (re)construction;
// every Project call after that reuses the precomputed buckets. It holds
// no locks: calls must stay on the single logical thread that also owns
// the snapshot (the page controller serializes them).
type Projector struct {
	tasks  []domain.TaskRecord
	userID string

	now func() time.Time

	built        bool
	scans        int
	all          []DisplayTask
	personal     []DisplayTask
	project      []DisplayTask
	assigned     []DisplayTask
	byProject    map[string][]DisplayTask
	statusCounts map[domain.DisplayStatus]int
	counts       Counts

	cache map[viewKey]*Result
}

// New creates a projector over the given snapshot for the given user. The
// snapshot is borrowed, not copied; callers replace it via Reset instead
// of mutating it in place.
func New(tasks []domain.TaskRecord, userID string) *Projector {
	return &Projector{
		tasks:  tasks,
		userID: userID,
		now:    time.Now,
		cache:  make(map[viewKey]*Result),
	}
}

// Reset replaces the snapshot and discards the index and every memoized
// result. It must be called whenever the underlying list is replaced or
// the current user changes; a stale cache would serve counts computed
// against a list the view no longer shows.
func (p *Projector) Reset(tasks []domain.TaskRecord, userID string) {
	p.tasks = tasks
	p.userID = userID
	p.built = false
	p.scans = 0
	p.all = nil
	p.personal = nil
	p.project = nil
	p.assigned = nil
	p.byProject = nil
	p.statusCounts = nil
	p.counts = Counts{}
	p.cache = make(map[viewKey]*Result)
}

// Scans reports how many full passes over the snapshot have happened
// since construction or the last Reset. Exposed for observability; tests
// use it to prove memoized calls do not rescan.
func (p *Projector) Scans() int { return p.scans }

// Project returns the categorized view for the given context. The first
// call after a (re)construction performs the single linear pass; repeated
// calls with the same (mode, projectID, query) return the cached result.
// Unrecognized modes fall back to "all"; projectID is only consulted in
// project mode; query matches title or description case-insensitively.
func (p *Projector) Project(mode, projectID, query string) *Result {
	fm := ParseFilterMode(mode)
	if fm != FilterProject {
		projectID = ""
	}
	q := strings.ToLower(strings.TrimSpace(query))

	key := viewKey{mode: fm, projectID: projectID, query: q}
	if r, ok := p.cache[key]; ok {
		return r
	}

	p.build()

	base := p.all
	switch fm {
	case FilterPersonal:
		base = p.personal
	case FilterProject:
		base = p.project
		if projectID != "" {
			if base = p.byProject[projectID]; base == nil {
				base = []DisplayTask{}
			}
		}
	case FilterAssigned:
		base = p.assigned
	}

	visible := base
	if q != "" {
		visible = make([]DisplayTask, 0, len(base))
		for _, dt := range base {
			if matchesQuery(dt, q) {
				visible = append(visible, dt)
			}
		}
	}

	r := &Result{
		All:          p.all,
		Personal:     p.personal,
		Project:      p.project,
		Assigned:     p.assigned,
		Visible:      visible,
		StatusCounts: p.statusCounts,
		Counts:       p.counts,
	}
	p.cache[key] = r
	return r
}

// build performs the single linear pass: display conversion, the four
// buckets, the status histogram and the aggregate counts. Overdue is
// evaluated against "now" at build time and stays fixed until the next
// Reset.
func (p *Projector) build() {
	if p.built {
		return
	}
	now := p.now()

	p.all = make([]DisplayTask, 0, len(p.tasks))
	p.personal = make([]DisplayTask, 0)
	p.project = make([]DisplayTask, 0)
	p.assigned = make([]DisplayTask, 0)
	p.byProject = make(map[string][]DisplayTask)
	p.statusCounts = make(map[domain.DisplayStatus]int, 3)
	counts := Counts{}

	for _, t := range p.tasks {
		dt := displayTask(t)
		p.all = append(p.all, dt)
		if t.Personal() {
			p.personal = append(p.personal, dt)
		} else {
			p.project = append(p.project, dt)
			p.byProject[t.ProjectID] = append(p.byProject[t.ProjectID], dt)
		}
		if t.AssigneeID != "" && t.AssigneeID == p.userID {
			p.assigned = append(p.assigned, dt)
		}
		p.statusCounts[dt.DisplayStatus]++
		if dt.DisplayStatus == domain.DisplayComplete {
			counts.Completed++
		}
		if dt.Due != nil && dt.DisplayStatus != domain.DisplayComplete && dt.Due.Before(now) {
			counts.Overdue++
		}
	}

	counts.Total = len(p.all)
	counts.Personal = len(p.personal)
	counts.Project = len(p.project)
	counts.Assigned = len(p.assigned)
	p.counts = counts

	p.scans++
	p.built = true
}

func displayTask(t domain.TaskRecord) DisplayTask {
	dt := DisplayTask{
		TaskRecord:    t,
		DisplayStatus: domain.DisplayStatusFor(t.Status),
	}
	dt.Priority = domain.NormalizePriority(t.Priority)
	if t.DueDate != nil && !t.DueDate.IsZero() {
		due := t.DueDate.UTC()
		dt.Due = &due
	}
	return dt
}

func matchesQuery(dt DisplayTask, q string) bool {
	return strings.Contains(strings.ToLower(dt.Title), q) ||
		strings.Contains(strings.ToLower(dt.Description), q)
}
