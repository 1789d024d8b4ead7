package detector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/annika-hq/plannersync/internal/types"
)

// RemoteSource lists plans and their tasks. graph.Client satisfies it.
type RemoteSource interface {
	ListPlans(ctx context.Context, groupIDs []string) ([]types.Plan, error)
	ListPlanTasks(ctx context.Context, planID string) ([]types.RemoteTask, error)
}

// MappingReader is the read side of the mapping store.
type MappingReader interface {
	GetLocalID(ctx context.Context, remoteID string) (string, error)
	GetVersionToken(ctx context.Context, remoteID string) (string, error)
	PlanRemoteIDs(ctx context.Context, planID string) ([]string, error)
}

// Activity classifies a plan for polling.
type Activity string

const (
	Active   Activity = "active"
	Normal   Activity = "normal"
	Inactive Activity = "inactive"
)

// Intervals are the adaptive poll periods.
type Intervals struct {
	Active   time.Duration
	Normal   time.Duration
	Inactive time.Duration
	// ActiveThreshold live tasks or more than this make a plan active.
	ActiveThreshold int
}

// DefaultIntervals are 60s for plans with more than 10 live tasks, 30m for
// empty plans and 5m otherwise.
var DefaultIntervals = Intervals{
	Active:          60 * time.Second,
	Normal:          300 * time.Second,
	Inactive:        1800 * time.Second,
	ActiveThreshold: 10,
}

// Classify maps a live task count to an activity class.
func (iv Intervals) Classify(liveTasks int) Activity {
	switch {
	case liveTasks <= 0:
		return Inactive
	case liveTasks > iv.ActiveThreshold:
		return Active
	default:
		return Normal
	}
}

// Interval returns the poll period of a class.
func (iv Intervals) Interval(a Activity) time.Duration {
	switch a {
	case Active:
		return iv.Active
	case Inactive:
		return iv.Inactive
	default:
		return iv.Normal
	}
}

// ChangeKind classifies a remote task against the mapping store.
type ChangeKind string

const (
	ChangeNew     ChangeKind = "new"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one remote task that needs applying locally.
type Change struct {
	Kind     ChangeKind
	PlanID   string
	RemoteID string
	LocalID  string // empty for ChangeNew
	// Task is the listed task; nil for ChangeDeleted.
	Task *types.RemoteTask
	// StoredETag is the token recorded at the last sync.
	StoredETag string
}

// PlanResult is the outcome of polling one plan.
type PlanResult struct {
	PlanID    string
	Title     string
	Class     Activity
	LiveTasks int
	Unchanged int
	Completed int // completed tasks skipped by policy
	Changes   []Change
	Err       error
}

// PollResult is the outcome of one poll pass over all due plans.
type PollResult struct {
	Plans []PlanResult
	// ListErr is set when plan enumeration failed; the last known plan list
	// was used instead, if any.
	ListErr error
}

// PollOptions widens or narrows a pass.
type PollOptions struct {
	// Force polls every known plan regardless of interval.
	Force bool
	// Only restricts the pass to these plans and polls them immediately.
	Only []string
}

type planState struct {
	title      string
	class      Activity
	liveTasks  int
	lastPolled time.Time
	requested  bool
}

// RemoteDetector polls Planner plan by plan.
type RemoteDetector struct {
	src              RemoteSource
	maps             MappingReader
	groupIDs         []string
	extraPlans       []string
	intervals        Intervals
	excludeCompleted bool
	log              *slog.Logger
	now              func() time.Time

	mu    sync.Mutex
	plans map[string]*planState
	order []string
}

// RemoteOption configures a RemoteDetector.
type RemoteOption func(*RemoteDetector)

// WithGroups restricts plan enumeration to these groups' plans.
func WithGroups(ids []string) RemoteOption {
	return func(d *RemoteDetector) { d.groupIDs = ids }
}

// WithPlans adds plans that are always polled even if enumeration does not
// return them (the default upload plan, for instance).
func WithPlans(ids ...string) RemoteOption {
	return func(d *RemoteDetector) {
		for _, id := range ids {
			if id != "" {
				d.extraPlans = append(d.extraPlans, id)
			}
		}
	}
}

// WithIntervals overrides DefaultIntervals.
func WithIntervals(iv Intervals) RemoteOption {
	return func(d *RemoteDetector) { d.intervals = iv }
}

// WithExcludeCompleted sets the completed-task policy.
func WithExcludeCompleted(v bool) RemoteOption {
	return func(d *RemoteDetector) { d.excludeCompleted = v }
}

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) RemoteOption {
	return func(d *RemoteDetector) { d.now = now }
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(log *slog.Logger) RemoteOption {
	return func(d *RemoteDetector) { d.log = log }
}

// NewRemoteDetector builds a detector.
func NewRemoteDetector(src RemoteSource, maps MappingReader, opts ...RemoteOption) *RemoteDetector {
	d := &RemoteDetector{
		src:              src,
		maps:             maps,
		intervals:        DefaultIntervals,
		excludeCompleted: true,
		log:              slog.New(slog.DiscardHandler),
		now:              time.Now,
		plans:            make(map[string]*planState),
	}
	for _, opt := range opts {
		opt(d)
	}
	for _, id := range d.extraPlans {
		d.track(id, "")
	}
	return d
}

// track registers a plan; callers hold mu or are in the constructor.
func (d *RemoteDetector) track(id, title string) *planState {
	st, ok := d.plans[id]
	if !ok {
		st = &planState{class: Normal}
		d.plans[id] = st
		d.order = append(d.order, id)
	}
	if title != "" {
		st.title = title
	}
	return st
}

// RequestPoll makes planID due on the next pass, bypassing its interval.
func (d *RemoteDetector) RequestPoll(planID string) {
	if planID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.track(planID, "").requested = true
}

// NextDue returns when the earliest plan becomes due. With no plans known
// yet it returns now, so the first pass can enumerate them.
func (d *RemoteDetector) NextDue() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if len(d.plans) == 0 {
		return now
	}
	var next time.Time
	for _, st := range d.plans {
		due := st.lastPolled.Add(d.intervals.Interval(st.class))
		if st.requested || st.lastPolled.IsZero() {
			due = now
		}
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}
	return next
}

// PlanStatus reports a plan's current classification.
type PlanStatus struct {
	PlanID     string    `json:"plan_id"`
	Title      string    `json:"title,omitempty"`
	Class      Activity  `json:"class"`
	LiveTasks  int       `json:"live_tasks"`
	LastPolled time.Time `json:"last_polled"`
}

// Plans returns the status of every tracked plan.
func (d *RemoteDetector) Plans() []PlanStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlanStatus, 0, len(d.order))
	for _, id := range d.order {
		st := d.plans[id]
		out = append(out, PlanStatus{PlanID: id, Title: st.title, Class: st.class, LiveTasks: st.liveTasks, LastPolled: st.lastPolled})
	}
	return out
}

// Poll enumerates plans and inspects every due plan. Deletion is decided per
// plan, and only for plans whose task listing succeeded in this pass.
func (d *RemoteDetector) Poll(ctx context.Context, opts PollOptions) *PollResult {
	res := &PollResult{}

	if len(opts.Only) == 0 {
		plans, err := d.src.ListPlans(ctx, d.groupIDs)
		if err != nil {
			res.ListErr = err
			d.log.Warn("plan enumeration failed, using last known plans", "error", err)
		} else {
			d.mu.Lock()
			for _, p := range plans {
				d.track(p.ID, p.Title)
			}
			d.mu.Unlock()
		}
	}

	for _, planID := range d.duePlans(opts) {
		if ctx.Err() != nil {
			break
		}
		res.Plans = append(res.Plans, d.pollPlan(ctx, planID))
	}
	return res
}

func (d *RemoteDetector) duePlans(opts PollOptions) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	var due []string
	if len(opts.Only) > 0 {
		for _, id := range opts.Only {
			if id == "" {
				continue
			}
			d.track(id, "")
			due = append(due, id)
		}
		return due
	}
	for _, id := range d.order {
		st := d.plans[id]
		if opts.Force || st.requested || st.lastPolled.IsZero() ||
			now.Sub(st.lastPolled) >= d.intervals.Interval(st.class) {
			due = append(due, id)
		}
	}
	return due
}

func (d *RemoteDetector) pollPlan(ctx context.Context, planID string) PlanResult {
	d.mu.Lock()
	st := d.track(planID, "")
	pr := PlanResult{PlanID: planID, Title: st.title, Class: st.class}
	d.mu.Unlock()

	tasks, err := d.src.ListPlanTasks(ctx, planID)
	polledAt := d.now()
	if err != nil {
		pr.Err = err
		d.mu.Lock()
		st.lastPolled = polledAt
		st.requested = false
		d.mu.Unlock()
		return pr
	}

	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		seen[task.ID] = true
		if !task.IsCompleted() {
			pr.LiveTasks++
		}
		ch, err := d.classify(ctx, planID, task)
		if err != nil {
			pr.Err = err
			break
		}
		if ch == nil {
			if d.excludeCompleted && task.IsCompleted() {
				pr.Completed++
			} else {
				pr.Unchanged++
			}
			continue
		}
		pr.Changes = append(pr.Changes, *ch)
	}

	if pr.Err == nil {
		known, err := d.maps.PlanRemoteIDs(ctx, planID)
		if err != nil {
			pr.Err = fmt.Errorf("plan index %s: %w", planID, err)
		}
		for _, remoteID := range known {
			if seen[remoteID] {
				continue
			}
			localID, err := d.maps.GetLocalID(ctx, remoteID)
			if err != nil {
				pr.Err = err
				break
			}
			pr.Changes = append(pr.Changes, Change{Kind: ChangeDeleted, PlanID: planID, RemoteID: remoteID, LocalID: localID})
		}
	}

	class := d.intervals.Classify(pr.LiveTasks)
	d.mu.Lock()
	st.lastPolled = polledAt
	st.requested = false
	st.liveTasks = pr.LiveTasks
	if st.class != class {
		d.log.Debug("plan activity changed", "plan_id", planID, "from", st.class, "to", class)
	}
	st.class = class
	d.mu.Unlock()
	pr.Class = class
	return pr
}

// classify returns nil for tasks that need nothing.
func (d *RemoteDetector) classify(ctx context.Context, planID string, task *types.RemoteTask) (*Change, error) {
	localID, err := d.maps.GetLocalID(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("mapping for %s: %w", task.ID, err)
	}
	if localID == "" {
		if d.excludeCompleted && task.IsCompleted() {
			return nil, nil
		}
		return &Change{Kind: ChangeNew, PlanID: planID, RemoteID: task.ID, Task: task}, nil
	}
	stored, err := d.maps.GetVersionToken(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("version token for %s: %w", task.ID, err)
	}
	if stored == task.ETag && stored != "" {
		return nil, nil
	}
	// A linked task whose completion has not been applied yet is synced once.
	return &Change{Kind: ChangeUpdated, PlanID: planID, RemoteID: task.ID, LocalID: localID, Task: task, StoredETag: stored}, nil
}
