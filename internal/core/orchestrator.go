package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valter-silva-au/digital-fte/internal/storage"
	"github.com/valter-silva-au/digital-fte/pkg/models"
)

// DriverState is where the driver is within one iteration.
type DriverState string

const (
	StateIdle          DriverState = "idle"
	StateDispatching   DriverState = "dispatching"
	StateAwaitingActor DriverState = "awaiting_actor"
	StateEvaluating    DriverState = "evaluating"
)

// RunStatus is how a driver run ended.
type RunStatus string

const (
	// RunCompleted: the actor emitted the completion token, or the queue
	// drained with stop_when_empty set, or a single process cycle finished.
	RunCompleted RunStatus = "completed"
	// RunIncomplete: max_iterations reached without a completion signal.
	RunIncomplete RunStatus = "incomplete"
	// RunAborted: the actor kept timing out, failed fatally, or the run was
	// cancelled.
	RunAborted RunStatus = "aborted"
	// RunKillSwitch: the kill switch was set before an iteration.
	RunKillSwitch RunStatus = "kill_switch"
)

// dryRunOutput stands in for actor output when nothing is executed.
const dryRunOutput = "Dry run - no output"

// lastOutputLimit caps how much actor output is carried between iterations.
const lastOutputLimit = 1000

// ActorRequest is what the driver hands the external actor.
type ActorRequest struct {
	Prompt    string
	Iteration int
	Items     []models.Handle
	WorkDir   string
}

// ActorResponse is the actor's captured output.
type ActorResponse struct {
	Output   string
	Duration time.Duration
}

// Actor is the external reasoning process. Invoke must honour ctx; a
// deadline surfaces as ErrTimeout.
type Actor interface {
	Invoke(ctx context.Context, req ActorRequest) (ActorResponse, error)
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	Owner             string
	BatchSize         int
	MaxIterations     int
	CompletionPromise string
	StopWhenEmpty     bool
	IterationPause    time.Duration
	ActorTimeout      time.Duration
	ActorRetries      int
	ClaimTTL          time.Duration
	KillSwitch        bool
	KillSwitchFile    string
	Dashboard         *Dashboard
	EventLogger       EventLogger
	Logger            zerolog.Logger
	Now               func() time.Time
}

// RunResult describes a finished driver run.
type RunResult struct {
	SessionID  string    `json:"session_id"`
	Status     RunStatus `json:"status"`
	Iterations int       `json:"iterations"`
	Claimed    int       `json:"claimed"`
	Released   int       `json:"released"`
	LastOutput string    `json:"last_output,omitempty"`
	StateFile  string    `json:"state_file,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Driver runs the actor against the vault in bounded iterations:
// Idle, Dispatching, AwaitingActor, Evaluating, then continue or stop.
type Driver struct {
	queue ClaimQueue
	actor Actor
	opts  DriverOptions
	log   zerolog.Logger
	state DriverState
}

// NewDriver creates a Driver.
func NewDriver(queue ClaimQueue, actor Actor, opts DriverOptions) *Driver {
	if opts.Owner == "" {
		opts.Owner = "orchestrator"
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = 1
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 1
	}
	if opts.CompletionPromise == "" {
		opts.CompletionPromise = "TASK_COMPLETE"
	}
	if opts.ActorTimeout <= 0 {
		opts.ActorTimeout = 5 * time.Minute
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{
		queue: queue,
		actor: actor,
		opts:  opts,
		log:   opts.Logger.With().Str("cmp", "driver").Logger(),
		state: StateIdle,
	}
}

// State returns the driver's current state.
func (d *Driver) State() DriverState { return d.state }

// KillSwitchActive reports whether the kill switch is set by configuration
// or by the sentinel file in the vault root.
func (d *Driver) KillSwitchActive() bool {
	if d.opts.KillSwitch {
		return true
	}
	if d.opts.KillSwitchFile == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(d.queue.Store().Root(), d.opts.KillSwitchFile))
	return err == nil
}

// ContainsPromise reports whether output carries <promise>token</promise>.
func ContainsPromise(output, token string) bool {
	return strings.Contains(output, "<promise>"+token+"</promise>")
}

// Process runs a single cycle. It does not wait for a completion token and
// records its state in Plans/CLAUDE_STATE_<ts>.md.
func (d *Driver) Process(ctx context.Context, prompt string) (RunResult, error) {
	return d.run(ctx, prompt, 1, false, "CLAUDE_STATE")
}

// Loop repeats cycles until the completion token appears, the queue drains
// (with stop_when_empty), or max_iterations is reached. Every iteration is
// recorded in Plans/RALPH_STATE_<ts>.md.
func (d *Driver) Loop(ctx context.Context, prompt string) (RunResult, error) {
	return d.run(ctx, prompt, d.opts.MaxIterations, true, "RALPH_STATE")
}

func (d *Driver) run(ctx context.Context, prompt string, maxIterations int, needToken bool, statePrefix string) (RunResult, error) {
	started := d.opts.Now().UTC()
	res := RunResult{
		SessionID: uuid.NewString(),
		StartedAt: started,
		StateFile: filepath.Join(d.queue.Store().Root(), storage.PlansDir, statePrefix+"_"+started.Format("20060102_150405")+".md"),
	}
	if prompt == "" {
		prompt = d.DefaultPrompt()
	}
	log := d.log.With().Str("session", res.SessionID).Logger()
	log.Info().Int("max_iterations", maxIterations).Bool("dry_run", d.queue.DryRun()).Msg("driver started")
	d.event("driver.started", map[string]any{"session_id": res.SessionID, "max_iterations": maxIterations})

	var runErr error
	defer func() { d.state = StateIdle }()

loop:
	for i := 1; i <= maxIterations; i++ {
		if d.KillSwitchActive() {
			log.Warn().Int("iteration", i).Msg("kill switch active, stopping")
			res.Status = RunKillSwitch
			break
		}
		if ctx.Err() != nil {
			res.Status = RunAborted
			runErr = ctx.Err()
			break
		}
		res.Iterations = i

		d.state = StateDispatching
		d.housekeeping()
		claimed, err := d.queue.ClaimBatch(d.opts.Owner, d.opts.BatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("claiming batch")
		}
		res.Claimed += len(claimed)

		if d.opts.StopWhenEmpty && len(claimed) == 0 && d.queueEmpty() {
			log.Info().Int("iteration", i).Msg("queue empty, stopping")
			res.Status = RunCompleted
			break
		}

		d.state = StateAwaitingActor
		req := ActorRequest{
			Prompt:    d.iterationPrompt(prompt, i, maxIterations, claimed, res.LastOutput),
			Iteration: i,
			Items:     claimed,
			WorkDir:   d.queue.Store().Root(),
		}
		output, err := d.invoke(ctx, req)

		d.state = StateEvaluating
		res.Released += d.releaseHeld()

		switch {
		case err == nil:
			res.LastOutput = tail(output, lastOutputLimit)
		case errors.Is(err, ErrTimeout), errors.Is(err, ErrFatal), ctx.Err() != nil:
			log.Error().Err(err).Int("iteration", i).Msg("actor failed, aborting")
			res.Status = RunAborted
			res.LastOutput = "Error: " + err.Error()
			runErr = err
			break loop
		default:
			// Anything else is worth another iteration.
			log.Warn().Err(err).Int("iteration", i).Msg("actor failed")
			res.LastOutput = "Error: " + err.Error()
		}

		done := false
		switch {
		case ContainsPromise(output, d.opts.CompletionPromise):
			log.Info().Int("iteration", i).Msg("completion promise detected")
			done = true
		case d.opts.StopWhenEmpty && d.queueEmpty():
			log.Info().Int("iteration", i).Msg("queue drained")
			done = true
		case !needToken:
			done = true
		}

		d.writeState(&res, prompt, maxIterations, done)
		d.event("driver.iteration", map[string]any{
			"session_id": res.SessionID,
			"iteration":  i,
			"claimed":    len(claimed),
			"completed":  done,
		})
		if done {
			res.Status = RunCompleted
			break
		}
		if i < maxIterations && !d.pause(ctx) {
			res.Status = RunAborted
			runErr = ctx.Err()
			break
		}
	}

	if res.Status == "" {
		res.Status = RunIncomplete
		log.Warn().Int("iterations", res.Iterations).Msg("max iterations reached without completion")
	}
	res.EndedAt = d.opts.Now().UTC()
	d.writeFinal(&res, prompt, maxIterations)
	d.refreshDashboard()
	d.event("driver.finished", map[string]any{
		"session_id": res.SessionID,
		"status":     string(res.Status),
		"iterations": res.Iterations,
	})
	log.Info().Str("status", string(res.Status)).Int("iterations", res.Iterations).Msg("driver finished")
	return res, runErr
}

// housekeeping enforces approval expiry and reclaims abandoned claims
// before work is dispatched.
func (d *Driver) housekeeping() {
	if _, err := d.queue.SweepExpired(); err != nil {
		d.log.Warn().Err(err).Msg("sweeping approvals")
	}
	if released, err := d.queue.ReclaimStale(d.opts.ClaimTTL); err != nil {
		d.log.Warn().Err(err).Msg("reclaiming stale claims")
	} else if len(released) > 0 {
		d.log.Info().Int("released", len(released)).Msg("stale claims released")
	}
}

func (d *Driver) queueEmpty() bool {
	pending, err := d.queue.Store().List(models.StageNeedsAction)
	if err != nil || len(pending) > 0 {
		return false
	}
	held, err := d.queue.Held(d.opts.Owner)
	return err == nil && len(held) == 0
}

// invoke calls the actor with a per-attempt timeout. Timeouts are retried
// up to ActorRetries times with the same batch.
func (d *Driver) invoke(ctx context.Context, req ActorRequest) (string, error) {
	if d.queue.DryRun() {
		d.log.Info().Int("iteration", req.Iteration).Int("items", len(req.Items)).Msg("[dry run] would invoke actor")
		return dryRunOutput, nil
	}

	var lastErr error
	for attempt := 0; attempt <= d.opts.ActorRetries; attempt++ {
		actx, cancel := context.WithTimeout(ctx, d.opts.ActorTimeout)
		resp, err := d.actor.Invoke(actx, req)
		cancel()
		if err == nil {
			d.log.Debug().Dur("took", resp.Duration).Int("iteration", req.Iteration).Msg("actor finished")
			return resp.Output, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		if !errors.Is(err, ErrTimeout) {
			return resp.Output, err
		}
		lastErr = err
		d.log.Warn().Err(err).Int("attempt", attempt+1).Msg("actor timed out")
	}
	return "", fmt.Errorf("invoking actor after %d attempt(s): %w", d.opts.ActorRetries+1, lastErr)
}

// releaseHeld returns anything the driver still holds to Needs_Action.
func (d *Driver) releaseHeld() int {
	if d.queue.DryRun() {
		return 0
	}
	held, err := d.queue.Held(d.opts.Owner)
	if err != nil {
		d.log.Warn().Err(err).Msg("listing held items")
		return 0
	}
	n := 0
	for _, h := range held {
		if _, err := d.queue.Release(h.ID, d.opts.Owner); err != nil {
			if !errors.Is(err, ErrConflict) {
				d.log.Warn().Err(err).Str("item", h.ID).Msg("releasing item")
			}
			continue
		}
		n++
	}
	return n
}

func (d *Driver) pause(ctx context.Context) bool {
	if d.opts.IterationPause <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d.opts.IterationPause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (d *Driver) refreshDashboard() {
	if d.opts.Dashboard == nil {
		return
	}
	if _, err := d.opts.Dashboard.Render(); err != nil {
		d.log.Warn().Err(err).Msg("updating dashboard")
	}
}

func (d *Driver) event(eventType string, data map[string]any) {
	if d.opts.EventLogger == nil {
		return
	}
	if err := d.opts.EventLogger.LogEvent(eventType, data); err != nil {
		d.log.Warn().Err(err).Str("event", eventType).Msg("writing audit event")
	}
}

// DefaultPrompt is used when the caller supplies none.
func (d *Driver) DefaultPrompt() string {
	store := d.queue.Store()
	needs, _ := store.List(models.StageNeedsAction)
	pending, _ := store.List(models.StagePendingApproval)
	return fmt.Sprintf(`Process the Digital FTE vault at %s.

Current status:
- Items in /Needs_Action: %d
- Items in /Pending_Approval: %d

Instructions:
1. Read every item you have been given from /In_Progress/%s
2. Decide the required action using the rules in %s
3. Create plans in /Plans for complex tasks
4. Resolve each item with "fte resolve <id> completed|rejected --owner %s"; sensitive actions are routed to /Pending_Approval automatically
5. Leave items you cannot finish; they are returned to /Needs_Action

Follow the Rules of Engagement in %s at all times.`,
		store.Root(), len(needs), len(pending), d.opts.Owner, storage.HandbookMD, d.opts.Owner, storage.HandbookMD)
}

func (d *Driver) iterationPrompt(prompt string, iteration, maxIterations int, claimed []models.Handle, lastOutput string) string {
	remaining, _ := d.queue.Store().List(models.StageNeedsAction)
	if lastOutput == "" {
		lastOutput = "None"
	}

	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\n---\nCONTEXT (Iteration %d/%d):\n", iteration, maxIterations)
	fmt.Fprintf(&b, "- Items claimed for you: %d\n", len(claimed))
	for _, h := range claimed {
		rel, err := filepath.Rel(d.queue.Store().Root(), h.Path)
		if err != nil {
			rel = h.Path
		}
		fmt.Fprintf(&b, "  - %s (%s)\n", h.ID, filepath.ToSlash(rel))
	}
	fmt.Fprintf(&b, "- Items remaining in /Needs_Action: %d\n", len(remaining))
	fmt.Fprintf(&b, "- Previous output: %s\n\n", lastOutput)
	fmt.Fprintf(&b, "Continue processing. If the task is complete, output: <promise>%s</promise>\n", d.opts.CompletionPromise)
	return b.String()
}

func (d *Driver) writeState(res *RunResult, prompt string, maxIterations int, completed bool) {
	meta := map[string]string{
		"type":           stateType(res.StateFile),
		"session_id":     res.SessionID,
		"iteration":      fmt.Sprint(res.Iterations),
		"max_iterations": fmt.Sprint(maxIterations),
		"started":        res.StartedAt.Format(time.RFC3339),
		"completed":      fmt.Sprint(completed),
		"status":         "processing",
	}
	body := fmt.Sprintf("# Driver State\n\n## Prompt\n%s\n\n## Last Output\n%s\n\n## Status\nIteration %d/%d\n",
		prompt, orNone(res.LastOutput), res.Iterations, maxIterations)
	d.saveState(res.StateFile, meta, body)
}

func (d *Driver) writeFinal(res *RunResult, prompt string, maxIterations int) {
	meta := map[string]string{
		"type":           stateType(res.StateFile),
		"session_id":     res.SessionID,
		"iteration":      fmt.Sprint(res.Iterations),
		"max_iterations": fmt.Sprint(maxIterations),
		"started":        res.StartedAt.Format(time.RFC3339),
		"ended":          res.EndedAt.Format(time.RFC3339),
		"completed":      fmt.Sprint(res.Status == RunCompleted),
		"status":         string(res.Status),
	}
	body := fmt.Sprintf(`# Driver State - Final

## Result
%s

## Summary
- Iterations: %d
- Items claimed: %d
- Items released: %d
- Started: %s
- Ended: %s

## Original Prompt
%s

## Last Output
%s
`, strings.ToUpper(strings.ReplaceAll(string(res.Status), "_", " ")), res.Iterations, res.Claimed, res.Released,
		res.StartedAt.Format(time.RFC3339), res.EndedAt.Format(time.RFC3339), prompt, orNone(res.LastOutput))
	d.saveState(res.StateFile, meta, body)
}

func (d *Driver) saveState(path string, meta map[string]string, body string) {
	if d.queue.DryRun() {
		return
	}
	content, err := storage.RenderFrontmatter(meta, body)
	if err != nil {
		d.log.Warn().Err(err).Msg("rendering state file")
		return
	}
	if err := storage.WriteFileAtomic(path, []byte(content), 0o644); err != nil {
		d.log.Warn().Err(err).Str("path", path).Msg("writing state file")
	}
}

func stateType(path string) string {
	if strings.HasPrefix(filepath.Base(path), "CLAUDE_STATE") {
		return "claude_state"
	}
	return "ralph_state"
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// tail keeps the last n bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
