package agent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/gigi-dev/gigi/internal/store"
)

// Task milestone states, in order. A task advances only forward.
type TaskState string

const (
	TaskInitial  TaskState = "initial"
	TaskChanged  TaskState = "changed"
	TaskPushed   TaskState = "pushed"
	TaskPROpened TaskState = "pr_opened"
	TaskNotified TaskState = "notified"
	TaskDone     TaskState = "done"
)

// maxEnforcementCycles caps follow-up injections per task; the cycle after
// the cap is a no-op so a confused model cannot livelock the runtime.
const maxEnforcementCycles = 8

// Task tracks completion milestones for one "work on issue" intent.
type Task struct {
	ThreadID  uuid.UUID `json:"thread_id"`
	Repo      string    `json:"repo"`
	Issue     int64     `json:"issue"`
	State     TaskState `json:"state"`
	Cycles    int       `json:"cycles"`
	StartedAt time.Time `json:"started_at"`

	fingerprint string
	startSeq    int64
}

// Enforcer drives tasks through changed → pushed → pr_opened → notified
// by injecting synthetic follow-up turns after each real turn. Detectors
// observe the workspace fingerprint, the thread's tool history, and the
// action log.
type Enforcer struct {
	st        *store.Store
	workspace string

	mu    sync.Mutex
	tasks map[uuid.UUID]*Task

	watcher *fsnotify.Watcher
	dirty   atomic.Bool
	done    chan struct{}
}

func NewEnforcer(st *store.Store, workspace string) *Enforcer {
	e := &Enforcer{
		st:        st,
		workspace: workspace,
		tasks:     make(map[uuid.UUID]*Task),
		done:      make(chan struct{}),
	}
	if workspace != "" {
		if err := e.startWatcher(); err != nil {
			slog.Warn("enforcer: workspace watcher unavailable, falling back to fingerprints", "error", err)
		}
	}
	return e
}

// startWatcher wires fsnotify over the workspace tree. New directories
// are added as they appear; any write flips the dirty bit, which the
// changed detector consumes as a fast path.
func (e *Enforcer) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	e.watcher = w

	addDirs := func(root string) {
		filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() {
				return nil
			}
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			w.Add(path)
			return nil
		})
	}
	addDirs(e.workspace)

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.Contains(ev.Name, string(filepath.Separator)+".git"+string(filepath.Separator)) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					e.dirty.Store(true)
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						addDirs(ev.Name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Debug("enforcer: watcher error", "error", err)
			case <-e.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the workspace watcher.
func (e *Enforcer) Close() {
	close(e.done)
	if e.watcher != nil {
		e.watcher.Close()
	}
}

// Track registers a task for the thread when it carries an open issue
// reference. Idempotent; an existing task is left untouched.
func (e *Enforcer) Track(ctx context.Context, thread *store.Thread, refs []store.Reference) {
	var issueRef *store.Reference
	for i := range refs {
		if refs[i].RefType == store.RefIssue && refs[i].Status == store.RefOpen {
			issueRef = &refs[i]
			break
		}
	}
	if issueRef == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tasks[thread.ID]; exists {
		return
	}

	tail, _ := e.st.TailSeq(ctx, thread.ID)
	e.tasks[thread.ID] = &Task{
		ThreadID:    thread.ID,
		Repo:        issueRef.Repo,
		Issue:       issueRef.Number,
		State:       TaskInitial,
		StartedAt:   time.Now().UTC(),
		fingerprint: e.fingerprintWorkspace(),
		startSeq:    tail,
	}
	e.dirty.Store(false)
	slog.Info("enforcer: tracking task", "thread", thread.ID, "repo", issueRef.Repo, "issue", issueRef.Number)
}

// Advance re-evaluates the task's detectors after a turn. When milestones
// remain incomplete it returns a follow-up directive to inject as a
// synthetic inbound event; at most one per turn, bounded by the cycle cap.
func (e *Enforcer) Advance(ctx context.Context, threadID uuid.UUID) (string, bool) {
	e.mu.Lock()
	task, ok := e.tasks[threadID]
	e.mu.Unlock()
	if !ok {
		return "", false
	}

	e.evaluate(ctx, task)

	if task.State == TaskDone {
		e.mu.Lock()
		delete(e.tasks, threadID)
		e.mu.Unlock()
		slog.Info("enforcer: task complete", "thread", threadID, "issue", task.Issue)
		return "", false
	}
	if task.State == TaskInitial {
		// No observable delta yet; injecting would just repeat the intent.
		return "", false
	}
	if task.Cycles >= maxEnforcementCycles {
		slog.Warn("enforcer: cycle cap reached", "thread", threadID, "issue", task.Issue, "state", task.State)
		return "", false
	}
	task.Cycles++

	switch task.State {
	case TaskChanged:
		return fmt.Sprintf("You changed code in the workspace. Commit your work on a branch, push it, and open a pull request for %s#%d.", task.Repo, task.Issue), true
	case TaskPushed:
		return fmt.Sprintf("The branch is pushed. Open a pull request for %s#%d.", task.Repo, task.Issue), true
	case TaskPROpened:
		return "The pull request is open. Notify the operator with telegram_send, including the PR link.", true
	}
	return "", false
}

// evaluate fires detectors in milestone order; a state only advances when
// its detector returns true.
func (e *Enforcer) evaluate(ctx context.Context, task *Task) {
	window := time.Since(task.StartedAt) + time.Minute

	if task.State == TaskInitial && e.detectChanged(task) {
		task.State = TaskChanged
	}
	if task.State == TaskChanged && e.detectPushed(ctx, task) {
		task.State = TaskPushed
	}
	if task.State == TaskPushed {
		if ok, _ := e.st.HasRecentActionKind(ctx, "pr_create", task.Repo, window); ok {
			task.State = TaskPROpened
		}
	}
	if task.State == TaskPROpened {
		if ok, _ := e.st.HasRecentActionKey(ctx, "telegram_send", "", task.ThreadID.String(), window); ok {
			task.State = TaskNotified
		}
	}
	if task.State == TaskNotified {
		task.State = TaskDone
	}
}

func (e *Enforcer) detectChanged(task *Task) bool {
	if e.dirty.Load() {
		return true
	}
	fp := e.fingerprintWorkspace()
	return fp != "" && fp != task.fingerprint
}

// detectPushed scans the thread's tool history since the task started for
// a successful bash invocation of git push.
func (e *Enforcer) detectPushed(ctx context.Context, task *Task) bool {
	events, err := e.st.ListEvents(ctx, task.ThreadID, store.EventFilter{AfterSeq: task.startSeq})
	if err != nil {
		return false
	}
	pushCalls := make(map[string]bool)
	for _, ev := range events {
		switch ev.Type {
		case store.TypeToolUse:
			for _, b := range ev.Content.Blocks {
				if b.Type == "tool_use" && b.ToolName == "bash" && strings.Contains(string(b.Input), "git push") {
					pushCalls[b.ToolUseID] = true
				}
			}
		case store.TypeToolResult:
			for _, b := range ev.Content.Blocks {
				if b.Type == "tool_result" && pushCalls[b.ToolUseID] && !b.IsError {
					return true
				}
			}
		}
	}
	return false
}

// Stale returns tasks older than the cutoff that are still incomplete,
// for the hourly operator sweep.
func (e *Enforcer) Stale(olderThan time.Duration) []Task {
	cutoff := time.Now().UTC().Add(-olderThan)
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Task
	for _, t := range e.tasks {
		if t.StartedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out
}

// fingerprintWorkspace hashes path, size and mtime of every file under
// the workspace, .git excluded. Cheap enough to run per turn.
func (e *Enforcer) fingerprintWorkspace() string {
	if e.workspace == "" {
		return ""
	}
	h := sha256.New()
	filepath.WalkDir(e.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fmt.Fprintf(h, "%s|%d|%d\n", path, info.Size(), info.ModTime().UnixNano())
		return nil
	})
	return hex.EncodeToString(h.Sum(nil))
}
