package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"tinker/internal/cache"
	"tinker/internal/config"
	"tinker/internal/intent"
	"tinker/internal/llm"
	"tinker/internal/logging"
	"tinker/internal/manifest"
	"tinker/internal/repolock"
	"tinker/internal/tool"
)

// ApprovalFunc decides whether a proposed plan may run. Feedback given
// with a rejection is forwarded into the next planning round.
type ApprovalFunc func(ctx context.Context, task *Task, plan *Plan) (approved bool, feedback string, err error)

// Pipeline wires classification, the manifest index, the tool registry,
// the experience cache, and the repository lock into one task runner.
type Pipeline struct {
	cfg        *config.Config
	client     llm.Client
	tools      *tool.Toolset
	mgr        *manifest.Manager
	store      *cache.Store
	locks      *repolock.Registry
	classifier *intent.Classifier
	approve    ApprovalFunc
	log        *zap.Logger
}

// New assembles a pipeline. The cache store may be nil, which disables
// experience reuse but changes nothing else.
func New(cfg *config.Config, client llm.Client, tools *tool.Toolset, mgr *manifest.Manager, store *cache.Store, locks *repolock.Registry) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		client:     client,
		tools:      tools,
		mgr:        mgr,
		store:      store,
		locks:      locks,
		classifier: intent.NewClassifier(client, cfg.Pipeline.ClarifyThreshold),
		log:        logging.Named("pipeline"),
	}
}

// SetApproval installs the gate consulted when approve_mode is
// "interactive". Without one, interactive mode falls back to auto
// approval with a warning.
func (p *Pipeline) SetApproval(fn ApprovalFunc) {
	p.approve = fn
}

// Run takes a raw request through classification and the matching
// handler while holding the repository lock. The returned task is never
// nil; when err is nil the task ended in Completed, possibly by asking
// the clarifying question in task.Question.
func (p *Pipeline) Run(ctx context.Context, request string) (*Task, error) {
	return p.run(ctx, request, "")
}

// RunCodeTask drives a request straight into the code-task flow without
// classifying it first. Callers that synthesize their own requests, the
// self-improvement loop in particular, already know what they are
// asking for.
func (p *Pipeline) RunCodeTask(ctx context.Context, request string) (*Task, error) {
	return p.run(ctx, request, intent.IntentCodeTask)
}

func (p *Pipeline) run(ctx context.Context, request string, forced intent.Intent) (*Task, error) {
	task := NewTask(request)

	lockTimeout := config.Duration(p.cfg.Pipeline.LockTimeout, 10*time.Second)
	lease, err := p.locks.Acquire(ctx, p.tools.Workspace(), "task-"+short(task.ID), lockTimeout)
	if err != nil {
		return task, p.fail(task, &TaskError{
			TaskID: task.ID,
			Phase:  task.Phase,
			Next:   "wait for the running task to finish, or remove a stale .tinker/repo.lock",
			Err:    err,
		})
	}
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			p.log.Warn("releasing repository lock", zap.Error(rerr))
		}
	}()

	cls := intent.Classification{Intent: forced, Confidence: 1, Source: "caller"}
	if forced == "" {
		cls, err = p.classifier.Classify(ctx, request, "")
		if err != nil {
			return task, p.fail(task, err)
		}
	}
	task.Intent = cls.Intent
	p.log.Info("request classified",
		zap.String("task", short(task.ID)),
		zap.String("intent", string(cls.Intent)),
		zap.Float64("confidence", cls.Confidence),
		zap.String("source", cls.Source))

	if cls.Intent == intent.IntentClarify {
		task.Question = cls.ClarifyingQuestion
		return task, p.complete(task)
	}

	switch cls.Intent {
	case intent.IntentChat:
		err = p.runChat(ctx, task)
	case intent.IntentLocate:
		err = p.runLocate(ctx, task)
	case intent.IntentBrowse:
		err = p.runBrowse(ctx, task)
	case intent.IntentExecute:
		err = p.runExecute(ctx, task)
	case intent.IntentCodeTask:
		err = p.runCodeTask(ctx, task)
	default:
		err = errors.New("unhandled intent " + string(cls.Intent))
	}
	if err != nil {
		return task, p.fail(task, err)
	}
	return task, p.complete(task)
}

// complete moves the task to Completed from whatever phase its handler
// stopped in.
func (p *Pipeline) complete(task *Task) error {
	if task.Phase.Terminal() {
		return nil
	}
	if err := task.transition(PhaseCompleted); err != nil {
		return p.fail(task, err)
	}
	p.log.Info("task completed",
		zap.String("task", short(task.ID)),
		zap.String("intent", string(task.Intent)),
		zap.Int("retries", task.Retries),
		zap.Int("patches", len(task.Rollback)))
	return nil
}

// fail marks the task failed and normalizes the error into a TaskError.
func (p *Pipeline) fail(task *Task, err error) error {
	var te *TaskError
	if !errors.As(err, &te) {
		te = &TaskError{TaskID: task.ID, Phase: task.Phase, Err: err}
	}
	if te.TaskID == "" {
		te.TaskID = task.ID
	}
	task.Phase = PhaseFailed
	task.UpdatedAt = time.Now()
	p.log.Error("task failed",
		zap.String("task", short(task.ID)),
		zap.String("phase", string(te.Phase)),
		zap.Error(te.Err))
	return te
}

// call executes one tool call under the task's identity and records the
// result on the phase record, failed calls included.
func (p *Pipeline) call(ctx context.Context, task *Task, rec *PhaseRecord, c tool.Call) (*tool.Result, error) {
	res, err := p.tools.Registry().Execute(tool.WithTask(ctx, task.ID, string(rec.Phase)), c)
	rec.Calls = append(rec.Calls, res)
	return res, err
}

// retryBudget returns the configured Verify-to-Plan budget, never
// negative.
func (p *Pipeline) retryBudget() int {
	if p.cfg.Pipeline.RetryBudget < 0 {
		return 0
	}
	return p.cfg.Pipeline.RetryBudget
}

// maxContextFiles caps how many ranked files Explore reads.
func (p *Pipeline) maxContextFiles() int {
	if p.cfg.Pipeline.MaxContextFiles <= 0 {
		return 12
	}
	return p.cfg.Pipeline.MaxContextFiles
}

// contextBudget scales the explore cap by the task's complexity score.
// A simple rename should not drag a dozen files into the prompt.
func (p *Pipeline) contextBudget(task *Task) int {
	limit := p.maxContextFiles()
	scaled := int(float64(limit)*(0.4+0.6*task.Complexity) + 0.5)
	if scaled < 3 {
		scaled = 3
	}
	if scaled > limit {
		scaled = limit
	}
	return scaled
}

// cleanJSONResponse strips markdown code fences from a model response so
// it parses as plain JSON.
func cleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	response = strings.TrimPrefix(response, "```json")
	response = strings.TrimPrefix(response, "```")
	response = strings.TrimSuffix(response, "```")
	return strings.TrimSpace(response)
}

// tailOf keeps the last n bytes of s for feedback prompts.
func tailOf(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
