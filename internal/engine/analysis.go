package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"docaudit-backend/internal/access"
	"docaudit-backend/internal/config"
	"docaudit-backend/internal/metadata"
	"docaudit-backend/internal/store"
)

// ErrQueueFull is returned when the analysis queue cannot take another run.
var ErrQueueFull = errors.New("analysis queue is full")

// Summarizer asks a language model for a JSON summary of an analysis.
type Summarizer interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

const summaryPrompt = `You review audit results for business documents.
Reply with a JSON object {"risk": "low"|"medium"|"high", "notes": [string]}
based on the extracted document fields and the failed checks.`

type analysisMetrics struct {
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

func newAnalysisMetrics(reg prometheus.Registerer) *analysisMetrics {
	if reg == nil {
		return nil
	}
	m := &analysisMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "docaudit",
			Subsystem: "analysis",
			Name:      "runs_total",
			Help:      "Analysis runs by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "docaudit",
			Subsystem: "analysis",
			Name:      "run_duration_seconds",
			Help:      "Time from claiming a run to its final status.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(m.runs, m.duration)
	return m
}

func (m *analysisMetrics) observe(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.duration.Observe(elapsed.Seconds())
}

// Analyzer evaluates rulesets against documents on a fixed pool of workers.
type Analyzer struct {
	store    *store.Store
	registry *metadata.Registry
	writer   *Writer
	eval     ExpressionEvaluator
	ai       Summarizer
	metrics  *analysisMetrics
	now      func() time.Time

	workers  int
	queue    chan string
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewAnalyzer builds an analyzer. ai and promReg may be nil.
func NewAnalyzer(s *store.Store, reg *metadata.Registry, w *Writer, eval ExpressionEvaluator, ai Summarizer, cfg config.AnalysisConfig, promReg prometheus.Registerer) *Analyzer {
	workers := max(cfg.Workers, 1)
	queueSize := max(cfg.QueueSize, 1)
	return &Analyzer{
		store:    s,
		registry: reg,
		writer:   w,
		eval:     eval,
		ai:       ai,
		metrics:  newAnalysisMetrics(promReg),
		now:      time.Now,
		workers:  workers,
		queue:    make(chan string, queueSize),
	}
}

// Start launches the workers and re-queues runs left pending by a previous
// process.
func (a *Analyzer) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)

	a.requeuePending(ctx)

	for i := 0; i < a.workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx)
	}
	slog.Info("analysis workers started", "workers", a.workers, "queue", cap(a.queue))
}

// Stop cancels in-flight work and waits for the workers to exit.
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()
	})
}

// Enqueue schedules a run without blocking.
func (a *Analyzer) Enqueue(runID string) error {
	select {
	case a.queue <- runID:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Analyzer) worker(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case runID := <-a.queue:
			if err := a.Process(ctx, runID); err != nil {
				slog.Error("analysis run failed", "run_id", runID, "error", err)
			}
		}
	}
}

func (a *Analyzer) requeuePending(ctx context.Context) {
	rows, err := store.QueryRows(ctx, a.store.DB,
		a.store.Q("SELECT id FROM analysis_runs WHERE status = $1 ORDER BY created_at"), metadata.RunPending)
	if err != nil {
		slog.Error("load pending analysis runs", "error", err)
		return
	}
	for _, row := range rows {
		if err := a.Enqueue(str(row["id"])); err != nil {
			// stays pending until the next start
			slog.Warn("pending analysis run not re-queued", "run_id", row["id"], "error", err)
			return
		}
	}
	if len(rows) > 0 {
		slog.Info("re-queued pending analysis runs", "count", len(rows))
	}
}

type startRunRequest struct {
	DocumentID string `json:"document_id" validate:"required,uuid"`
	RulesetID  string `json:"ruleset_id" validate:"required,uuid"`
}

// HandleStart handles POST /api/analysis_runs/start.
func (a *Analyzer) HandleStart(c *fiber.Ctx) error {
	user := getUser(c)
	if err := RequirePermission(user, access.RunAnalysis); err != nil {
		return err
	}

	var req startRunRequest
	if err := BindBody(c, &req); err != nil {
		return err
	}

	run, err := a.StartRun(c.Context(), req.DocumentID, req.RulesetID, user)
	if err != nil {
		return writeError(err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"data": run})
}

// StartRun records a pending run for the document and queues it.
func (a *Analyzer) StartRun(ctx context.Context, documentID, rulesetID string, actor *metadata.UserContext) (map[string]any, error) {
	d := a.store.Dialect
	var details []ErrorDetail
	if _, err := fetchRecord(ctx, a.store.DB, d, a.registry.GetEntity(metadata.EntityDocuments), documentID); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("load document: %w", err)
		}
		details = append(details, ErrorDetail{Field: "document_id", Rule: "exists", Message: "Document not found"})
	}
	ruleset, err := fetchRecord(ctx, a.store.DB, d, a.registry.GetEntity(metadata.EntityRulesets), rulesetID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		details = append(details, ErrorDetail{Field: "ruleset_id", Rule: "exists", Message: "Ruleset not found"})
	case err != nil:
		return nil, fmt.Errorf("load ruleset: %w", err)
	case ruleset["active"] != true:
		details = append(details, ErrorDetail{Field: "ruleset_id", Rule: "active", Message: "Ruleset is not active"})
	}
	if len(details) > 0 {
		return nil, ValidationError(details)
	}

	plan, errs := PlanWrite(a.registry.GetEntity(metadata.EntityAnalysisRuns), map[string]any{
		"document_id": documentID,
		"ruleset_id":  rulesetID,
	}, nil)
	if len(errs) > 0 {
		return nil, ValidationError(errs)
	}
	run, err := a.writer.Execute(ctx, plan, TransitionContext{Actor: actor, Now: a.now(), System: true})
	if err != nil {
		return nil, err
	}

	runID := str(run["id"])
	if err := a.Enqueue(runID); err != nil {
		a.failRun(ctx, runID, err)
		return nil, NewAppError("ANALYSIS_BUSY", fiber.StatusServiceUnavailable, "Analysis queue is full, try again later")
	}
	return run, nil
}

// Process claims a pending run and drives it to completed or failed.
// Runs that are no longer pending are skipped.
func (a *Analyzer) Process(ctx context.Context, runID string) error {
	started := a.now()
	claimed, err := a.systemTransition(ctx, a.store.DB, metadata.EntityAnalysisRuns, runID,
		metadata.RunPending, metadata.RunRunning, map[string]any{"started_at": started})
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	if !claimed {
		return nil
	}

	result, err := a.evaluate(ctx, runID)
	if err == nil {
		err = a.complete(ctx, runID, result)
	}
	if err != nil {
		a.failRun(ctx, runID, err)
		a.metrics.observe(metadata.RunFailed, a.now().Sub(started))
		return err
	}

	a.metrics.observe(metadata.RunCompleted, a.now().Sub(started))
	slog.Info("analysis run completed", "run_id", runID, "findings", len(result.findings))
	return nil
}

type analysisResult struct {
	documentID string
	findings   []Finding
	summary    map[string]any
}

func (a *Analyzer) evaluate(ctx context.Context, runID string) (*analysisResult, error) {
	q, d := a.store.DB, a.store.Dialect

	run, err := fetchRecord(ctx, q, d, a.registry.GetEntity(metadata.EntityAnalysisRuns), runID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	doc, err := fetchRecord(ctx, q, d, a.registry.GetEntity(metadata.EntityDocuments), run["document_id"])
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	project, err := fetchRecord(ctx, q, d, a.registry.GetEntity(metadata.EntityProjects), doc["project_id"])
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load project: %w", err)
	}
	if _, err := fetchRecord(ctx, q, d, a.registry.GetEntity(metadata.EntityRulesets), run["ruleset_id"]); err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}

	rules, err := a.loadRules(ctx, run["ruleset_id"])
	if err != nil {
		return nil, err
	}

	findings := EvaluateAuditRules(a.eval, rules, AuditEnv(doc, project))

	bySeverity := map[string]int{}
	for _, f := range findings {
		bySeverity[f.Severity]++
	}
	summary := map[string]any{
		"rules":       len(rules),
		"findings":    len(findings),
		"by_severity": bySeverity,
	}
	if a.ai != nil {
		a.summarize(ctx, summary, doc, findings)
	}

	return &analysisResult{documentID: str(doc["id"]), findings: findings, summary: summary}, nil
}

func (a *Analyzer) loadRules(ctx context.Context, rulesetID any) ([]AuditRule, error) {
	entity := a.registry.GetEntity(metadata.EntityRules)
	query := fmt.Sprintf("SELECT %s FROM %s WHERE ruleset_id = $1 AND active = $2 ORDER BY code",
		strings.Join(entity.Columns(), ", "), entity.Table)
	rows, err := store.QueryRows(ctx, a.store.DB, a.store.Q(query), rulesetID, true)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	normalizeRecords(entity, rows)

	rules := make([]AuditRule, 0, len(rows))
	for _, row := range rows {
		rules = append(rules, AuditRuleFromRow(row))
	}
	return rules, nil
}

// summarize adds the model's assessment to summary. Model failures are
// recorded on the summary and never fail the run.
func (a *Analyzer) summarize(ctx context.Context, summary map[string]any, doc map[string]any, findings []Finding) {
	input, err := json.Marshal(map[string]any{
		"doc_type": doc["doc_type"],
		"fields":   doc["fields"],
		"findings": findings,
	})
	if err != nil {
		summary["ai_error"] = err.Error()
		return
	}

	text, err := a.ai.Generate(ctx, summaryPrompt, string(input))
	if err != nil {
		slog.Warn("analysis summary unavailable", "document_id", doc["id"], "error", err)
		summary["ai_error"] = err.Error()
		return
	}

	var parsed any
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		summary["ai"] = text
		return
	}
	summary["ai"] = parsed
}

func (a *Analyzer) complete(ctx context.Context, runID string, result *analysisResult) error {
	d := a.store.Dialect
	findingsEntity := a.registry.GetEntity(metadata.EntityFindings)
	now := a.now().UTC()

	return a.store.WithTx(ctx, func(tx *sql.Tx) error {
		for _, f := range result.findings {
			query, params, err := BuildInsertSQL(d, findingsEntity, map[string]any{
				"id":          uuid.NewString(),
				"run_id":      runID,
				"document_id": result.documentID,
				"rule_id":     f.RuleID,
				"rule_code":   f.RuleCode,
				"severity":    f.Severity,
				"message":     f.Message,
				"created_at":  now,
				"updated_at":  now,
			})
			if err != nil {
				return err
			}
			if _, err := store.Exec(ctx, tx, query, params...); err != nil {
				return fmt.Errorf("insert finding %s: %w", f.RuleCode, err)
			}
		}

		ok, err := a.systemTransition(ctx, tx, metadata.EntityAnalysisRuns, runID, metadata.RunRunning, metadata.RunCompleted, map[string]any{
			"findings_count": float64(len(result.findings)),
			"summary":        result.summary,
			"finished_at":    now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("run %s is no longer running", runID)
		}

		// documents already under review keep their status
		_, err = a.systemTransition(ctx, tx, metadata.EntityDocuments, result.documentID,
			metadata.DocumentUploaded, metadata.DocumentAnalyzed, nil)
		return err
	})
}

func (a *Analyzer) failRun(ctx context.Context, runID string, cause error) {
	// the request context may already be cancelled
	ctx = context.WithoutCancel(ctx)
	extra := map[string]any{"error": cause.Error(), "finished_at": a.now()}
	for _, from := range []string{metadata.RunRunning, metadata.RunPending} {
		ok, err := a.systemTransition(ctx, a.store.DB, metadata.EntityAnalysisRuns, runID, from, metadata.RunFailed, extra)
		if err != nil {
			slog.Error("mark analysis run failed", "run_id", runID, "error", err)
			return
		}
		if ok {
			return
		}
	}
}

// systemTransition moves a record's state field from one state to another
// when the record is still in the from state. It reports whether a row
// changed.
func (a *Analyzer) systemTransition(ctx context.Context, q store.Querier, entityName, id, from, to string, extra map[string]any) (bool, error) {
	entity := a.registry.GetEntity(entityName)
	var sm *metadata.StateMachine
	for _, m := range a.registry.GetStateMachinesForEntity(entityName) {
		sm = m
	}
	if entity == nil || sm == nil {
		return false, fmt.Errorf("%s has no state machine", entityName)
	}
	if sm.FindTransition(from, to) == nil {
		return false, fmt.Errorf("%s: no transition from %s to %s", entityName, from, to)
	}

	d := a.store.Dialect
	fields := map[string]any{sm.Field: to, "updated_at": a.now()}
	for k, v := range extra {
		fields[k] = v
	}

	pb := d.NewParamBuilder()
	var sets []string
	for _, name := range sortedKeys(fields) {
		v, err := columnValue(d, entity, name, fields[name])
		if err != nil {
			return false, err
		}
		sets = append(sets, fmt.Sprintf("%s = %s", name, pb.Add(v)))
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s AND %s = %s",
		entity.Table, strings.Join(sets, ", "), entity.PrimaryKey.Field, pb.Add(id), sm.Field, pb.Add(from))
	if entity.SoftDelete {
		query += " AND deleted_at IS NULL"
	}

	affected, err := store.Exec(ctx, q, query, pb.Params()...)
	if err != nil {
		return false, fmt.Errorf("transition %s %s: %w", entityName, id, err)
	}
	return affected > 0, nil
}
