package nl2sql

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/koustreak/querygate/internal/errs"
	"github.com/koustreak/querygate/internal/logger"
	"github.com/koustreak/querygate/internal/metadata"
	"github.com/koustreak/querygate/internal/observability"
	"github.com/koustreak/querygate/internal/sqlguard"
	"github.com/koustreak/querygate/internal/store"
	"golang.org/x/time/rate"
)

// MaxQuestionLength caps the natural-language prompt in characters.
const MaxQuestionLength = 4000

// DefaultTimeout bounds one model call.
const DefaultTimeout = 30 * time.Second

// Snapshots is the slice of the metadata service the generator needs.
type Snapshots interface {
	Extract(ctx context.Context, conn *store.Connection, forceRefresh bool) (*metadata.Snapshot, error)
}

// Generation is a candidate statement produced by the model. EffectiveSQL
// is the candidate as the executor would run it, row cap included.
type Generation struct {
	GeneratedSQL     string   `json:"generatedSql"`
	EffectiveSQL     string   `json:"effectiveSql"`
	Explanation      string   `json:"explanation"`
	Assumptions      []string `json:"assumptions"`
	GenerationTimeMs int64    `json:"generationTimeMs"`
}

// GeneratorConfig tunes a Generator. RequestsPerMinute <= 0 disables the
// local budget.
type GeneratorConfig struct {
	Timeout           time.Duration
	RequestsPerMinute int
	RowLimit          int
	Metrics           *observability.Metrics
}

// Generator fetches the cached schema, prompts the model, parses its reply
// and checks the candidate against the read-only policy. It never executes
// anything.
type Generator struct {
	snapshots Snapshots
	model     Model
	limiter   *rate.Limiter
	timeout   time.Duration
	rowLimit  int
	metrics   *observability.Metrics
	log       *logger.Logger
}

func NewGenerator(snapshots Snapshots, model Model, cfg GeneratorConfig, log *logger.Logger) *Generator {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60), cfg.RequestsPerMinute)
	}
	return &Generator{
		snapshots: snapshots,
		model:     model,
		limiter:   limiter,
		timeout:   cfg.Timeout,
		rowLimit:  cfg.RowLimit,
		metrics:   cfg.Metrics,
		log:       log.Component("nl2sql"),
	}
}

// Generate produces a candidate SQL statement for question.
func (g *Generator) Generate(ctx context.Context, conn *store.Connection, question string) (gen *Generation, err error) {
	defer func() { g.metrics.ObserveGeneration(err) }()

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, errs.New(errs.KindValidation, "prompt is required")
	}
	if utf8.RuneCountInString(question) > MaxQuestionLength {
		return nil, errs.Newf(errs.KindValidation, "prompt exceeds %d characters", MaxQuestionLength)
	}

	snap, err := g.snapshots.Extract(ctx, conn, false)
	if err != nil {
		return nil, err
	}

	if !g.limiter.Allow() {
		return nil, errs.New(errs.KindAIQuotaExceeded, "AI request budget exhausted, retry later")
	}

	prompt := BuildPrompt(snap, question, conn.DBType)

	start := time.Now()
	mctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	raw, err := g.model.Complete(mctx, prompt)
	elapsed := time.Since(start)
	if err != nil {
		err = g.modelError(ctx, mctx, err)
		g.log.Warn().
			Str("connection", conn.Name).
			Int64("duration_ms", elapsed.Milliseconds()).
			Err(err).
			Msg("generation failed")
		return nil, err
	}

	reply, err := ParseResponse(raw)
	if err == nil {
		err = g.vet(conn, reply)
	}
	if err != nil {
		g.log.Warn().Str("connection", conn.Name).Err(err).Msg("model reply rejected")
		return nil, err
	}

	g.log.Info().
		Str("connection", conn.Name).
		Str("version_hash", snap.VersionHash).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("sql generated")

	return &Generation{
		GeneratedSQL:     reply.SQL,
		EffectiveSQL:     reply.EffectiveSQL,
		Explanation:      reply.Explanation,
		Assumptions:      reply.Assumptions,
		GenerationTimeMs: elapsed.Milliseconds(),
	}, nil
}

// vet runs the candidate through the same policy and row cap as a raw
// query. A candidate the executor would refuse is AI_INVALID_RESPONSE
// carrying the policy verdict.
func (g *Generator) vet(conn *store.Connection, reply *Reply) error {
	dialect, err := sqlguard.DialectFor(string(conn.DBType))
	if err != nil {
		return err
	}
	plan, err := sqlguard.Prepare(reply.SQL, dialect, g.rowLimit)
	if err != nil {
		details := map[string]any{"generatedSql": reply.SQL}
		if e, ok := errs.As(err); ok {
			details["code"] = e.Kind.String()
			details["reason"] = e.Message
		}
		return errs.Wrap(errs.KindAIInvalidResponse, "model produced a statement that is not a single read-only SELECT", err).
			WithDetails(details)
	}
	reply.EffectiveSQL = plan.Effective
	return nil
}

// modelError makes sure whatever the model returned is typed. The model
// budget running out is AI_SERVICE_UNAVAILABLE; the caller going away is
// QUERY_CANCELLED.
func (g *Generator) modelError(parent, mctx context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return errs.Wrap(errs.KindQueryCancelled, "generation cancelled", err)
	case mctx.Err() != nil:
		return errs.Wrap(errs.KindAIServiceUnavailable, "AI service timed out", err)
	}
	if _, ok := errs.As(err); ok {
		return err
	}
	return errs.Wrap(errs.KindAIServiceUnavailable, "AI service failed", err)
}
