package metering

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/earnings"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/app/ledger"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/infra/metrics"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/logging"
)

// Defaults for Options.
const (
	DefaultMaxCaptureBytes = 1 << 20
	DefaultBookkeepTimeout = 30 * time.Second
)

// Options tunes the interceptor.
type Options struct {
	// MaxCaptureBytes bounds how much of each response is kept for
	// estimating output tokens.
	MaxCaptureBytes int
	// BookkeepTimeout bounds the ledger writes after a call completes.
	BookkeepTimeout time.Duration
}

// Interceptor meters inference calls. Bookkeeping errors are logged and
// counted; they never change what the caller receives.
type Interceptor struct {
	classifier *Classifier
	catalog    *earnings.Catalog
	tasks      *ledger.TaskLedger
	earnings   *ledger.EarningsLedger
	identity   domain.Identity
	log        logrus.FieldLogger
	opts       Options
	now        func() time.Time

	wg sync.WaitGroup
}

// NewInterceptor wires an interceptor. identity supplies the device id
// stamped on tasks and earnings.
func NewInterceptor(
	classifier *Classifier,
	catalog *earnings.Catalog,
	tasks *ledger.TaskLedger,
	earn *ledger.EarningsLedger,
	identity domain.Identity,
	log logrus.FieldLogger,
	opts Options,
) *Interceptor {
	if opts.MaxCaptureBytes <= 0 {
		opts.MaxCaptureBytes = DefaultMaxCaptureBytes
	}
	if opts.BookkeepTimeout <= 0 {
		opts.BookkeepTimeout = DefaultBookkeepTimeout
	}
	return &Interceptor{
		classifier: classifier,
		catalog:    catalog,
		tasks:      tasks,
		earnings:   earn,
		identity:   identity,
		log:        logging.OrDiscard(log).WithField("component", "metering"),
		opts:       opts,
		now:        time.Now,
	}
}

// Wait blocks until every in-flight completion has been recorded.
func (i *Interceptor) Wait() {
	i.wg.Wait()
}

// call carries what the completion step needs about one request.
type call struct {
	task    *domain.Task
	class   Class
	request RequestInfo
	started time.Time
}

// Middleware wraps next with metering. Unclassified routes pass through
// untouched.
func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cls, ok := i.classifier.Classify(r.URL.Path)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		req := i.readRequest(r)

		ctx, cancel := i.bookkeepContext()
		task, err := i.tasks.Create(ctx, req.Model, i.identity.DeviceID(), ledger.WithClass(cls.Family, cls.Kind))
		cancel()
		if err != nil {
			metrics.MeteringErrors.WithLabelValues("open").Inc()
			i.log.WithError(err).WithField("path", r.URL.Path).Error("open task")
			next.ServeHTTP(w, r)
			return
		}

		c := call{task: task, class: cls, request: req, started: i.now()}
		rec := newResponseRecorder(w, i.opts.MaxCaptureBytes)

		defer func() {
			if p := recover(); p != nil {
				i.finish(c, func(ctx context.Context) { i.fail(ctx, c, fmt.Sprintf("handler panic: %v", p)) })
				panic(p)
			}
		}()

		next.ServeHTTP(rec, r)

		status := rec.Status()
		if status >= http.StatusBadRequest {
			i.finish(c, func(ctx context.Context) { i.fail(ctx, c, fmt.Sprintf("backend returned %d", status)) })
			return
		}
		elapsed := i.now().Sub(c.started)
		captured, truncated, written := rec.Captured(), rec.Truncated(), rec.written
		i.finish(c, func(ctx context.Context) { i.complete(ctx, c, elapsed, captured, truncated, written) })
	})
}

// readRequest inspects at most MaxCaptureBytes of the request body and
// leaves r.Body replaying the whole stream for the backend. A body over the
// limit is estimated from its length and carries no model.
func (i *Interceptor) readRequest(r *http.Request) RequestInfo {
	limit := int64(i.opts.MaxCaptureBytes)
	prefix, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		i.log.WithError(err).Warn("read request body")
	}
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(prefix), r.Body), Closer: r.Body}
	if err != nil || int64(len(prefix)) <= limit {
		return InspectRequest(prefix)
	}
	return RequestInfo{InputTokens: max(r.ContentLength, int64(len(prefix))) / charsPerToken}
}

// replayBody serves a re-assembled body while closing the original.
type replayBody struct {
	io.Reader
	io.Closer
}

// finish runs fn off the response path.
func (i *Interceptor) finish(c call, fn func(context.Context)) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				metrics.MeteringErrors.WithLabelValues("panic").Inc()
				i.log.WithField("task_id", c.task.ID).Errorf("bookkeeping panic: %v", p)
			}
		}()
		ctx, cancel := i.bookkeepContext()
		defer cancel()
		fn(ctx)
	}()
}

func (i *Interceptor) bookkeepContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), i.opts.BookkeepTimeout)
}

func (i *Interceptor) fail(ctx context.Context, c call, reason string) {
	metrics.MeteredRequests.WithLabelValues(c.class.Family, c.class.Kind, string(domain.TaskFailed)).Inc()
	if _, err := i.tasks.Fail(ctx, c.task.ID, reason); err != nil {
		metrics.MeteringErrors.WithLabelValues("close").Inc()
		i.log.WithField("task_id", c.task.ID).WithError(err).Error("mark task failed")
		return
	}
	i.log.WithFields(logrus.Fields{"task_id": c.task.ID, "reason": reason}).Info("task failed")
}

func (i *Interceptor) complete(ctx context.Context, c call, elapsed time.Duration, captured []byte, truncated bool, written int64) {
	log := i.log.WithField("task_id", c.task.ID)
	resp := InspectResponse(captured)

	inputTokens := c.request.InputTokens
	if resp.Reported && resp.Usage.PromptEvalCount > 0 {
		inputTokens = resp.Usage.PromptEvalCount
	}
	outputTokens := resp.OutputTokens()
	if !resp.Reported && truncated && len(captured) > 0 {
		// Scale the estimate from the retained prefix to the full body.
		outputTokens = outputTokens * written / int64(len(captured))
	}

	usage := resp.Usage
	usage.PromptEvalCount = inputTokens
	usage.EvalCount = outputTokens
	if usage.TotalDuration == 0 {
		usage.TotalDuration = elapsed.Nanoseconds()
	}

	metrics.MeteredRequests.WithLabelValues(c.class.Family, c.class.Kind, string(domain.TaskCompleted)).Inc()
	metrics.InferenceLatency.WithLabelValues(c.class.Family, c.class.Kind).Observe(elapsed.Seconds())
	metrics.InferenceTokens.WithLabelValues("input").Add(float64(inputTokens))
	metrics.InferenceTokens.WithLabelValues("output").Add(float64(outputTokens))

	if _, err := i.tasks.Complete(ctx, c.task.ID, usage); err != nil {
		metrics.MeteringErrors.WithLabelValues("close").Inc()
		log.WithError(err).Error("complete task")
		return
	}

	rate, _ := i.catalog.Lookup(c.class.Family, c.class.Kind)
	payout := earnings.Calculate(rate, inputTokens, outputTokens, elapsed.Milliseconds())
	if err := earnings.Validate(payout); err != nil {
		metrics.MeteringErrors.WithLabelValues("payout").Inc()
		log.WithError(err).Error("rejecting payout")
		return
	}

	_, err := i.earnings.Create(ctx, ledger.NewEarning{
		TaskID:       c.task.ID,
		DeviceID:     c.task.DeviceID,
		BlockRewards: payout.BlockRewards,
		JobRewards:   payout.JobRewards,
	})
	if err != nil {
		metrics.MeteringErrors.WithLabelValues("earning").Inc()
		log.WithError(err).Error("write earning")
		return
	}
	metrics.JobRewards.Add(payout.JobRewards)
	log.WithFields(logrus.Fields{
		"model":       c.task.Model,
		"input":       inputTokens,
		"output":      outputTokens,
		"duration_ms": elapsed.Milliseconds(),
		"job_rewards": payout.JobRewards,
	}).Debug("metered call")
}
