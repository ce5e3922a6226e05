package classify

import (
	"context"
	"errors"
	"time"

	"setu/core/lifecycle"
	"setu/core/metrics"
	"setu/core/store"
	"setu/core/utils"
)

var ErrRejected = errors.New("classifier rejected the image")

// Verifier moves pending reports to verified when the classifier accepts their
// first photo. Failures are recorded on the report, which stays pending.
type Verifier struct {
	classifier Classifier
	reports    store.ReportsStore
	engine     *lifecycle.Engine
	metrics    *metrics.Metrics
	logger     *utils.Logger
}

func NewVerifier(classifier Classifier, reports store.ReportsStore, engine *lifecycle.Engine, m *metrics.Metrics, logger *utils.Logger) *Verifier {
	return &Verifier{classifier: classifier, reports: reports, engine: engine, metrics: m, logger: logger}
}

// VerifyReport returns nil when the report was verified or no longer needs
// verification, ErrRejected for a negative answer, and the classifier error
// otherwise.
func (v *Verifier) VerifyReport(ctx context.Context, reportID string) error {
	report, err := v.reports.GetReport(ctx, reportID)
	if err != nil {
		return utils.Retryable("load report", err)
	}
	if report == nil {
		return lifecycle.ErrNotFound
	}
	if report.Status != store.StatusPendingVerification {
		return nil
	}
	if len(report.PhotoURLs) == 0 {
		v.record(ctx, reportID, store.ClassifyOutcome{Error: "report has no photo"})
		return errors.New("report has no photo")
	}

	started := time.Now()
	res, err := v.classifier.Classify(ctx, report.PhotoURLs[0])
	if err != nil {
		retryable := utils.IsRetryable(err)
		outcome := "error"
		if retryable {
			outcome = "retryable_error"
		}
		if isTimeout(err) {
			outcome = "timeout"
		}
		v.metrics.Classification(outcome, time.Since(started))
		v.logger.Errorf("classify report %s: %v", reportID, err)
		v.record(ctx, reportID, store.ClassifyOutcome{Error: err.Error(), Retryable: retryable})
		return err
	}
	if res.Rejected() {
		v.metrics.Classification("rejected", time.Since(started))
		v.logger.Printf("classify report %s: rejected by classifier", reportID)
		v.record(ctx, reportID, store.ClassifyOutcome{Classification: res.Classification(), Error: ErrRejected.Error()})
		return ErrRejected
	}
	v.metrics.Classification("success", time.Since(started))

	_, err = v.engine.Transition(ctx, lifecycle.Request{
		ReportID:       reportID,
		To:             store.StatusVerified,
		Actor:          lifecycle.SystemActor,
		Classification: res.Classification(),
	})
	if errors.Is(err, lifecycle.ErrConflict) || errors.Is(err, lifecycle.ErrInvalidTransition) {
		return nil
	}
	return err
}

func (v *Verifier) record(ctx context.Context, reportID string, outcome store.ClassifyOutcome) {
	if err := v.reports.RecordClassifyOutcome(ctx, reportID, outcome); err != nil && !errors.Is(err, store.ErrConflict) {
		v.logger.Errorf("record classify outcome for %s: %v", reportID, err)
	}
}
