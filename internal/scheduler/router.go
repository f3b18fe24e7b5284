package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/measured-io/measured/internal/domain"
	"github.com/measured-io/measured/internal/oauth"
)

// jobContext is the human-readable opener for failure notifications.
type jobContext string

const (
	collectContext  jobContext = "collect the latest data for"
	backfillContext jobContext = "backfill"
)

// routeError classifies a job failure and notifies the right audience:
// expired grants and user-fixable provider errors reach the metric owner with
// a deep link, timeouts reach the owner with a retry suggestion, and
// everything else goes to the operator. At most one notification is sent per
// job.
func (s *Scheduler) routeError(ctx context.Context, metricID uuid.UUID, jc jobContext, err error) {
	metric, merr := s.metrics.Get(ctx, metricID)
	if merr != nil {
		s.notifyOperator(ctx, metricID, jc, fmt.Errorf("%w (and metric could not be loaded: %w)", err, merr))
		return
	}

	intro := fmt.Sprintf("Unfortunately, something went wrong when attempting to %s the %s metric.", jc, metric.Name)
	subject := fmt.Sprintf("Aw snap, collecting data for the %s metric failed 😟", metric.Name)

	var invalidGrant *oauth.InvalidGrantError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		body := fmt.Sprintf(`Hello 👋

%s
It seems like the task took too long to complete. You're welcome to try again.`, intro)
		s.notifyUser(ctx, metric, subject, body)

	case errors.As(err, &invalidGrant):
		body := fmt.Sprintf(`Hello 👋

%s
It seems like the authorization expired.

To fix the error, you will have to re-authorize by following the link below:
%s`, intro, s.authorizeLink(metric.ID))
		s.notifyUser(ctx, metric, subject, body)

	case domain.IsUserFixable(err):
		body := fmt.Sprintf(`Hello 👋

%s
The error was: %v`, intro, err)
		if detail := jsonDetail(err); detail != "" {
			body += fmt.Sprintf("\n\nAdditional information: %s", detail)
		}
		body += fmt.Sprintf(`

To fix this error, you might have to reconfigure your metric by following the link below:
%s`, s.configureLink(metric.ID))
		s.notifyUser(ctx, metric, subject, body)

	default:
		s.notifyOperator(ctx, metricID, jc, err)
	}
}

func (s *Scheduler) notifyUser(ctx context.Context, metric *domain.Metric, subject, body string) {
	if err := s.notifier.NotifyUser(ctx, metric.OwnerEmail, subject, body); err != nil {
		slog.ErrorContext(ctx, "Failed to send failure notification", "metric_id", metric.ID, "error", err)
	}
}

func (s *Scheduler) notifyOperator(ctx context.Context, metricID uuid.UUID, jc jobContext, err error) {
	subject := fmt.Sprintf("Unhandled error in collection job for metric %s", metricID)
	body := fmt.Sprintf("Task: %s\nMetric: %s\nError: %+v", jc, metricID, err)
	if detail := jsonDetail(err); detail != "" {
		body += fmt.Sprintf("\nProvider response: %s", detail)
	}
	if nerr := s.notifier.NotifyOperator(ctx, subject, body); nerr != nil {
		slog.ErrorContext(ctx, "Failed to send operator notification", "metric_id", metricID, "error", nerr)
	}
}

// jsonDetail extracts the provider's decoded JSON body from an HTTP error.
func jsonDetail(err error) string {
	var he *domain.HTTPError
	if !errors.As(err, &he) {
		return ""
	}
	body := he.JSONBody()
	if body == nil {
		return ""
	}
	return fmt.Sprintf("%v", body)
}
