package ship

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/halcyon-data/weather-relay/internal/model"
	"github.com/halcyon-data/weather-relay/internal/resilience"
	"github.com/halcyon-data/weather-relay/pkg/logzio"
)

// Journal reasons for dropped batches.
const (
	DropRetriesExhausted = "retries_exhausted"
	DropPermanent        = "permanent"
	DropTooLarge         = "too_large"
	DropAbandoned        = "abandoned"
)

// nextState maps the result of one delivery attempt onto the batch's next
// state. attempts counts attempts made so far, including the one that
// produced err; records is the batch size, which decides whether an
// oversize rejection can still be split.
//
// DeliveryPending means "split and resend": the records go back to the
// worker as two fresh batches. A second value is the journal reason,
// set only when the verdict is DeliveryDropped.
func nextState(attempts, maxRetries, records int, err error) (model.DeliveryState, string) {
	if err == nil {
		return model.DeliveryAcked, ""
	}

	var sendErr *logzio.SendError
	if errors.As(err, &sendErr) {
		switch {
		case sendErr.TooLarge():
			if records > 1 {
				return model.DeliveryPending, ""
			}
			return model.DeliveryDropped, DropTooLarge
		case sendErr.Permanent():
			return model.DeliveryDropped, DropPermanent
		}
	}

	// Transport errors and transient statuses share the retry budget.
	if attempts >= maxRetries {
		return model.DeliveryDropped, DropRetriesExhausted
	}
	return model.DeliveryRetrying, ""
}

// retryDelay computes the backoff before the next attempt. A Retry-After
// named by the sink is honored as a floor.
func retryDelay(b resilience.Backoff, attempt int, err error) time.Duration {
	var sendErr *logzio.SendError
	if errors.As(err, &sendErr) && sendErr.RetryAfter > 0 {
		return b.DelayAtLeast(attempt, sendErr.RetryAfter)
	}
	return b.Delay(attempt)
}

func encodeNDJSON(records []model.ObservationRecord) ([][]byte, error) {
	docs := make([][]byte, 0, len(records))
	for _, rec := range records {
		doc, err := json.Marshal(rec)
		if err != nil {
			return nil, eris.Wrapf(err, "ship: marshal record %s/%s", rec.Source, rec.City)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
