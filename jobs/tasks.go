package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/csims/csims/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskNotifyEmail delivers a member notification by email.
	TaskNotifyEmail = "notify:email"
	// TaskPostInterest posts periodic interest on every interest-bearing account.
	TaskPostInterest = "ledger:post_interest"
	// TaskIntegrityCheck compares stored balances with transaction history.
	TaskIntegrityCheck = "ledger:integrity"
)

// InterestCronSpec runs the interest batch at 01:00 UTC on the first of each month.
const InterestCronSpec = "0 1 1 * *"

// NewNotifyTask constructs a notify:email task.
func NewNotifyTask(n shared.Notification) (*asynq.Task, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNotifyEmail, data, asynq.MaxRetry(5)), nil
}

// InterestPayload selects the posting date. An empty AsOf means the processing day.
type InterestPayload struct {
	AsOf string `json:"as_of,omitempty"`
}

// NewPostInterestTask constructs a ledger:post_interest task.
func NewPostInterestTask(asOf time.Time) (*asynq.Task, error) {
	payload := InterestPayload{}
	if !asOf.IsZero() {
		payload.AsOf = asOf.UTC().Format(time.DateOnly)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPostInterest, data, asynq.MaxRetry(3), asynq.Timeout(30*time.Minute)), nil
}

// NewIntegrityTask constructs a ledger:integrity task.
func NewIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskIntegrityCheck, nil, asynq.MaxRetry(1))
}
