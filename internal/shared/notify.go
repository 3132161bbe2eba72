package shared

import "context"

// Notification is an email addressed to a member.
type Notification struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Notifier queues notifications for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
