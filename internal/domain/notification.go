package domain

import "time"

// NotificationCategory drives channel selection and quiet-hour handling.
type NotificationCategory string

const (
	CategoryTaskUpdate    NotificationCategory = "task_update"
	CategoryPayment       NotificationCategory = "payment"
	CategoryDispute       NotificationCategory = "dispute"
	CategoryWaitlist      NotificationCategory = "waitlist"
	CategoryMarketing     NotificationCategory = "marketing"
	CategorySecurityAlert NotificationCategory = "security_alert" // bypasses quiet hours
)

// NotificationPriority orders delivery urgency.
type NotificationPriority string

const (
	PriorityLow      NotificationPriority = "LOW"
	PriorityMedium   NotificationPriority = "MEDIUM"
	PriorityHigh     NotificationPriority = "HIGH"
	PriorityCritical NotificationPriority = "CRITICAL"
)

// Channel is one delivery medium; drivers live outside the core.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelPush  Channel = "push"
	ChannelEmail Channel = "email"
)

// ChannelsFor selects delivery channels per category.
func ChannelsFor(c NotificationCategory) []Channel {
	switch c {
	case CategorySecurityAlert:
		return []Channel{ChannelInApp, ChannelPush, ChannelEmail}
	case CategoryPayment, CategoryDispute:
		return []Channel{ChannelInApp, ChannelPush, ChannelEmail}
	case CategoryWaitlist:
		return []Channel{ChannelInApp, ChannelPush}
	case CategoryMarketing:
		return []Channel{ChannelEmail}
	default:
		return []Channel{ChannelInApp, ChannelPush}
	}
}

// BypassesQuietHours: only security alerts interrupt a sleeping user.
func (c NotificationCategory) BypassesQuietHours() bool {
	return c == CategorySecurityAlert
}

// Notification is one per-user row; TaskID is nil for admin-cohort
// notifications, which also skip the participant check. Data carries
// deep-link references for the client (dispute id, escrow id, ...).
type Notification struct {
	ID        string               `json:"id"`
	UserID    string               `json:"user_id"`
	TaskID    *string              `json:"task_id,omitempty"`
	Category  NotificationCategory `json:"category"`
	Priority  NotificationPriority `json:"priority"`
	Title     string               `json:"title"`
	Body      string               `json:"body"`
	Channels  []Channel            `json:"channels"`
	Data      map[string]string    `json:"data,omitempty"`
	ReadAt    *time.Time           `json:"read_at,omitempty"`
	CreatedAt time.Time            `json:"created_at"`
}

// EmailStatus is the email_outbox state machine.
type EmailStatus string

const (
	EmailPending    EmailStatus = "pending"
	EmailSending    EmailStatus = "sending"
	EmailSent       EmailStatus = "sent"
	EmailFailed     EmailStatus = "failed"
	EmailSuppressed EmailStatus = "suppressed"
)

var emailEdges = map[EmailStatus][]EmailStatus{
	EmailPending: {EmailSending, EmailSuppressed},
	EmailSending: {EmailSent, EmailFailed, EmailPending}, // back to pending on retryable failure
	EmailFailed:  {EmailPending},
}

func (s EmailStatus) CanTransition(to EmailStatus) bool {
	for _, next := range emailEdges[s] {
		if next == to {
			return true
		}
	}
	return false
}

// EmailOutboxRow is written by the core; a channel driver delivers it.
type EmailOutboxRow struct {
	ID          string      `json:"id"`
	UserID      string      `json:"user_id"`
	ToAddress   string      `json:"to_address"`
	Subject     string      `json:"subject"`
	Body        string      `json:"body"`
	Status      EmailStatus `json:"status"`
	ProviderID  *string     `json:"provider_id,omitempty"`
	Attempts    int         `json:"attempts"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}
