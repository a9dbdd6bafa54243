package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================
// Owner profile & notifications (external collaborators)
// ============================================================

// OwnerProfile is what the user-profile store tells us about a contract owner.
type OwnerProfile struct {
	OwnerID                 string `json:"owner_id"`
	Name                    string `json:"name"`
	Email                   string `json:"email,omitempty"`
	DefaultPaymentMethodRef string `json:"default_payment_method_ref,omitempty"`
}

// NotificationKind identifies what a notification is about.
type NotificationKind string

const (
	NotifyRetryExhausted NotificationKind = "retry_exhausted"
	NotifyActivated      NotificationKind = "contract_activated"
	NotifyCompleted      NotificationKind = "contract_completed"
	NotifyCancelled      NotificationKind = "contract_cancelled"
	NotifyDisputed       NotificationKind = "contract_disputed"
	NotifyOverpayment    NotificationKind = "overpayment_refund_due"
)

// Notification is pushed to the notification/toast channel.
type Notification struct {
	ID         string           `json:"id"`
	OwnerID    string           `json:"owner_id"`
	ContractID string           `json:"contract_id"`
	Kind       NotificationKind `json:"kind"`
	Message    string           `json:"message"`
	Amount     decimal.Decimal  `json:"amount"`
	CreatedAt  time.Time        `json:"created_at"`
}
