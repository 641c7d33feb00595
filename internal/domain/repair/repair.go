// Package repair tracks device repair tickets from intake to delivery.
package repair

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown ticket IDs.
	ErrNotFound = errors.New("repair ticket not found")
	// ErrInvalidTransition is matched by *TransitionError.
	ErrInvalidTransition = errors.New("invalid repair status transition")
	// ErrInvalidTicket is matched by *ValidationError.
	ErrInvalidTicket = errors.New("invalid repair ticket")
)

// DeviceType is the kind of device brought in.
type DeviceType string

const (
	DeviceMobile DeviceType = "mobile"
	DeviceLaptop DeviceType = "laptop"
	DeviceTablet DeviceType = "tablet"
	DeviceOther  DeviceType = "other"
)

func (d DeviceType) Valid() bool {
	switch d {
	case DeviceMobile, DeviceLaptop, DeviceTablet, DeviceOther:
		return true
	default:
		return false
	}
}

// Priority orders the repair queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Status is the stage of a repair ticket.
type Status string

const (
	StatusReceived     Status = "received"
	StatusDiagnosed    Status = "diagnosed"
	StatusWaitingParts Status = "waiting_parts"
	StatusInProgress   Status = "in_progress"
	StatusCompleted    Status = "completed"
	StatusDelivered    Status = "delivered"
	StatusCancelled    Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusReceived:     {StatusDiagnosed, StatusWaitingParts, StatusInProgress, StatusCancelled},
	StatusDiagnosed:    {StatusWaitingParts, StatusInProgress, StatusCancelled},
	StatusWaitingParts: {StatusInProgress, StatusCancelled},
	StatusInProgress:   {StatusWaitingParts, StatusCompleted, StatusCancelled},
	StatusCompleted:    {StatusDelivered, StatusCancelled},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok || s == StatusDelivered || s == StatusCancelled
}

// Open reports whether work on the device is still outstanding.
func (s Status) Open() bool {
	switch s {
	case StatusCompleted, StatusDelivered, StatusCancelled:
		return false
	default:
		return true
	}
}

// CanTransition reports whether a ticket may move from s to next.
func (s Status) CanTransition(next Status) bool {
	return slices.Contains(transitions[s], next)
}

// OpenStatuses lists the statuses with outstanding work.
func OpenStatuses() []Status {
	return []Status{StatusReceived, StatusDiagnosed, StatusWaitingParts, StatusInProgress}
}

// TransitionError reports a status change the workflow does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move repair from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError names the ticket field that was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidTicket
}

// Customer is the customer snapshot taken at intake.
type Customer struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Part is a spare part used in a repair.
type Part struct {
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity"`
	Cost         decimal.Decimal `json:"cost"`
	WarrantyVoid bool            `json:"warranty_void,omitempty"`
}

// Ticket is one device repair.
type Ticket struct {
	ID            string           `json:"id"`
	CustomerID    string           `json:"customer_id"`
	Customer      *Customer        `json:"customer,omitempty"`
	TechnicianID  string           `json:"technician_id,omitempty"`
	DeviceType    DeviceType       `json:"device_type"`
	Brand         string           `json:"brand"`
	Model         string           `json:"model"`
	IMEI          string           `json:"imei,omitempty"`
	SerialNumber  string           `json:"serial_number,omitempty"`
	Issue         string           `json:"issue"`
	Diagnosis     string           `json:"diagnosis,omitempty"`
	EstimatedCost decimal.Decimal  `json:"estimated_cost"`
	ActualCost    *decimal.Decimal `json:"actual_cost,omitempty"`
	// EstimatedHours is counted from CreatedAt.
	EstimatedHours int        `json:"estimated_hours"`
	Priority       Priority   `json:"priority"`
	Status         Status     `json:"status"`
	Parts          []Part     `json:"parts,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	CustomerNotes  string     `json:"customer_notes,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

// Validate checks the intake fields.
func (t *Ticket) Validate() error {
	switch {
	case !t.DeviceType.Valid():
		return &ValidationError{Field: "deviceType", Reason: fmt.Sprintf("unknown device type %q", t.DeviceType)}
	case strings.TrimSpace(t.Brand) == "":
		return &ValidationError{Field: "brand", Reason: "required"}
	case strings.TrimSpace(t.Issue) == "":
		return &ValidationError{Field: "issue", Reason: "required"}
	case t.EstimatedCost.IsNegative():
		return &ValidationError{Field: "estimatedCost", Reason: "must not be negative"}
	case t.EstimatedHours <= 0:
		return &ValidationError{Field: "estimatedTime", Reason: "must be positive"}
	case !t.Priority.Valid():
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown priority %q", t.Priority)}
	}
	for _, p := range t.Parts {
		if p.Quantity <= 0 || p.Cost.IsNegative() {
			return &ValidationError{Field: "parts", Reason: "quantity must be positive and cost not negative"}
		}
	}
	return nil
}

// Transition moves the ticket to next, stamping the completion and delivery
// times on the way.
func (t *Ticket) Transition(next Status, now time.Time) error {
	if !t.Status.CanTransition(next) {
		return &TransitionError{From: t.Status, To: next}
	}
	t.Status = next
	t.UpdatedAt = now
	switch next {
	case StatusCompleted:
		t.CompletedAt = &now
	case StatusDelivered:
		t.DeliveredAt = &now
	}
	return nil
}

// DueAt is when the repair is expected to be done.
func (t *Ticket) DueAt() time.Time {
	return t.CreatedAt.Add(time.Duration(t.EstimatedHours) * time.Hour)
}

// IsOverdue reports whether an open ticket is past its estimate.
func (t *Ticket) IsOverdue(now time.Time) bool {
	return t.Status.Open() && now.After(t.DueAt())
}

// PartsCost sums the cost of the parts used.
func (t *Ticket) PartsCost() decimal.Decimal {
	total := decimal.Zero
	for _, p := range t.Parts {
		total = total.Add(p.Cost.Mul(decimal.NewFromInt(int64(p.Quantity))))
	}
	return total
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses []Status
	// Search matches customer name, brand, model or issue, case-insensitively.
	Search string
	Limit  int
}

// Counts holds ticket counts per status and the overdue count.
type Counts struct {
	ByStatus map[Status]int
	Overdue  int
}

// Pending is the number of tickets with outstanding work.
func (c Counts) Pending() int {
	n := 0
	for _, s := range OpenStatuses() {
		n += c.ByStatus[s]
	}
	return n
}

// Repository stores repair tickets.
type Repository interface {
	Create(ctx context.Context, t *Ticket) error
	Get(ctx context.Context, id string) (*Ticket, error)
	List(ctx context.Context, f Filter) ([]Ticket, error)
	// Update loads the ticket, applies fn and stores the result atomically.
	// Nothing is stored when fn fails.
	Update(ctx context.Context, id string, fn func(*Ticket) error) (*Ticket, error)
	Counts(ctx context.Context, now time.Time) (Counts, error)
}
