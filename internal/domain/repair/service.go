package repair

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/gadget-pos/internal/domain/customer"
	"github.com/xenking/gadget-pos/internal/notify"
)

const defaultEstimatedHours = 24

// CreateRequest holds the intake form of a repair.
type CreateRequest struct {
	CustomerID     string
	TechnicianID   string
	DeviceType     DeviceType
	Brand          string
	Model          string
	IMEI           string
	SerialNumber   string
	Issue          string
	EstimatedCost  decimal.Decimal
	EstimatedHours int
	Priority       Priority
	Parts          []Part
	Notes          string
	CustomerNotes  string
}

// StatusUpdate moves a ticket forward. Empty optional fields are kept.
type StatusUpdate struct {
	Status     Status
	Diagnosis  string
	ActualCost *decimal.Decimal
	Notes      string
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier sets the sink for repair notifications.
func WithNotifier(n notify.Sink) Option {
	return func(s *Service) { s.notifier = n }
}

// WithClock replaces the time source and ID generator.
func WithClock(now func() time.Time, newID func() string) Option {
	return func(s *Service) {
		s.now = now
		s.newID = newID
	}
}

// Service runs the repair workflow.
type Service struct {
	repo      Repository
	customers customer.Repository
	notifier  notify.Sink
	now       func() time.Time
	newID     func() string
}

// NewService creates a repair Service.
func NewService(repo Repository, customers customer.Repository, opts ...Option) *Service {
	s := &Service{
		repo:      repo,
		customers: customers,
		notifier:  notify.Nop{},
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.New().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a device at intake. The customer must exist.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Ticket, error) {
	c, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		if errors.Is(err, customer.ErrNotFound) {
			return nil, &ValidationError{Field: "customerId", Reason: "unknown customer"}
		}
		return nil, errors.Wrapf(err, "get customer %s", req.CustomerID)
	}

	now := s.now()
	t := &Ticket{
		ID:             s.newID(),
		CustomerID:     c.ID,
		Customer:       &Customer{ID: c.ID, Name: c.Name, Phone: c.Phone, Email: c.Email},
		TechnicianID:   req.TechnicianID,
		DeviceType:     req.DeviceType,
		Brand:          strings.TrimSpace(req.Brand),
		Model:          strings.TrimSpace(req.Model),
		IMEI:           req.IMEI,
		SerialNumber:   req.SerialNumber,
		Issue:          strings.TrimSpace(req.Issue),
		EstimatedCost:  req.EstimatedCost,
		EstimatedHours: req.EstimatedHours,
		Priority:       req.Priority,
		Status:         StatusReceived,
		Parts:          req.Parts,
		Notes:          req.Notes,
		CustomerNotes:  req.CustomerNotes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if t.EstimatedHours == 0 {
		t.EstimatedHours = defaultEstimatedHours
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, errors.Wrap(err, "create repair")
	}
	zctx.From(ctx).Info("Repair received",
		zap.String("repair_id", t.ID),
		zap.String("customer_id", t.CustomerID),
		zap.String("device", string(t.DeviceType)),
	)
	s.notify(ctx, notify.LevelSuccess, "Repair created",
		fmt.Sprintf("Repair service created for %s", c.Name))
	return t, nil
}

// Get returns one ticket.
func (s *Service) Get(ctx context.Context, id string) (*Ticket, error) {
	return s.repo.Get(ctx, id)
}

// List returns tickets matching f, newest first.
func (s *Service) List(ctx context.Context, f Filter) ([]Ticket, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", st)}
		}
	}
	f.Search = strings.TrimSpace(f.Search)
	return s.repo.List(ctx, f)
}

// UpdateStatus moves a ticket along the workflow.
func (s *Service) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (*Ticket, error) {
	if !u.Status.Valid() {
		return nil, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", u.Status)}
	}
	if u.ActualCost != nil && u.ActualCost.IsNegative() {
		return nil, &ValidationError{Field: "actualCost", Reason: "must not be negative"}
	}

	var from Status
	t, err := s.repo.Update(ctx, id, func(t *Ticket) error {
		from = t.Status
		if err := t.Transition(u.Status, s.now()); err != nil {
			return err
		}
		if u.Diagnosis != "" {
			t.Diagnosis = u.Diagnosis
		}
		if u.ActualCost != nil {
			cost := *u.ActualCost
			t.ActualCost = &cost
		}
		if u.Notes != "" {
			t.Notes = u.Notes
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	zctx.From(ctx).Info("Repair status changed",
		zap.String("repair_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(t.Status)),
	)
	s.notify(ctx, notify.LevelInfo, "Status updated",
		fmt.Sprintf("%s %s marked as %s", t.Brand, t.Model, strings.ReplaceAll(string(t.Status), "_", " ")))
	return t, nil
}

// Counts returns ticket counts per status and how many are overdue.
func (s *Service) Counts(ctx context.Context) (Counts, error) {
	return s.repo.Counts(ctx, s.now())
}

func (s *Service) notify(ctx context.Context, level notify.Level, title, msg string) {
	s.notifier.Notify(ctx, notify.Event{Level: level, Title: title, Message: msg, At: s.now()})
}
