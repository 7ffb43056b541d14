// Package window enforces the business-messaging response window: an
// officer may free-text a contact only within 24 hours of that contact's
// last inbound message. Outside the window, sends must go through the
// approved-template flow instead.
package window

import (
	"fmt"
	"time"

	"github.com/mkamau/fieldchat/internal/store"
	"go.uber.org/zap"
)

// DefaultDuration is the standard response window of business messaging APIs.
const DefaultDuration = 24 * time.Hour

// OutsideWindowError rejects a free-text send for a contact whose messaging
// window has lapsed or never opened. The caller routes such sends to the
// approved-template path.
type OutsideWindowError struct {
	ContactID     string
	LastInboundAt time.Time // zero when the contact never wrote in
}

func (e *OutsideWindowError) Error() string {
	if e.LastInboundAt.IsZero() {
		return fmt.Sprintf("contact %s has no inbound messages; messaging window never opened", e.ContactID)
	}
	return fmt.Sprintf("messaging window for contact %s closed (last inbound %s)",
		e.ContactID, e.LastInboundAt.Format(time.RFC3339))
}

// Tracker records per-contact interaction timestamps and answers window
// eligibility checks. All state lives in the durable store, so the window
// survives restarts along with the outbox.
type Tracker struct {
	db     *store.DB
	window time.Duration
	logger *zap.Logger
}

// NewTracker creates a tracker. A non-positive window falls back to the
// 24-hour default.
func NewTracker(db *store.DB, window time.Duration, logger *zap.Logger) *Tracker {
	if window <= 0 {
		window = DefaultDuration
	}
	return &Tracker{db: db, window: window, logger: logger}
}

// RecordInbound raises the contact's last-inbound timestamp. Timestamps are
// monotonic: a delayed or replayed older message never shrinks the window.
func (t *Tracker) RecordInbound(contactID, chatSessionID string, ts time.Time) error {
	if err := t.db.RaiseInbound(contactID, chatSessionID, ts.UnixMilli()); err != nil {
		return err
	}
	t.logger.Debug("inbound recorded",
		zap.String("contact_id", contactID),
		zap.Time("at", ts))
	return nil
}

// RecordOutbound raises the contact's last-outbound timestamp.
func (t *Tracker) RecordOutbound(contactID, chatSessionID string, ts time.Time) error {
	return t.db.RaiseOutbound(contactID, chatSessionID, ts.UnixMilli())
}

// IsWithinWindow reports whether a free-text message to the contact is
// currently permitted. A contact with no recorded inbound message is never
// within the window.
func (t *Tracker) IsWithinWindow(contactID string, now time.Time) (bool, error) {
	rec, err := t.db.GetWindowRecord(contactID)
	if err != nil {
		return false, err
	}
	if rec == nil || rec.LastInboundAt == 0 {
		return false, nil
	}
	return now.Sub(time.UnixMilli(rec.LastInboundAt)) <= t.window, nil
}

// Check returns nil when the contact is within the window, and an
// OutsideWindowError carrying the last inbound timestamp otherwise.
func (t *Tracker) Check(contactID string, now time.Time) error {
	rec, err := t.db.GetWindowRecord(contactID)
	if err != nil {
		return err
	}
	if rec == nil || rec.LastInboundAt == 0 {
		return &OutsideWindowError{ContactID: contactID}
	}
	last := time.UnixMilli(rec.LastInboundAt)
	if now.Sub(last) > t.window {
		return &OutsideWindowError{ContactID: contactID, LastInboundAt: last.UTC()}
	}
	return nil
}
