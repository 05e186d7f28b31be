package email

import (
	"context"
	"errors"
	"time"

	"github.com/jpillora/backoff"
	"grimstack.io/grim/src/expiry"
	"grimstack.io/grim/src/jobs"
	"grimstack.io/grim/src/kv"
	"grimstack.io/grim/src/logging"
	"grimstack.io/grim/src/models"
	"grimstack.io/grim/src/oops"
	"grimstack.io/grim/src/utils"
)

// Delivery statuses are only interesting for a few minutes after they change.
const statusLifetime = 6 * time.Minute

const (
	StatusQueued = "queued"
	StatusSent   = "sent"
)

var ErrNoStatus = errors.New("no status for that email")

type Message struct {
	ToAddress string
	ToName    string
	Subject   string
	Body      string
}

// A Mailer hands a message to whatever actually delivers email and returns
// the provider's id for it.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// LogMailer only logs messages. Used in development.
type LogMailer struct{}

func (LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	logging.ExtractLogger(ctx).Info().
		Str("to", msg.ToAddress).
		Str("subject", msg.Subject).
		Msg("Pretending to send email")
	return "log-" + msg.ToAddress, nil
}

type Tracker struct {
	db       *kv.DB
	registry *expiry.Registry
	now      func() time.Time
}

func NewTracker(db *kv.DB, registry *expiry.Registry) *Tracker {
	return &Tracker{db: db, registry: registry, now: time.Now}
}

func statusKey(sid string) string {
	return "email:" + sid
}

// MarkStatus records the latest status for an email and pushes its deletion
// back to six minutes from now.
func (t *Tracker) MarkStatus(ctx context.Context, sid, status string) error {
	record := models.EmailStatus{
		SID:     sid,
		Status:  status,
		Updated: t.now().UTC(),
	}
	return t.db.Update(ctx, func(tx *kv.Tx) error {
		if err := tx.PutJSON(kv.TableEmailStatuses, sid, record); err != nil {
			return err
		}
		if _, err := t.registry.CancelTx(tx, statusKey(sid)); err != nil {
			return err
		}
		return t.registry.ScheduleTx(tx, statusLifetime, expiry.DeleteKey(kv.TableEmailStatuses, sid), statusKey(sid))
	})
}

func (t *Tracker) Status(ctx context.Context, sid string) (*models.EmailStatus, error) {
	var record models.EmailStatus
	err := t.db.View(ctx, func(tx *kv.Tx) error {
		found, err := tx.GetJSON(kv.TableEmailStatuses, sid, &record)
		if err != nil {
			return err
		}
		if !found {
			return oops.New(ErrNoStatus, "no status for email %s", sid)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// An Outbox sends email from a background job so requests and transactions
// never wait on the mail provider.
type Outbox struct {
	mailer  Mailer
	tracker *Tracker
	queue   chan Message

	attempts int
	backoff  backoff.Backoff
}

func NewOutbox(mailer Mailer, tracker *Tracker, size int) *Outbox {
	return &Outbox{
		mailer:   mailer,
		tracker:  tracker,
		queue:    make(chan Message, size),
		attempts: 3,
		backoff: backoff.Backoff{
			Min:    time.Second,
			Max:    30 * time.Second,
			Factor: 2,
		},
	}
}

// Enqueue queues msg for sending. Returns false if the queue is full.
func (o *Outbox) Enqueue(msg Message) bool {
	select {
	case o.queue <- msg:
		return true
	default:
		return false
	}
}

func (o *Outbox) Run() *jobs.Job {
	job := jobs.New("email outbox")
	go func() {
		defer job.Finish()
		defer logging.LogPanics(&job.Logger)

		for {
			select {
			case <-job.Canceled():
				return
			case msg := <-o.queue:
				o.deliver(job.Ctx, msg)
			}
		}
	}()
	return job
}

func (o *Outbox) deliver(ctx context.Context, msg Message) {
	logger := logging.ExtractLogger(ctx)
	for attempt := 0; attempt < o.attempts; attempt++ {
		if attempt > 0 {
			if err := utils.SleepContext(ctx, o.backoff.ForAttempt(float64(attempt-1))); err != nil {
				return
			}
		}

		sid, err := o.mailer.Send(ctx, msg)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt+1).Str("to", msg.ToAddress).Msg("Failed to send email")
			continue
		}
		if err := o.tracker.MarkStatus(ctx, sid, StatusSent); err != nil {
			logger.Error().Err(err).Str("sid", sid).Msg("Failed to record email status")
		}
		return
	}
	logger.Error().Str("to", msg.ToAddress).Str("subject", msg.Subject).Msg("Giving up on email")
}
