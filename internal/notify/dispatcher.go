package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-rental-chat/internal/domain"
	"github.com/tbourn/go-rental-chat/internal/observability"
)

// Directory resolves the user and listing projections a notification needs.
type Directory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetListing(ctx context.Context, id string) (*domain.Listing, error)
}

// Job describes a persisted message that may warrant an e-mail.
// RecipientOnline is sampled when the message is sent.
type Job struct {
	ConversationID  string
	ListingID       *string
	MessageID       string
	Seq             int64
	SenderID        string
	RecipientID     string
	Content         string
	RecipientOnline bool
}

// ErrQueueFull is returned by Enqueue when the pool is saturated or closed.
var ErrQueueFull = errors.New("notification queue full")

// Dispatcher evaluates and sends notifications on a fixed pool of workers.
type Dispatcher struct {
	Directory Directory
	Composer  Composer
	Sender    Sender
	Timeout   time.Duration
	Log       zerolog.Logger

	jobs   chan Job
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines reading from a queue of the given
// capacity.
func NewDispatcher(dir Directory, comp Composer, sender Sender, workers, queue int, timeout time.Duration, log zerolog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	d := &Dispatcher{
		Directory: dir,
		Composer:  comp,
		Sender:    sender,
		Timeout:   timeout,
		Log:       log,
		jobs:      make(chan Job, queue),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

// Enqueue hands j to the pool without blocking. Jobs for anything but the
// first message of a conversation are skipped here.
func (d *Dispatcher) Enqueue(j Job) error {
	if j.Seq != 1 {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		observability.Notifications.WithLabelValues("dropped").Inc()
		return ErrQueueFull
	}
	select {
	case d.jobs <- j:
		return nil
	default:
		observability.Notifications.WithLabelValues("dropped").Inc()
		d.Log.Warn().Str("message_id", j.MessageID).Msg("notification queue full, dropping")
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for queued ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.jobs)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.handle(j)
	}
}

func (d *Dispatcher) handle(j Job) {
	defer func() {
		if r := recover(); r != nil {
			observability.Notifications.WithLabelValues("failed").Inc()
			d.Log.Error().Interface("panic", r).Str("message_id", j.MessageID).Msg("notification worker panic")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.Timeout)
	defer cancel()

	sent, err := d.process(ctx, j)
	switch {
	case err != nil:
		observability.Notifications.WithLabelValues("failed").Inc()
		d.Log.Error().Err(err).
			Str("message_id", j.MessageID).
			Str("recipient_id", j.RecipientID).
			Msg("notification failed")
	case sent:
		observability.Notifications.WithLabelValues("sent").Inc()
	default:
		observability.Notifications.WithLabelValues("skipped").Inc()
	}
}

// process returns whether an e-mail went out.
func (d *Dispatcher) process(ctx context.Context, j Job) (bool, error) {
	recipient, err := d.Directory.GetUser(ctx, j.RecipientID)
	if err != nil {
		return false, err
	}
	send, reason := Decide(Input{
		Seq:             j.Seq,
		RecipientRole:   recipient.Role,
		RecipientOnline: j.RecipientOnline,
		EmailEnabled:    recipient.EmailNotifications,
		Email:           recipient.Email,
	})
	if !send {
		d.Log.Debug().Str("message_id", j.MessageID).Str("reason", reason).Msg("notification skipped")
		return false, nil
	}

	senderName := ""
	if sender, err := d.Directory.GetUser(ctx, j.SenderID); err == nil {
		senderName = sender.Name
	}
	listingTitle := ""
	if j.ListingID != nil && *j.ListingID != "" {
		if l, err := d.Directory.GetListing(ctx, *j.ListingID); err == nil {
			listingTitle = l.Title
		}
	}

	n := d.Composer.Compose(recipient, senderName, listingTitle, j.ConversationID, j.Content)
	if err := d.Sender.Send(ctx, n); err != nil {
		return false, err
	}
	return true, nil
}
