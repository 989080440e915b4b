// Package notify delivers patient notifications without blocking the caller.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"opd/queue-service/internal/models"
)

type Kind string

const (
	KindConfirmation Kind = "CONFIRMATION"
	KindCancellation Kind = "CANCELLATION"
	KindReminder     Kind = "REMINDER"
	KindReassignment Kind = "REASSIGNMENT"
)

// Sink accepts notifications. Notify must not block and must not fail the
// caller.
type Sink interface {
	Notify(kind Kind, token models.Token, extra map[string]any)
}

type Message struct {
	Kind      Kind
	Token     models.Token
	Extra     map[string]any
	Recipient string
	Text      string
	QueuedAt  time.Time
}

type Options struct {
	QueueSize   int
	MaxAttempts int
	SendTimeout time.Duration
	Logger      zerolog.Logger
	// OnDelivered is called after each message is handled. Used by tests.
	OnDelivered func(Message, error)
}

// Dispatcher renders messages and hands them to a Provider from a single
// background goroutine. A full queue drops the message.
type Dispatcher struct {
	provider    Provider
	queue       chan Message
	maxAttempts int
	timeout     time.Duration
	logger      zerolog.Logger
	onDelivered func(Message, error)

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewDispatcher(provider Provider, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		provider:    provider,
		queue:       make(chan Message, opts.QueueSize),
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.SendTimeout,
		logger:      opts.Logger,
		onDelivered: opts.OnDelivered,
	}
}

// Dropped is how many notifications were discarded because the queue was full.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

func (d *Dispatcher) Notify(kind Kind, token models.Token, extra map[string]any) {
	msg := Message{
		Kind:      kind,
		Token:     token.Clone(),
		Extra:     extra,
		Recipient: token.PatientID,
		Text:      Render(kind, token, extra),
		QueuedAt:  time.Now().UTC(),
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- msg:
	default:
		d.dropped.Add(1)
		d.logger.Warn().Str("kind", string(kind)).Str("token_id", token.TokenID).Msg("notification queue full, dropping")
	}
}

// Run delivers queued messages until ctx is done, then drains what is left.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			d.closed = true
			close(d.queue)
			d.mu.Unlock()
			for msg := range d.queue {
				d.deliver(context.Background(), msg)
			}
			return nil
		case msg := <-d.queue:
			d.deliver(ctx, msg)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, msg Message) {
	var err error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = d.provider.Send(sendCtx, msg.Text, msg.Recipient)
		cancel()
		if err == nil {
			break
		}
		d.logger.Warn().Err(err).Int("attempt", attempt).Str("kind", string(msg.Kind)).Str("token_id", msg.Token.TokenID).Msg("notification send failed")
	}
	if err != nil {
		d.logger.Error().Err(err).Str("kind", string(msg.Kind)).Str("token_id", msg.Token.TokenID).Msg("notification abandoned")
	}
	if d.onDelivered != nil {
		d.onDelivered(msg, err)
	}
}

// Render builds the message body for a notification kind.
func Render(kind Kind, token models.Token, extra map[string]any) string {
	template := defaultTemplate(kind)
	vars := map[string]string{
		"{token_number}": token.TokenNumber,
		"{doctor_id}":    token.DoctorID,
		"{position}":     fmt.Sprint(token.QueuePosition),
		"{eta}":          fmt.Sprint(token.EstimatedWaitMinutes),
		"{scheduled}":    token.ScheduledTime.Format("02 Jan 15:04"),
		"{reason}":       str(extra, "reason"),
		"{new_doctor}":   str(extra, "new_doctor"),
	}
	for key, value := range vars {
		template = strings.ReplaceAll(template, key, value)
	}
	return strings.TrimSpace(template)
}

func defaultTemplate(kind Kind) string {
	switch kind {
	case KindConfirmation:
		return "Token {token_number} booked for {scheduled}. Queue position {position}, estimated wait {eta} min."
	case KindCancellation:
		return "Token {token_number} was cancelled. {reason}"
	case KindReminder:
		return "Reminder: token {token_number} is scheduled for {scheduled}. Please check in on arrival."
	case KindReassignment:
		return "Token {token_number} has been moved to {new_doctor}. New queue position {position}."
	}
	return "Token {token_number} updated."
}

func str(extra map[string]any, key string) string {
	if extra == nil {
		return ""
	}
	if value, ok := extra[key]; ok {
		if text, ok := value.(string); ok {
			return text
		}
		return fmt.Sprint(value)
	}
	return ""
}
