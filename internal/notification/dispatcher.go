// Package notification fans alerts out to speech, alarm, messenger and mail
// channels without blocking the recorder.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikeyg42/sentinel/internal/motion"
)

// Channel names used in logs and stats.
const (
	ChannelSpeech    = "speech"
	ChannelAlarm     = "alarm"
	ChannelMessenger = "messenger"
	ChannelEmail     = "email"
)

type Options struct {
	SystemName string
	// AlertEmail enables the email channel when non-empty.
	AlertEmail  string
	FromEmail   string
	AlarmRepeat int
	Retry       RetryConfig
	// Timeout bounds one channel task, retries included.
	Timeout time.Duration
}

// ChannelStats counts task outcomes for one channel.
type ChannelStats struct {
	Dispatched uint64
	Delivered  uint64
	Failed     uint64
}

type channelCounters struct {
	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

// Dispatcher runs each alert channel in its own goroutine.
type Dispatcher struct {
	opts      Options
	speaker   Player
	alarm     Player
	messenger Messenger
	mailer    Mailer
	logger    *zap.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
	mu       sync.Mutex
	counters map[string]*channelCounters
}

type DispatcherOption func(*Dispatcher)

func WithSpeaker(p Player) DispatcherOption     { return func(d *Dispatcher) { d.speaker = p } }
func WithAlarm(p Player) DispatcherOption       { return func(d *Dispatcher) { d.alarm = p } }
func WithMessenger(m Messenger) DispatcherOption { return func(d *Dispatcher) { d.messenger = m } }
func WithMailer(m Mailer) DispatcherOption      { return func(d *Dispatcher) { d.mailer = m } }

func NewDispatcher(opts Options, logger *zap.Logger, options ...DispatcherOption) *Dispatcher {
	if opts.SystemName == "" {
		opts.SystemName = "sentinel"
	}
	if opts.AlarmRepeat < 1 {
		opts.AlarmRepeat = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		opts:     opts,
		logger:   logger.Named("alerts"),
		counters: make(map[string]*channelCounters),
	}
	for _, o := range options {
		o(d)
	}
	return d
}

// Channels lists the enabled channels.
func (d *Dispatcher) Channels() []string {
	var out []string
	if d.speaker != nil {
		out = append(out, ChannelSpeech)
	}
	if d.alarm != nil {
		out = append(out, ChannelAlarm)
	}
	if d.messenger != nil {
		out = append(out, ChannelMessenger)
	}
	if d.mailer != nil && d.opts.AlertEmail != "" {
		out = append(out, ChannelEmail)
	}
	return out
}

func (d *Dispatcher) counter(channel string) *channelCounters {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counters[channel]
	if !ok {
		c = &channelCounters{}
		d.counters[channel] = c
	}
	return c
}

// dispatch starts fn in the background. The task outlives ctx cancellation
// so that an alert raised just before shutdown still goes out; Wait drains.
func (d *Dispatcher) dispatch(ctx context.Context, channel, what string, fn func(context.Context) error) {
	c := d.counter(channel)
	c.dispatched.Add(1)
	d.inFlight.Add(1)
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()
		defer d.inFlight.Add(-1)

		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.Timeout)
		defer cancel()

		start := time.Now()
		err := SendWithRetry(taskCtx, d.opts.Retry, fn)
		log := d.logger.With(zap.String("channel", channel), zap.String("alert", what), zap.Duration("took", time.Since(start)))
		if err != nil {
			c.failed.Add(1)
			log.Warn("alert delivery failed", zap.Error(err))
			return
		}
		c.delivered.Add(1)
		log.Debug("alert delivered")
	}()
}

// MotionDetected fires every enabled channel for ev.
func (d *Dispatcher) MotionDetected(ctx context.Context, ev motion.Event) {
	text := "motion detected"

	if d.speaker != nil {
		d.dispatch(ctx, ChannelSpeech, "motion", func(ctx context.Context) error {
			return d.speaker.Play(ctx, text)
		})
	}
	if d.alarm != nil {
		d.dispatch(ctx, ChannelAlarm, "motion", func(ctx context.Context) error {
			for i := 0; i < d.opts.AlarmRepeat; i++ {
				if err := d.alarm.Play(ctx); err != nil {
					return fmt.Errorf("alarm repeat %d: %w", i+1, err)
				}
			}
			return nil
		})
	}
	if d.messenger != nil {
		msg := fmt.Sprintf("%s: motion detected at %s", d.opts.SystemName, ev.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
		d.toChats(ctx, "motion", func(ctx context.Context, chat string) error {
			return d.messenger.SendText(ctx, chat, msg)
		})
	}
	if d.mailer != nil && d.opts.AlertEmail != "" {
		data := AlertData{
			SystemName:      d.opts.SystemName,
			AlertID:         uuid.NewString(),
			Timestamp:       ev.Timestamp,
			CoveragePercent: ev.ContourAreaPercent,
		}
		d.dispatch(ctx, ChannelEmail, "motion", func(ctx context.Context) error {
			return d.sendMail(ctx, MotionAlertTemplate(), data, nil)
		})
	}
}

// StillCaptured sends the session's still image through the messenger.
func (d *Dispatcher) StillCaptured(ctx context.Context, name string, still []byte) {
	if d.messenger == nil {
		return
	}
	data := append([]byte(nil), still...)
	d.toChats(ctx, "still", func(ctx context.Context, chat string) error {
		return d.messenger.SendFile(ctx, chat, name, data, d.opts.SystemName+": "+name)
	})
}

// Started announces that monitoring has begun.
func (d *Dispatcher) Started(ctx context.Context) {
	if d.messenger != nil {
		msg := fmt.Sprintf("%s: monitoring started", d.opts.SystemName)
		d.toChats(ctx, "started", func(ctx context.Context, chat string) error {
			return d.messenger.SendText(ctx, chat, msg)
		})
	}
	if d.mailer != nil && d.opts.AlertEmail != "" {
		data := AlertData{SystemName: d.opts.SystemName, AlertID: uuid.NewString(), Timestamp: time.Now()}
		d.dispatch(ctx, ChannelEmail, "started", func(ctx context.Context) error {
			return d.sendMail(ctx, StartedTemplate(), data, nil)
		})
	}
}

func (d *Dispatcher) sendMail(ctx context.Context, tmpl *EmailTemplate, data AlertData, attachments []Attachment) error {
	data.HasImage = len(attachments) > 0
	subject, text, html, err := tmpl.Render(data)
	if err != nil {
		return permanent(err)
	}
	return d.mailer.Send(ctx, &Message{
		From:        d.opts.FromEmail,
		FromName:    d.opts.SystemName,
		To:          d.opts.AlertEmail,
		Subject:     subject,
		TextBody:    text,
		HTMLBody:    html,
		AlertID:     data.AlertID,
		SystemName:  d.opts.SystemName,
		Date:        data.Timestamp,
		Attachments: attachments,
	})
}

// toChats runs one messenger task per chat.
func (d *Dispatcher) toChats(ctx context.Context, what string, send func(context.Context, string) error) {
	for _, chat := range d.messenger.Chats() {
		d.dispatch(ctx, ChannelMessenger, what, func(ctx context.Context) error {
			return messengerErr(send(ctx, chat))
		})
	}
}

// messengerErr stops retrying on client errors the Bot API will repeat.
func messengerErr(err error) error {
	if err == nil {
		return nil
	}
	var te *TelegramError
	if errors.As(err, &te) && !te.Retryable() {
		return permanent(err)
	}
	return err
}

// Wait blocks until in-flight tasks finish or timeout passes. It reports
// whether everything drained.
func (d *Dispatcher) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		d.logger.Warn("alert tasks still running at shutdown", zap.Int64("in_flight", d.inFlight.Load()))
		return false
	}
}

// InFlight returns the number of running tasks.
func (d *Dispatcher) InFlight() int64 { return d.inFlight.Load() }

// Stats returns per-channel counters.
func (d *Dispatcher) Stats() map[string]ChannelStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]ChannelStats, len(d.counters))
	for name, c := range d.counters {
		out[name] = ChannelStats{
			Dispatched: c.dispatched.Load(),
			Delivered:  c.delivered.Load(),
			Failed:     c.failed.Load(),
		}
	}
	return out
}

// LogStats writes the counters at info level.
func (d *Dispatcher) LogStats() {
	stats := d.Stats()
	names := make([]string, 0, len(stats))
	for n := range stats {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		s := stats[n]
		d.logger.Info("alert channel stats",
			zap.String("channel", n),
			zap.Uint64("dispatched", s.Dispatched),
			zap.Uint64("delivered", s.Delivered),
			zap.Uint64("failed", s.Failed))
	}
}
