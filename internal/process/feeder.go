package process

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// AcceptAllInput is the input line the installer treats as "accept every
// remaining prompt".
const AcceptAllInput = "yesforall\n"

const (
	defaultSequenceDelay = 200 * time.Millisecond
	defaultIdleDelay     = 300 * time.Millisecond
	defaultItemDelay     = 250 * time.Millisecond
)

// FeedTiming controls the pauses the auto-input feeder takes so the child has
// time to render each prompt.
type FeedTiming struct {
	// SequenceDelay is the initial pause when an auto-input sequence is given.
	SequenceDelay time.Duration
	// IdleDelay is the initial pause when only AcceptAllInput is sent.
	IdleDelay time.Duration
	// ItemDelay follows every sequence item.
	ItemDelay time.Duration
}

// DefaultFeedTiming returns the delays used in production.
func DefaultFeedTiming() FeedTiming {
	return FeedTiming{
		SequenceDelay: defaultSequenceDelay,
		IdleDelay:     defaultIdleDelay,
		ItemDelay:     defaultItemDelay,
	}
}

// feeder writes scripted keystrokes into a running installer. Every wait
// aborts as soon as ctx is done.
type feeder struct {
	items  []string
	timing FeedTiming
	write  func(string) error
	emit   func(string)
}

func (f *feeder) run(ctx context.Context) {
	delay := f.timing.IdleDelay
	if len(f.items) > 0 {
		delay = f.timing.SequenceDelay
	}
	if !sleepContext(ctx, delay) {
		return
	}

	for _, item := range f.items {
		if !f.send(item) {
			return
		}
		if !sleepContext(ctx, f.timing.ItemDelay) {
			return
		}
	}
	f.send(AcceptAllInput)
}

func (f *feeder) send(text string) bool {
	err := f.write(text)
	switch {
	case err == nil:
		f.emit(fmt.Sprintf("[auto-input] %q\n", text))
		return true
	case errors.Is(err, ErrTransportClosed):
		f.emit("[auto-input] stdin closed; stopping\n")
	default:
		f.emit(fmt.Sprintf("[auto-input-error] %v\n", err))
	}
	return false
}

// sleepContext waits for d and reports whether the wait completed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
