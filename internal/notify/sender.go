// Package notify sends SMS notifications about ledger events.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sender delivers one message synchronously.
type Sender interface {
	Send(ctx context.Context, phone, message string) error
}

// Async fans sends out on goroutines. A failed send is logged and dropped;
// it never affects the ledger operation that triggered it.
type Async struct {
	sender  Sender
	timeout time.Duration
	log     *zap.SugaredLogger
	wg      sync.WaitGroup
}

func NewAsync(sender Sender, timeout time.Duration, logger *zap.SugaredLogger) *Async {
	return &Async{sender: sender, timeout: timeout, log: logger}
}

// Notify returns immediately. The send outlives ctx's cancellation but is
// bounded by the configured timeout.
func (a *Async) Notify(ctx context.Context, phone, message string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.sender.Send(sendCtx, phone, message); err != nil {
			a.log.Warnw("sms not delivered", "phone", mask(phone), "error", err)
			return
		}
		a.log.Debugw("sms delivered", "phone", mask(phone))
	}()
}

// Wait blocks until every in-flight send has finished.
func (a *Async) Wait() { a.wg.Wait() }

// LogSender writes messages to the log instead of sending them. Used when no
// SMS credentials are configured.
type LogSender struct {
	Log *zap.SugaredLogger
}

func (s LogSender) Send(_ context.Context, phone, message string) error {
	s.Log.Infow("sms", "phone", mask(phone), "message", message)
	return nil
}

func mask(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	out := []byte(phone)
	for i := 0; i < len(out)-4; i++ {
		out[i] = '*'
	}
	return string(out)
}
