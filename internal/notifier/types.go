package notifier

import (
	"context"
	"time"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled   bool
	ChatID    int64
	ThreadID  int
	NotifyAll bool

	Workers       int
	QueueSize     int
	RatePerSec    float64
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration

	DedupWindow     time.Duration
	DedupMaxEntries int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	if c.DedupMaxEntries <= 0 {
		c.DedupMaxEntries = 2000
	}
	return c
}

// Message is one outgoing notification. Text is HTML.
type Message struct {
	ChatID   int64
	ThreadID int
	Text     string
	// Key groups messages for dedup; empty disables it.
	Key string
}

// Sender delivers a message.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// SenderFunc adapts a function into a Sender.
type SenderFunc func(ctx context.Context, m Message) error

func (f SenderFunc) Send(ctx context.Context, m Message) error { return f(ctx, m) }

type HistoryItem struct {
	At    time.Time
	Text  string
	Error string
}
