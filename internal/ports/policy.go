package ports

import "time"

type Policy struct {
	// ConnectTimeout bounds the wait for each channel during startup.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// StatusInterval is the period of the running status summary.
	StatusInterval time.Duration `yaml:"status_interval"`
	// PollInterval is how often the run loop checks for a stop request.
	PollInterval time.Duration `yaml:"poll_interval"`
	// QueueLen bounds commit requests waiting for the sequencer.
	QueueLen int `yaml:"queue_len"`
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultStatusInterval = 60 * time.Second
	DefaultPollInterval   = 100 * time.Millisecond
	DefaultQueueLen       = 1024
)

// ApplyDefaults fills zero fields.
func (p *Policy) ApplyDefaults() {
	if p.ConnectTimeout <= 0 {
		p.ConnectTimeout = DefaultConnectTimeout
	}
	if p.StatusInterval <= 0 {
		p.StatusInterval = DefaultStatusInterval
	}
	if p.PollInterval <= 0 {
		p.PollInterval = DefaultPollInterval
	}
	if p.QueueLen <= 0 {
		p.QueueLen = DefaultQueueLen
	}
}
