package worker

import "time"

// Config carries the worker pool's tunable parameters.
type Config struct {
	PollInterval  time.Duration
	BatchSize     int
	MaxConcurrent int
	LeaseSeconds  int
	RenewInterval time.Duration
	RetryLimit    int
	TaskLogDir    string
}

// DefaultConfig returns the nominal design parameters: poll interval
// 100ms, claim batch size 8, max concurrent jobs 8, lease 30s,
// lease-renewal interval 10s, retry limit 2 (three attempts total).
func DefaultConfig() Config {
	return Config{
		PollInterval:  100 * time.Millisecond,
		BatchSize:     8,
		MaxConcurrent: 8,
		LeaseSeconds:  30,
		RenewInterval: 10 * time.Second,
		RetryLimit:    2,
	}
}

// backoffSeconds computes min(2^attempt, 60).
func backoffSeconds(attempt int) int {
	if attempt <= 0 {
		return 1
	}
	d := 1
	for i := 0; i < attempt && d < 60; i++ {
		d *= 2
	}
	if d > 60 {
		d = 60
	}
	return d
}
