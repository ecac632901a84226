package resilience

import "time"

// FromRetryConfig builds a RetryConfig from flat config values. Non-positive
// values keep the DefaultRetryConfig setting.
func FromRetryConfig(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier float64) RetryConfig {
	cfg := DefaultRetryConfig()
	setPositive(&cfg.MaxAttempts, maxAttempts)
	setPositive(&cfg.InitialBackoff, time.Duration(initialBackoffMs)*time.Millisecond)
	setPositive(&cfg.MaxBackoff, time.Duration(maxBackoffMs)*time.Millisecond)
	setPositive(&cfg.Multiplier, multiplier)
	return cfg
}

// FromCircuitConfig builds a CircuitBreakerConfig the same way.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	setPositive(&cfg.FailureThreshold, failureThreshold)
	setPositive(&cfg.ResetTimeout, time.Duration(resetTimeoutSecs)*time.Second)
	return cfg
}

func setPositive[T int | float64 | time.Duration](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}
