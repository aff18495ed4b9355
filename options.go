package flowrelay

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// RelayOption is a function that configures a RelayEngine.
//
// Example:
//
//	engine, err := flowrelay.NewRelayEngine(
//	    flowrelay.WithRelayFlows(flows),
//	    flowrelay.WithRelayBus(bus),
//	    flowrelay.WithRelayLocker(locker),
//	    flowrelay.WithRelayLogger(logger),
//	    flowrelay.WithRelayBatchSize(50), // optional
//	)
type RelayOption func(*RelayEngine) error

// WithRelayFlows sets the message flow service the engine drains.
//
// This is a required option for NewRelayEngine.
func WithRelayFlows(flows *MessageFlowService) RelayOption {
	return func(w *RelayEngine) error {
		if flows == nil {
			return fmt.Errorf("flows cannot be nil")
		}
		w.flows = flows
		return nil
	}
}

// WithRelayBus sets the bus step ids are published to.
//
// This is a required option for NewRelayEngine.
func WithRelayBus(bus Bus) RelayOption {
	return func(w *RelayEngine) error {
		if bus == nil {
			return fmt.Errorf("bus cannot be nil")
		}
		w.bus = bus
		return nil
	}
}

// WithRelayLocker sets the cluster lock guarding each binding.
//
// This is a required option for NewRelayEngine.
func WithRelayLocker(locker Locker) RelayOption {
	return func(w *RelayEngine) error {
		if locker == nil {
			return fmt.Errorf("locker cannot be nil")
		}
		w.locker = locker
		return nil
	}
}

// WithRelayLogger sets the logger instance for the engine.
//
// This is a required option for NewRelayEngine.
func WithRelayLogger(logger Logger) RelayOption {
	return func(w *RelayEngine) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		w.logger = logger
		return nil
	}
}

// WithRelayBatchSize sets the number of events drained per cycle.
// This is an optional configuration - default is 20.
func WithRelayBatchSize(size int) RelayOption {
	return func(w *RelayEngine) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be > 0, got %d", size)
		}
		w.batchSize = size
		return nil
	}
}

// WithPollInterval sets the time between cycles of a binding.
// This is an optional configuration - default is 100ms.
func WithPollInterval(interval time.Duration) RelayOption {
	return func(w *RelayEngine) error {
		if interval <= 0 {
			return fmt.Errorf("poll interval must be > 0, got %v", interval)
		}
		w.pollInterval = interval
		return nil
	}
}

// WithReadiness sets a check run at the start of every cycle. Cycles are skipped while it
// returns false, so nothing is relayed before the hosting runtime has fully started.
func WithReadiness(ready func() bool) RelayOption {
	return func(w *RelayEngine) error {
		if ready == nil {
			return fmt.Errorf("readiness check cannot be nil")
		}
		w.ready = ready
		return nil
	}
}

// WithRelayMetrics sets the Prometheus collectors.
// This is an optional configuration - without it nothing is recorded.
func WithRelayMetrics(metrics *Metrics) RelayOption {
	return func(w *RelayEngine) error {
		w.metrics = metrics
		return nil
	}
}

// WithTracer sets the tracer used for relay spans.
// This is an optional configuration - default is the global OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) RelayOption {
	return func(w *RelayEngine) error {
		if tracer == nil {
			return fmt.Errorf("tracer cannot be nil")
		}
		w.tracer = tracer
		return nil
	}
}
