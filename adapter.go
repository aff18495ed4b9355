package flowrelay

import "context"

// Component property keys understood by the bundled adapters.
const (
	SourceFolderProperty = "SOURCE_FOLDER"
	TargetFolderProperty = "TARGET_FOLDER"
)

// IngressMessage is a message read by an inbound adapter.
type IngressMessage struct {
	Content string
	Headers map[string]string

	// Key identifies the external source item (a file, a record). An ingress with a key that
	// was already recorded for the component is skipped. Empty disables the check.
	Key string
}

// IngestFunc records an ingress as the first step of a new lineage.
type IngestFunc func(ctx context.Context, msg IngressMessage) error

// InboundAdapter feeds an inbound communication point from an external system.
type InboundAdapter interface {
	// Start begins reading and calls ingest for every message. It must not block.
	Start(ctx context.Context, ingest IngestFunc) error

	// Stop ends reading and waits for in-flight ingests.
	Stop() error
}

// OutboundMessage is what an outbound communication point hands to its adapter.
type OutboundMessage struct {
	StepID      int64
	Content     string
	ContentType string
	Headers     map[string]string
}

// OutboundAdapter writes messages of an outbound communication point to an external system.
// Send may be called more than once for the same StepID after a failure.
type OutboundAdapter interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// PropertyConfigurable is implemented by adapters that read component properties from the
// configuration store. It is called once, when the component is configured.
type PropertyConfigurable interface {
	ConfigureProperties(properties map[string]string) error
}
