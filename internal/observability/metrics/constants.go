// Package metrics provides constants used across metric definitions.
package metrics

import "time"

// Label values shared by the collectors.
const (
	// LabelBackend is the label carrying the acquisition backend name.
	LabelBackend = "backend"
	// LabelLevel is the label carrying an error message level.
	LabelLevel = "level"
	// LabelSubscriber is the label carrying a bus subscriber name.
	LabelSubscriber = "subscriber"
	// LabelBus is the label naming the bus a subscriber belongs to.
	LabelBus = "bus"
)

// Bus names used for the LabelBus label.
const (
	BusEvents = "events"
	BusErrors = "errors"
)

// Histogram bucket configuration constants.
const (
	// BucketStart64 is the first bucket for byte size histograms.
	BucketStart64 = 64
	// BucketStart1 is the first bucket for frame count histograms.
	BucketStart1 = 1
	// BucketFactor2 defines exponential bucket growth factor of 2.
	BucketFactor2 = 2
	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)

// Time and conversion constants.
const (
	// ShutdownTimeout is the timeout for graceful shutdown operations.
	ShutdownTimeout = 5 * time.Second
)
