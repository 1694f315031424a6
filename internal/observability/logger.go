package observability

import "github.com/Gameminde/Chneowave-sub003/internal/logging"

// Package-level cached logger instance.
var log = logging.ForService("telemetry")
