package channel

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[channel] ")

func diagf(format string, args ...any) { logs.Diagf(format, args...) }
