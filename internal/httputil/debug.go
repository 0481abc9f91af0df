package httputil

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[http] ")

func diagf(format string, args ...any) { logs.Diagf(format, args...) }
