package fit

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[fit] ")

func diagf(format string, args ...any)  { logs.Diagf(format, args...) }
func tracef(format string, args ...any) { logs.Tracef(format, args...) }
