package orbit

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[orbit] ")

func opsf(format string, args ...any)   { logs.Opsf(format, args...) }
func diagf(format string, args ...any)  { logs.Diagf(format, args...) }
func tracef(format string, args ...any) { logs.Tracef(format, args...) }
