package connect

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[connect] ")

func opsf(format string, args ...any)  { logs.Opsf(format, args...) }
func diagf(format string, args ...any) { logs.Diagf(format, args...) }
