package api

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[api] ")

func opsf(format string, args ...any)  { logs.Opsf(format, args...) }
func diagf(format string, args ...any) { logs.Diagf(format, args...) }
