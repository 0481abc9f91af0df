package bpm

import "github.com/banshee-data/steering/internal/monitoring"

var logs = monitoring.NewStreams("[bpm] ")

func diagf(format string, args ...any) { logs.Diagf(format, args...) }
