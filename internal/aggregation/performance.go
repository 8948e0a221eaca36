package aggregation

import (
	"math"
	"strconv"

	"github.com/goccy/go-json"
)

// Sample is the timing breakdown stored for one performance event, in milliseconds.
type Sample struct {
	LoadTime       float64
	DomReady       float64
	NetworkLatency float64
	ProcessingTime float64
	TotalTime      float64
}

// SampleFromData maps a performance event's data to a Sample. The tracker
// reports navigation timing as duration, domContentLoaded and domInteractive;
// explicit loadTime, domReady, networkLatency, processingTime and totalTime
// keys take precedence.
func SampleFromData(data map[string]interface{}) Sample {
	duration, _ := number(data["duration"])
	domContentLoaded, _ := number(data["domContentLoaded"])
	domInteractive, _ := number(data["domInteractive"])
	latency, _ := number(data["networkLatency"])

	s := Sample{
		LoadTime:       duration,
		DomReady:       domContentLoaded,
		NetworkLatency: latency,
		ProcessingTime: math.Max(0, domContentLoaded-domInteractive),
		TotalTime:      duration,
	}

	overrides := []struct {
		key string
		dst *float64
	}{
		{"loadTime", &s.LoadTime},
		{"domReady", &s.DomReady},
		{"processingTime", &s.ProcessingTime},
		{"totalTime", &s.TotalTime},
	}
	for _, o := range overrides {
		if v, ok := number(data[o.key]); ok {
			*o.dst = v
		}
	}
	return s
}

// number reads a JSON-decoded numeric value. Negative and non-finite values
// are rejected.
func number(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, false
	}
	return f, true
}
