package aggregation

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
)

func TestSampleFromData(t *testing.T) {
	t.Run("navigation timing", func(t *testing.T) {
		s := SampleFromData(map[string]interface{}{
			"duration":         1000.0,
			"domContentLoaded": 600.0,
			"domInteractive":   450.0,
		})
		assert.Equal(t, Sample{
			LoadTime:       1000,
			DomReady:       600,
			NetworkLatency: 0,
			ProcessingTime: 150,
			TotalTime:      1000,
		}, s)
	})

	t.Run("processing time never negative", func(t *testing.T) {
		s := SampleFromData(map[string]interface{}{
			"domContentLoaded": 100.0,
			"domInteractive":   300.0,
		})
		assert.Equal(t, 0.0, s.ProcessingTime)
	})

	t.Run("explicit keys win", func(t *testing.T) {
		s := SampleFromData(map[string]interface{}{
			"duration":       1000.0,
			"loadTime":       900,
			"totalTime":      "1100.5",
			"networkLatency": json.Number("42"),
		})
		assert.Equal(t, 900.0, s.LoadTime)
		assert.Equal(t, 1100.5, s.TotalTime)
		assert.Equal(t, 42.0, s.NetworkLatency)
	})

	t.Run("garbage ignored", func(t *testing.T) {
		s := SampleFromData(map[string]interface{}{
			"duration": "fast",
			"domReady": -5.0,
			"loadTime": true,
		})
		assert.Equal(t, Sample{}, s)
	})
}
