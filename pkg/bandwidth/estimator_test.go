package bandwidth

import (
	"testing"
	"time"
)

func emitSample(e *Estimator, bytes int64, rtt float64) {
	e.RecordTransfer(bytes, time.Second, rtt)
	e.Flush()
}

func TestEstimatorEMA(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		MeasurementInterval: time.Hour, // emit manually via Flush
		SmoothingFactor:     0.5,
		CongestionThreshold: 2.0,
		MinSamples:          2,
	})

	emitSample(e, 1000, 10)
	if got := e.Current().BandwidthBps; got != 1000 {
		t.Fatalf("Unexpected first estimate: %d, Expected: 1000", got)
	}

	emitSample(e, 2000, 10)
	// ema = 0.5·2000 + 0.5·1000 = 1500
	if got := e.Current().BandwidthBps; got != 1500 {
		t.Fatalf("Unexpected smoothed estimate: %d, Expected: 1500", got)
	}
}

func TestEstimatorCongestionDetection(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		MeasurementInterval: time.Hour,
		SmoothingFactor:     0.5,
		CongestionThreshold: 2.0,
		MinSamples:          1,
	})

	emitSample(e, 1_000_000, 20) // baseline RTT 20ms
	if e.Current().CongestionDetected {
		t.Fatal("Expected no congestion at baseline")
	}

	emitSample(e, 1_000_000, 50) // 2.5x baseline
	est := e.Current()
	if !est.CongestionDetected {
		t.Fatal("Expected congestion at 2.5x baseline RTT")
	}
	// Congested prediction is reduced but clamped to the floor.
	if est.PredictedBps < predictionFloorBps {
		t.Fatalf("Unexpected prediction below floor: %d", est.PredictedBps)
	}
}

func TestEstimatorTrendAndPrediction(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		MeasurementInterval: time.Hour,
		SmoothingFactor:     0.5,
		CongestionThreshold: 10,
		MinSamples:          1,
	})
	emitSample(e, 1_000_000, 10)
	emitSample(e, 2_000_000, 10)

	est := e.Current()
	if est.Trend <= 0 || est.Trend > 1 {
		t.Fatalf("Unexpected trend: %f, Expected: (0, 1]", est.Trend)
	}
	// Positive trend uses k = 0.2.
	expected := int64(float64(est.BandwidthBps) * (1 + est.Trend*0.2))
	if est.PredictedBps != expected {
		t.Fatalf("Unexpected prediction: %d, Expected: %d", est.PredictedBps, expected)
	}
}

func TestEstimatorTrendClamped(t *testing.T) {
	e := NewEstimator(EstimatorConfig{MeasurementInterval: time.Hour, MinSamples: 1})
	emitSample(e, 1000, 10)
	emitSample(e, 100_000_000, 10)
	if got := e.Current().Trend; got != 1 {
		t.Fatalf("Unexpected trend: %f, Expected: 1", got)
	}
}

func TestEstimatorConfidenceRampsWithSamples(t *testing.T) {
	e := NewEstimator(EstimatorConfig{
		MeasurementInterval: time.Hour,
		SmoothingFactor:     0.5,
		CongestionThreshold: 2.0,
		MinSamples:          4,
	})
	emitSample(e, 1000, 10)
	if got := e.Current().Confidence; got != 0.25 {
		t.Fatalf("Unexpected confidence: %f, Expected: 0.25", got)
	}
	emitSample(e, 1000, 10)
	if got := e.Current().Confidence; got != 0.5 {
		t.Fatalf("Unexpected confidence: %f, Expected: 0.5", got)
	}

	// Stable throughput at the sample minimum yields full confidence.
	emitSample(e, 1000, 10)
	emitSample(e, 1000, 10)
	if got := e.Current().Confidence; got != 1 {
		t.Fatalf("Unexpected confidence: %f, Expected: 1", got)
	}
}

func TestEstimatorZeroStateIsFinite(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig())
	est := e.Current()
	if est.BandwidthBps != 0 {
		t.Fatalf("Unexpected bandwidth: %d, Expected: 0", est.BandwidthBps)
	}
	if est.PredictedBps != predictionFloorBps {
		t.Fatalf("Unexpected prediction: %d, Expected: %d", est.PredictedBps, predictionFloorBps)
	}
	if est.Trend != 0 || est.CongestionDetected {
		t.Fatalf("Unexpected zero-state estimate: %+v", est)
	}
}
