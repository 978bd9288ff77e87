package lim

import (
	"sync"
	"time"

	"veil/metrics"
	"veil/svc/util"
)

// AnomalyDetector watches the login failure rate over a sliding five minute
// window and calls onAnomaly when it looks like a guessing run.
type AnomalyDetector struct {
	mu           sync.Mutex
	window       []bucket
	windowSize   int
	currentIndex int
	onAnomaly    func()
	done         chan struct{}
}

type bucket struct {
	requests int64
	errors   int64
}

const (
	anomalyMinAttempts   = 10
	anomalyFailurePct    = 50.0
	anomalyBucketSpacing = time.Minute
)

func NewAnomalyDetector(onAnomaly func()) *AnomalyDetector {
	return &AnomalyDetector{
		window:     make([]bucket, 5),
		windowSize: 5,
		onAnomaly:  onAnomaly,
		done:       make(chan struct{}),
	}
}

func (d *AnomalyDetector) Start() {
	ticker := time.NewTicker(anomalyBucketSpacing)
	go func() {
		for {
			select {
			case <-ticker.C:
				d.AdvanceWindow()
			case <-d.done:
				ticker.Stop()
				return
			}
		}
	}()
}

func (d *AnomalyDetector) Stop() {
	close(d.done)
}

func (d *AnomalyDetector) RecordRequest() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].requests++
}

func (d *AnomalyDetector) RecordError() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window[d.currentIndex].errors++
}

func (d *AnomalyDetector) AdvanceWindow() {
	d.mu.Lock()
	defer d.mu.Unlock()
	var totalReqs, totalErrs int64
	for _, b := range d.window {
		totalReqs += b.requests
		totalErrs += b.errors
	}
	var failureRate float64
	if totalReqs > 0 {
		failureRate = (float64(totalErrs) / float64(totalReqs)) * 100.0
	}
	metrics.LoginFailureRatePercent.Set(failureRate)
	if totalReqs > anomalyMinAttempts && failureRate > anomalyFailurePct {
		util.Warn().
			Float64("failure_rate", failureRate).
			Int64("attempts", totalReqs).
			Int64("failures", totalErrs).
			Msg("login failure spike, tightening login rate limit")
		if d.onAnomaly != nil {
			d.onAnomaly()
		}
	}
	d.currentIndex = (d.currentIndex + 1) % d.windowSize
	d.window[d.currentIndex] = bucket{}
}
