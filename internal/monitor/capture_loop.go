package monitor

import (
	"context"
	"errors"
	"io"
	"log"

	"github.com/atailh4n/sentryd/internal/capture"
	"github.com/atailh4n/sentryd/internal/detector"
)

// Run reads records from handle until ctx is canceled or the handle reports
// io.EOF; any other read error is logged and reading continues. Each record
// is appended to the rolling window and the window is re-engineered in
// full, so the score fed to Analyze always
// comes from the same batch algorithm that fit the detector — never an
// incremental shortcut that could disagree with a retrain over the same
// traffic.
func (m *Monitor) Run(ctx context.Context, handle capture.CaptureHandle) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		rec, ok, err := handle.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			log.Printf("monitor: read record failed: %v", err)
			continue
		}
		if !ok {
			continue
		}

		m.processor.AppendRecord(rec)
		features, processed := m.processor.EngineerFeatures(m.processor.GetWindowView())
		if len(features) == 0 {
			continue
		}
		m.Analyze(ctx, processed[len(processed)-1], features[len(features)-1])
	}
}

// CaptureAndTrainUntilInterrupt reads records from handle, accumulating them
// into the rolling window only, until ctx is canceled. Once canceled (or
// the handle runs dry) it fits the detector against whatever the window
// holds, provided it meets the configured minimum, and persists the bundle.
func (m *Monitor) CaptureAndTrainUntilInterrupt(ctx context.Context, handle capture.CaptureHandle) error {
	m.processor.SetWindowSize(m.cfg.Training.UntilCtrlCWindow)

	for {
		select {
		case <-ctx.Done():
			return m.finishTraining()
		default:
		}

		rec, ok, err := handle.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return m.finishTraining()
			}
			log.Printf("monitor: training read record failed: %v", err)
			continue
		}
		if !ok {
			continue
		}
		m.processor.AppendRecord(rec)
	}
}

func (m *Monitor) finishTraining() error {
	rows := m.processor.GetWindowView()
	if len(rows) < m.cfg.Training.MinPackets {
		log.Printf("monitor: training stopped with only %d packets, below minimum %d; model not updated",
			len(rows), m.cfg.Training.MinPackets)
		return nil
	}

	features, _ := m.processor.EngineerFeatures(rows)
	m.detector.Fit(features, detector.DetectorParams{
		Contamination: m.cfg.IsolationForest.Contamination,
		NEstimators:   m.cfg.IsolationForest.NEstimators,
		RandomState:   m.cfg.IsolationForest.RandomState,
	})

	path, err := m.detector.Save(m.cfg.ModelPath)
	if err != nil {
		return err
	}
	log.Printf("monitor: training complete over %d packets, model saved to %s", len(rows), path)
	return nil
}
