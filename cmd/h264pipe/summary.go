package main

import (
	"time"

	"github.com/ideamans/go-l10n"

	"github.com/user/h264pipe/pkg/orchestrator"
	"github.com/user/h264pipe/pkg/summarizer"
)

// writeSummary writes the Markdown summary when --summary was given.
func (s *session) writeSummary(command string, oc orchestrator.Config, result orchestrator.RunResult) error {
	if s.summary == "" {
		return nil
	}

	settings := summarizer.Settings{
		Backend:    s.cfg.Codec.Backend,
		Slots:      oc.Slots,
		QueueDepth: s.cfg.Codec.QueueDepth,
		BufferSize: oc.BufferSize,
	}
	if command == "encode" {
		settings.Container = string(oc.Container)
	}
	if command == "demux" {
		settings.Backend = ""
	}

	summary := summarizer.NewBuilder().
		WithSession(s.id).
		WithJob(command, oc.InputPath, oc.OutputPath, time.Since(s.started)).
		WithInput(summarizer.InputInfo{
			Units:   result.UnitsRead,
			Frames:  result.FramesRead,
			Bytes:   result.BytesRead,
			Refills: result.Refills,
		}).
		WithFlow(summarizer.FlowInfo{
			Submitted:    result.Submitted,
			Backpressure: result.Backpressure,
			TryAgain:     result.TryAgain,
		}).
		WithSettings(settings).
		WithOutput(summarizer.OutputInfo{
			Units:   result.UnitsWritten,
			Headers: result.Headers,
			Bytes:   result.BytesWritten,
			Width:   result.Format.Width,
			Height:  result.Format.Height,
		}).
		Build()

	w := summarizer.NewWriter(summarizer.NewMarkdownFormatter(), s.fs)
	if err := w.Write(s.summary, summary); err != nil {
		s.log.Error(l10n.F("Failed to write summary: %s", err))
		return err
	}
	if s.summary != summarizer.Stdout {
		s.log.Info(l10n.F("Summary saved to %s", s.summary))
	}
	return nil
}
