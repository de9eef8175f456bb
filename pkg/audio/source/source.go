// Package source defines the capture side of the pipeline: an [Source]
// produces fixed-length [audio.AudioFrame] values at real-time cadence and
// [Pump] drives it as a synchronous producer loop.
//
// Bundled implementations:
//   - [WAVFile]: replays a RIFF/WAVE file, optionally paced in real time.
//   - [Microphone]: captures the default input device via PortAudio (build
//     tag "portaudio").
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/MrWong99/lingoswitch/pkg/audio"
)

// ErrUnavailable is returned by sources whose backend was not compiled in.
var ErrUnavailable = errors.New("source: backend not available in this build")

// Source produces audio frames in capture order.
//
// NextFrame blocks until the next frame is available and returns [io.EOF]
// once the stream is exhausted. Implementations are not required to be safe
// for concurrent NextFrame calls; a single producer goroutine owns a Source.
type Source interface {
	NextFrame(ctx context.Context) (audio.AudioFrame, error)

	// Format reports the format of frames returned by NextFrame.
	Format() audio.Format

	// Close releases the underlying device or file. Safe to call more than once.
	Close() error
}

// Pump reads frames from src and hands each one to push until the source is
// exhausted, ctx is cancelled, or src returns an error. push must not block;
// the orchestrator's OnFrame satisfies this. A clean end of stream returns nil.
func Pump(ctx context.Context, src Source, push func(audio.AudioFrame)) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		frame, err := src.NextFrame(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				slog.Debug("source: stream ended", "reason", err)
				return nil
			}
			return fmt.Errorf("source: next frame: %w", err)
		}
		if len(frame.Data) == 0 {
			continue
		}
		push(frame)
	}
}
