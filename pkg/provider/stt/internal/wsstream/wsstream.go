// Package wsstream holds the WebSocket plumbing shared by the streaming
// transcription engines (Deepgram, vosk-server): a write side used from the
// engine's Accept goroutine and a read loop that parses server messages into
// transcripts buffered until the next Drain.
package wsstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/lingoswitch/pkg/provider/stt"
)

// ErrStreamClosed is returned when writing to a stream whose read loop ended.
var ErrStreamClosed = errors.New("wsstream: stream closed")

// Parser converts one server message into zero or more transcripts. ok is
// false for messages that carry no recognition result.
type Parser func(msg []byte) (ts []stt.Transcript, ok bool)

// Stream is one live WebSocket recognition session.
type Stream struct {
	conn    *websocket.Conn
	parse   Parser
	results chan stt.Transcript
	cancel  context.CancelFunc

	done     chan struct{} // closed when the read loop exits
	once     sync.Once
	errMu    sync.Mutex
	readErr  error
	finalSig chan struct{}
}

// Dial opens a stream to url. The read loop runs on its own context so the
// stream outlives ctx, which only bounds the handshake.
func Dial(ctx context.Context, url string, header http.Header, parse Parser) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("wsstream: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	readCtx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		conn:     conn,
		parse:    parse,
		results:  make(chan stt.Transcript, 256),
		cancel:   cancel,
		done:     make(chan struct{}),
		finalSig: make(chan struct{}, 1),
	}
	go s.readLoop(readCtx)
	return s, nil
}

// SendBinary writes one binary message.
func (s *Stream) SendBinary(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.MessageBinary, data)
}

// SendText writes one text message.
func (s *Stream) SendText(ctx context.Context, data []byte) error {
	return s.write(ctx, websocket.MessageText, data)
}

func (s *Stream) write(ctx context.Context, typ websocket.MessageType, data []byte) error {
	select {
	case <-s.done:
		if err := s.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrStreamClosed, err)
		}
		return ErrStreamClosed
	default:
	}
	if err := s.conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("wsstream: write: %w", err)
	}
	return nil
}

// Drain returns every transcript received since the previous Drain without
// blocking.
func (s *Stream) Drain() []stt.Transcript {
	var out []stt.Transcript
	for {
		select {
		case t := <-s.results:
			out = append(out, t)
		default:
			return out
		}
	}
}

// ClearFinal forgets finals signalled so far. Call it before requesting a
// flush so AwaitFinal waits for the flush's own final.
func (s *Stream) ClearFinal() {
	select {
	case <-s.finalSig:
	default:
	}
}

// AwaitFinal blocks until a final transcript arrives, the server closes the
// stream, timeout elapses or ctx is cancelled, and then drains.
func (s *Stream) AwaitFinal(ctx context.Context, timeout time.Duration) []stt.Transcript {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.finalSig:
	case <-s.done:
	case <-t.C:
	case <-ctx.Done():
	}
	return s.Drain()
}

// Alive reports whether the read loop is still running.
func (s *Stream) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Err returns the error that ended the read loop, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.readErr
}

// Close optionally sends a final text message, then closes the connection
// and waits for the read loop. Safe to call more than once.
func (s *Stream) Close(closeMsg []byte) error {
	s.once.Do(func() {
		if closeMsg != nil && s.Alive() {
			wctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.conn.Write(wctx, websocket.MessageText, closeMsg)
			cancel()
		}
		_ = s.conn.Close(websocket.StatusNormalClosure, "stream closed")
		s.cancel()
		<-s.done
	})
	return nil
}

func (s *Stream) readLoop(ctx context.Context) {
	defer close(s.done)
	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				s.errMu.Lock()
				s.readErr = err
				s.errMu.Unlock()
			}
			return
		}
		ts, ok := s.parse(msg)
		if !ok {
			continue
		}
		for _, t := range ts {
			select {
			case s.results <- t:
			default:
				// Consumer stalled; keep the newest by dropping the oldest.
				select {
				case <-s.results:
				default:
				}
				s.results <- t
			}
			if t.IsFinal {
				select {
				case s.finalSig <- struct{}{}:
				default:
				}
			}
		}
	}
}
