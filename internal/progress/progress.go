// Package progress decodes a job's progress stream. Frames are JSON objects,
// one per line, optionally wrapped as server-sent events ("data: {...}").
package progress

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/example/saleshub/api-go/internal/model"
)

var (
	// ErrStreamClosed means the stream ended before a terminal frame.
	ErrStreamClosed = errors.New("progress stream closed before completion")
	// ErrMalformedFrame means a line could not be decoded as a frame.
	ErrMalformedFrame = errors.New("malformed progress frame")
)

// JobError is a terminal error frame: the job itself reported failure.
type JobError struct {
	JobID   string
	Message string
}

func (e *JobError) Error() string { return e.Message }

// IsJobFailure reports whether err is a confirmed job failure rather than a
// transport fault.
func IsJobFailure(err error) bool {
	var jobErr *JobError
	return errors.As(err, &jobErr)
}

// Handler receives stream callbacks. Any field may be nil.
type Handler struct {
	OnProgress func(model.Frame)
	OnComplete func(model.Frame)
	OnError    func(error)
}

const maxFrameSize = 4 << 20

// Consume reads frames from body until a terminal frame, a stream fault, or
// ctx cancellation. OnProgress fires once per non-terminal frame in arrival
// order. Exactly one of OnComplete or OnError fires, unless ctx is cancelled,
// in which case no further callbacks fire at all. Consume never retries.
//
// When body is an io.Closer it is closed on cancellation to unblock reads.
// The returned error mirrors the OnError argument, or ctx.Err().
func Consume(ctx context.Context, body io.Reader, h Handler) error {
	if closer, ok := body.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}

	fail := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if h.OnError != nil {
			h.OnError(err)
		}
		return err
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, ok := frameData(scanner.Bytes())
		if !ok {
			continue
		}

		var frame model.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		}

		switch {
		case frame.Terminal() && *frame.Success:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if h.OnComplete != nil {
				h.OnComplete(frame)
			}
			return nil
		case frame.Terminal(), frame.Error != "", isErrorStatus(frame.Status):
			msg := frame.Error
			if msg == "" {
				msg = "job failed"
			}
			return fail(&JobError{JobID: frame.JobID, Message: msg})
		default:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if h.OnProgress != nil {
				h.OnProgress(frame)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fail(fmt.Errorf("read progress stream: %w", err))
	}
	return fail(ErrStreamClosed)
}

// frameData strips SSE framing. It reports false for lines that carry no
// frame: blanks, comments, and event/id/retry fields.
func frameData(line []byte) ([]byte, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] == ':' {
		return nil, false
	}
	if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		line = bytes.TrimSpace(rest)
		if len(line) == 0 || string(line) == "[DONE]" {
			return nil, false
		}
		return line, true
	}
	for _, field := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(line, []byte(field)) {
			return nil, false
		}
	}
	return line, true
}

func isErrorStatus(status string) bool {
	switch strings.ToLower(status) {
	case "error", "failed":
		return true
	}
	return false
}
