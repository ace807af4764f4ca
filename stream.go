package chatcore

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// unavailableMessage is the in-band terminal error appended to a stream
// when every provider attempt has failed, so the client never sees a
// silent cutoff. Internal error detail stays in the logs.
const unavailableMessage = "\n\n[Error: all model providers are currently unavailable. Please try again in a few minutes.]"

// replayChunkSize is how many runes of cached text each replayed chunk
// carries.
const replayChunkSize = 24

// completionStream wraps a provider stream with the orchestrator's
// bookkeeping: transcript accumulation, mid-stream failover to the
// fallback provider, and quota/cache commit on successful completion.
// Closing before EOF counts as cancellation and commits nothing, so
// truncated answers never poison the cache.
type completionStream struct {
	ctx      context.Context
	o        *Orchestrator
	corr     string
	req      Request
	provReq  ProviderRequest
	inner    Stream
	provider Provider
	fallback bool // serving from the fallback provider
	commit   bool // increment quota and cache on success
	failover bool // fallback may still be attempted mid-stream

	transcript strings.Builder
	start      time.Time
	done       bool
	closed     bool
}

// Next returns the next chunk. A mid-stream provider failure restarts
// the answer fresh on the fallback provider: the emitted chunk carries
// Reset so the caller discards partial primary output instead of
// concatenating answers from two models.
func (s *completionStream) Next() (Chunk, error) {
	if s.done {
		return Chunk{}, io.EOF
	}

	chunk, err := s.inner.Next()
	if err == nil {
		if chunk.Reset {
			s.transcript.Reset()
		}
		s.transcript.WriteString(chunk.Text)
		return chunk, nil
	}

	if errors.Is(err, io.EOF) {
		s.finish(nil)
		return Chunk{}, io.EOF
	}

	// Mid-stream failure.
	s.o.recordFailure(s.ctx, s.provider, s.provReq.Class, err)
	_ = s.inner.Close()

	if s.failover {
		s.failover = false
		fb, ferr := s.o.tryProvider(s.ctx, s.o.fallback, s.provReq)
		if ferr == nil {
			s.o.logger.Warn("primary stream failed mid-flight, restarting on fallback",
				"correlation_id", s.corr, "class", s.req.Class, "error", err)
			s.o.meter.OnRoute(RouteEvent{
				CorrelationID: s.corr,
				UserID:        s.req.UserID,
				Provider:      s.o.fallback.Name(),
				Class:         s.req.Class,
				Fallback:      true,
			})
			s.inner = fb
			s.provider = s.o.fallback
			s.fallback = true
			s.transcript.Reset()
			return Chunk{Reset: true}, nil
		}
		err = ferr
	}

	s.finish(err)
	return Chunk{Text: unavailableMessage}, nil
}

// Close releases the stream. Closing before EOF is treated as client
// cancellation: the upstream call is aborted and nothing is committed.
func (s *completionStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.inner.Close()

	if !s.done {
		s.done = true
		s.o.meter.OnResult(ResultEvent{
			CorrelationID: s.corr,
			Provider:      s.provider.Name(),
			Class:         s.req.Class,
			Fallback:      s.fallback,
			Duration:      time.Since(s.start),
			Chars:         s.transcript.Len(),
			Error:         context.Canceled,
		})
	}
	return err
}

func (s *completionStream) finish(err error) {
	if s.done {
		return
	}
	s.done = true

	event := ResultEvent{
		CorrelationID: s.corr,
		Provider:      s.provider.Name(),
		Class:         s.req.Class,
		Fallback:      s.fallback,
		Duration:      time.Since(s.start),
		Chars:         s.transcript.Len(),
		Error:         err,
	}

	if err != nil {
		s.o.meter.OnResult(event)
		return
	}

	s.o.breakers.Get(upstreamName(s.provider.Name(), s.provReq.Class)).RecordSuccess()

	if s.commit && s.ctx.Err() == nil {
		s.o.quota.IncrementUsage(s.ctx, s.provider.Name(), s.provReq.Class)
		if s.req.UserID != "" && s.transcript.Len() > 0 {
			// Cached under the original request key, whichever provider
			// actually answered.
			s.o.cache.Put(s.req.UserID, s.req.Class, s.req.Messages, s.transcript.String())
		}
	}

	event.Success = true
	s.o.meter.OnResult(event)
}

// replayStream replays a cached completion chunk by chunk.
type replayStream struct {
	chunks []string
	pos    int
	chars  int
	onDone func(chars int)
	done   bool
}

func newReplayStream(text string, onDone func(chars int)) *replayStream {
	runes := []rune(text)
	var chunks []string
	for len(runes) > 0 {
		n := replayChunkSize
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return &replayStream{chunks: chunks, chars: len(text), onDone: onDone}
}

func (s *replayStream) Next() (Chunk, error) {
	if s.pos < len(s.chunks) {
		chunk := Chunk{Text: s.chunks[s.pos]}
		s.pos++
		return chunk, nil
	}
	if !s.done {
		s.done = true
		if s.onDone != nil {
			s.onDone(s.chars)
		}
	}
	return Chunk{}, io.EOF
}

func (s *replayStream) Close() error { return nil }

// errorStream yields a single in-band error message, then EOF.
type errorStream struct {
	msg  string
	sent bool
}

func newErrorStream(msg string) *errorStream {
	return &errorStream{msg: msg}
}

func (s *errorStream) Next() (Chunk, error) {
	if s.sent {
		return Chunk{}, io.EOF
	}
	s.sent = true
	return Chunk{Text: s.msg}, nil
}

func (s *errorStream) Close() error { return nil }
