package logging

import (
	"log/slog"
	"strings"
)

// StreamSink mirrors worker sandbox output to a dedicated stream logger
// without blocking the caller. The per-run log file is written by the
// supervisor itself; the sink only exists so an operator can watch the agents
// live. Writes are queued on a buffered channel and flushed by a single
// goroutine; when the queue is full the chunk is dropped rather than stalling
// the supervisor's polling loop.
type StreamSink struct {
	logger *slog.Logger
	ch     chan streamChunk
	done   chan struct{}
}

type streamChunk struct {
	agent string
	data  string
}

// NewStreamSink creates a sink. logger receives one INFO record per output
// line, tagged with the agent name; pass a logger built with
// NewLoggerWithWriter to route the stream somewhere other than stderr.
func NewStreamSink(logger *slog.Logger) *StreamSink {
	s := &StreamSink{
		logger: logger.With("component", "agent-stream"),
		ch:     make(chan streamChunk, 256),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Write queues a chunk of raw sandbox output for the given agent. Never
// blocks.
func (s *StreamSink) Write(agent, data string) {
	if data == "" {
		return
	}
	select {
	case s.ch <- streamChunk{agent: agent, data: data}:
	default:
		s.logger.Warn("stream queue full, chunk dropped", "agent", agent, "bytes", len(data))
	}
}

// Close flushes queued chunks.
func (s *StreamSink) Close() {
	close(s.ch)
	<-s.done
}

func (s *StreamSink) run() {
	defer close(s.done)
	for chunk := range s.ch {
		for _, line := range strings.Split(chunk.data, "\n") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			s.logger.Info(line, "agent", chunk.agent)
		}
	}
}
