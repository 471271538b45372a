package handler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/hhd/wresters-adapter/pkg/config"
	"github.com/hhd/wresters-adapter/pkg/event"
	"github.com/hhd/wresters-adapter/pkg/forwarder"
	"github.com/hhd/wresters-adapter/pkg/metrics"
	"go.uber.org/zap"
)

// Options controls how inbound bytes are split into log entries.
type Options struct {
	// Framing is config.FramingLine (newline delimited, invalid lines skipped) or
	// config.FramingChunk (every read is one entry, an invalid entry ends the connection).
	Framing      string
	ReadBuffer   int
	MaxLineBytes int
}

// OptionsFromConfig derives handler options from the listen section.
func OptionsFromConfig(listen config.ListenConfig) Options {
	return Options{
		Framing:      listen.GetFraming(),
		ReadBuffer:   listen.GetReadBuffer(),
		MaxLineBytes: listen.GetMaxLineBytes(),
	}
}

// Handler drives parse and forward for every message received on a connection.
// It is safe for concurrent use; each call to Handle owns its connection.
type Handler struct {
	forwarder forwarder.Forwarder
	opts      Options
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a Handler. A nil metrics collects into a private, unexposed set.
func New(fwd forwarder.Forwarder, opts Options, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if opts.Framing == "" {
		opts.Framing = config.FramingLine
	}
	if opts.ReadBuffer <= 0 {
		opts.ReadBuffer = 1024
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = 64 * 1024
	}
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		forwarder: fwd,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Handle consumes conn until the peer closes it, a read fails, ctx is cancelled, or
// (in chunk framing) an entry cannot be parsed. Failures are logged, never returned.
// conn is always closed on return.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	h.metrics.ConnectionOpened()
	defer h.metrics.ConnectionClosed()

	// Unblock the pending read when the server shuts down.
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	h.consume(ctx, conn, conn.RemoteAddr().String())
}

// HandleReader runs the same pipeline over an arbitrary stream, such as stdin. The
// reader is not closed.
func (h *Handler) HandleReader(ctx context.Context, r io.Reader, source string) {
	h.consume(ctx, r, source)
}

func (h *Handler) consume(ctx context.Context, r io.Reader, source string) {
	logger := h.logger.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote", source),
	)
	logger.Debug("connection opened", zap.String("framing", h.opts.Framing))

	var err error
	if h.opts.Framing == config.FramingChunk {
		err = h.handleChunks(ctx, r, logger)
	} else {
		err = h.handleLines(ctx, r, logger)
	}

	switch {
	case err == nil:
		logger.Debug("connection closed by peer")
	case ctx.Err() != nil:
		logger.Debug("connection closed for shutdown")
	case errors.Is(err, event.ErrInvalidFormat):
		// already reported by process
	default:
		h.metrics.ReadError()
		logger.Warn("read failed, closing connection", zap.Error(err))
	}
}

// handleLines frames the stream by newline. Unparseable lines are skipped.
func (h *Handler) handleLines(ctx context.Context, r io.Reader, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(h.opts.ReadBuffer, h.opts.MaxLineBytes)), h.opts.MaxLineBytes)

	for scanner.Scan() {
		line := bytes.TrimSuffix(scanner.Bytes(), []byte{'\r'})
		if len(line) == 0 {
			continue
		}
		h.process(ctx, event.EntryFromBytes(line), logger)
	}
	return scanner.Err()
}

// handleChunks treats every successful read as one entry. The first unparseable
// entry ends the connection.
func (h *Handler) handleChunks(ctx context.Context, r io.Reader, logger *zap.Logger) error {
	buf := make([]byte, h.opts.ReadBuffer)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if parseErr := h.process(ctx, event.EntryFromBytes(buf[:n]), logger); parseErr != nil {
				return parseErr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// process parses and forwards one entry, logging exactly one record for the outcome.
// It returns the parse error, if any; forward failures are not errors for the caller.
func (h *Handler) process(ctx context.Context, entry event.LogEntry, logger *zap.Logger) error {
	action, err := event.Parse(entry)
	if err != nil {
		h.metrics.Message(metrics.OutcomeInvalidFormat)
		logger.Warn("discarding unparseable log entry",
			zap.String("entry", entry.Preview()),
			zap.Error(err),
		)
		return err
	}

	status, err := h.forwarder.Forward(ctx, action)
	switch {
	case err != nil:
		h.metrics.Message(metrics.OutcomeUnavailable)
		logger.Error("failed to forward event",
			zap.Stringer("action", action),
			zap.Int("status", status),
			zap.Error(err),
		)
	case !forwarder.IsSuccess(status):
		h.metrics.Message(metrics.OutcomeRejected)
		logger.Warn("presence service rejected event",
			zap.Stringer("action", action),
			zap.Int("status", status),
		)
	default:
		h.metrics.Message(metrics.OutcomeForwarded)
		logger.Info("forwarded event",
			zap.Stringer("action", action),
			zap.Int("status", status),
		)
	}
	return nil
}
