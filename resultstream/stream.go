// Package resultstream consumes streaming Cloud Spanner result RPCs
// (ExecuteStreamingSql, StreamingRead) and transparently resumes them
// from the last resume token when the stream breaks.
package resultstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"time"

	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// DefaultMaxBufferedResults is the number of partial result sets held back
// while waiting for a resume token.
const DefaultMaxBufferedResults = 128

// DefaultBackoff is the pause policy between resume attempts.
var DefaultBackoff = gax.Backoff{
	Initial:    20 * time.Millisecond,
	Max:        32 * time.Second,
	Multiplier: 1.3,
}

// ErrIncompleteRow is returned when a stream ends in the middle of a row or chunked value.
var ErrIncompleteRow = errors.New("stream ended with an incomplete row")

// Kind tags an Item.
type Kind int

const (
	KindMetadata Kind = iota
	KindRow
	KindStats
	KindPrecommitToken
)

func (k Kind) String() string {
	switch k {
	case KindMetadata:
		return "Metadata"
	case KindRow:
		return "Row"
	case KindStats:
		return "Stats"
	case KindPrecommitToken:
		return "PrecommitToken"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Item is one element of a result stream. Exactly one payload field is set, chosen by Kind.
type Item struct {
	Kind           Kind
	Metadata       *sppb.ResultSetMetadata
	Row            *Row
	Stats          *sppb.ResultSetStats
	PrecommitToken *sppb.MultiplexedSessionPrecommitToken
}

// Receiver is one in-flight streaming call.
type Receiver interface {
	Recv() (*sppb.PartialResultSet, error)
}

// OpenFunc issues (or re-issues) the streaming call, continuing after resumeToken when it is non-empty.
type OpenFunc func(ctx context.Context, resumeToken []byte) (Receiver, error)

// Options configures a Stream.
type Options struct {
	// MaxBufferedResults bounds the partial result sets held back while waiting
	// for a resume token. Zero means DefaultMaxBufferedResults.
	MaxBufferedResults int

	// MaxResumeAttempts bounds consecutive resumes without progress. Zero means unlimited.
	MaxResumeAttempts int

	// Backoff is the pause policy between resumes. Zero means DefaultBackoff.
	Backoff gax.Backoff

	Logger *zap.Logger

	// OnItem observes every item before it is returned by Next, and the
	// undelivered items other than rows on Stop.
	OnItem func(*Item)

	// OnFinish is called exactly once, when Next reports the end or the
	// terminal error after every buffered item, or on Stop.
	// err is nil on a clean end or Stop.
	OnFinish func(err error)
}

// Stream is a pull-based, resumable result stream. It is not safe for concurrent use.
type Stream struct {
	ctx    context.Context
	cancel context.CancelFunc
	open   OpenFunc
	opts   Options
	logger *zap.Logger

	backoff gax.Backoff
	recv    Receiver

	resumeToken []byte
	resumes     int

	// pending holds partial result sets received after the last resume token.
	pending []*sppb.PartialResultSet
	// unresumable is set while results without a resume token have been released.
	unresumable bool

	metadata *sppb.ResultSetMetadata
	stats    *sppb.ResultSetStats
	chunked  *structpb.Value
	rowBuf   []*structpb.Value

	ready    []*Item
	err      error
	done     bool
	finished bool
}

// New starts a stream. The first call is issued lazily by Next.
func New(ctx context.Context, open OpenFunc, opts Options) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	opts.MaxBufferedResults = cmpOr(opts.MaxBufferedResults, DefaultMaxBufferedResults)
	if opts.Backoff == (gax.Backoff{}) {
		opts.Backoff = DefaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{
		ctx:     ctx,
		cancel:  cancel,
		open:    open,
		opts:    opts,
		logger:  logger,
		backoff: opts.Backoff,
	}
}

// Failed returns a stream which yields err from its first Next without issuing any call.
func Failed(err error, opts Options) *Stream {
	s := New(context.Background(), nil, opts)
	s.fail(err)
	return s
}

func cmpOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Next returns the next item, iterator.Done after the last one, or the terminal error.
func (s *Stream) Next() (*Item, error) {
	for {
		if len(s.ready) > 0 {
			item := s.ready[0]
			s.ready = s.ready[1:]
			if s.opts.OnItem != nil {
				s.opts.OnItem(item)
			}
			return item, nil
		}
		if s.err != nil {
			s.finish(s.err)
			return nil, s.err
		}
		if s.done {
			s.finish(nil)
			return nil, iterator.Done
		}
		s.advance()
	}
}

// All iterates over the remaining items. Iteration stops at the first error, which is yielded.
func (s *Stream) All() iter.Seq2[*Item, error] {
	return func(yield func(*Item, error) bool) {
		defer s.Stop()
		for {
			item, err := s.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// Rows iterates over the remaining rows, skipping other item kinds.
func (s *Stream) Rows() iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for item, err := range s.All() {
			if err != nil {
				yield(nil, err)
				return
			}
			if item.Kind != KindRow {
				continue
			}
			if !yield(item.Row, nil) {
				return
			}
		}
	}
}

// Stop cancels the underlying call. Next returns iterator.Done afterwards
// unless the stream had already failed. Received items which were not returned
// by Next are still passed to OnItem, except rows.
func (s *Stream) Stop() {
	if s.err == nil {
		s.done = true
	}
	ready := s.ready
	s.ready = nil
	if s.opts.OnItem != nil {
		for _, item := range ready {
			if item.Kind != KindRow {
				s.opts.OnItem(item)
			}
		}
	}
	s.finish(s.err)
}

// Metadata returns the result set metadata once the first partial result has been released.
func (s *Stream) Metadata() *sppb.ResultSetMetadata { return s.metadata }

// Stats returns the result set statistics once the stream has ended.
func (s *Stream) Stats() *sppb.ResultSetStats { return s.stats }

// ResumeToken returns the last resume token received.
func (s *Stream) ResumeToken() []byte { return s.resumeToken }

func (s *Stream) advance() {
	if s.recv == nil {
		recv, err := s.open(s.ctx, s.resumeToken)
		if err != nil {
			s.handleError(err)
			return
		}
		s.recv = recv
	}

	prs, err := s.recv.Recv()
	switch {
	case errors.Is(err, io.EOF):
		s.release()
		if s.err != nil {
			return
		}
		if s.chunked != nil || len(s.rowBuf) > 0 {
			s.fail(ErrIncompleteRow)
			return
		}
		s.done = true
		return
	case err != nil:
		s.handleError(err)
		return
	}

	s.resumes = 0
	s.pending = append(s.pending, prs)
	switch {
	case len(prs.GetResumeToken()) > 0:
		s.release()
		s.resumeToken = prs.GetResumeToken()
		s.unresumable = false
	case len(s.pending) > s.opts.MaxBufferedResults:
		s.release()
		s.unresumable = true
	}
}

func (s *Stream) handleError(err error) {
	if ctxErr := s.ctx.Err(); ctxErr != nil {
		s.fail(err)
		return
	}
	if !IsRetryable(err) || s.unresumable {
		s.fail(err)
		return
	}
	if s.opts.MaxResumeAttempts > 0 && s.resumes >= s.opts.MaxResumeAttempts {
		s.fail(fmt.Errorf("stream resumed %d times without progress: %w", s.resumes, err))
		return
	}

	s.resumes++
	s.pending = nil
	s.recv = nil
	pause := s.backoff.Pause()
	s.logger.Debug("resuming broken stream",
		zap.Int("attempt", s.resumes),
		zap.Duration("pause", pause),
		zap.Binary("resumeToken", s.resumeToken),
		zap.Error(err))
	if sleepErr := gax.Sleep(s.ctx, pause); sleepErr != nil {
		s.fail(err)
	}
}

// release turns the pending partial results into items.
func (s *Stream) release() {
	pending := s.pending
	s.pending = nil
	for _, prs := range pending {
		if err := s.process(prs); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Stream) process(prs *sppb.PartialResultSet) error {
	if md := prs.GetMetadata(); md != nil && s.metadata == nil {
		s.metadata = md
		s.ready = append(s.ready, &Item{Kind: KindMetadata, Metadata: md})
	}

	values := slices.Clone(prs.GetValues())
	if s.chunked != nil && len(values) > 0 {
		merged, err := mergeChunk(s.chunked, values[0])
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		values[0] = merged
		s.chunked = nil
	}
	if prs.GetChunkedValue() && len(values) > 0 {
		s.chunked = values[len(values)-1]
		values = values[:len(values)-1]
	}

	fields := s.metadata.GetRowType().GetFields()
	if len(values) > 0 && len(fields) == 0 {
		return status.Error(codes.Internal, "received values without row type metadata")
	}
	for _, v := range values {
		s.rowBuf = append(s.rowBuf, v)
		if len(s.rowBuf) == len(fields) {
			s.ready = append(s.ready, &Item{Kind: KindRow, Row: NewRow(fields, s.rowBuf)})
			s.rowBuf = nil
		}
	}

	if token := prs.GetPrecommitToken(); token != nil {
		s.ready = append(s.ready, &Item{Kind: KindPrecommitToken, PrecommitToken: token})
	}
	if stats := prs.GetStats(); stats != nil {
		s.stats = stats
		s.ready = append(s.ready, &Item{Kind: KindStats, Stats: stats})
	}
	return nil
}

func (s *Stream) fail(err error) {
	s.err = err
	s.cancel()
}

func (s *Stream) finish(err error) {
	if s.finished {
		return
	}
	s.finished = true
	s.cancel()
	if s.opts.OnFinish != nil {
		s.opts.OnFinish(err)
	}
}

// retryableInternalMessages are INTERNAL errors raised by a broken HTTP/2 stream rather than by the server.
var retryableInternalMessages = []string{
	"stream terminated by RST_STREAM",
	"HTTP/2 error code: INTERNAL_ERROR",
	"Connection closed with unknown cause",
	"Received unexpected EOS on DATA frame from server",
}

// IsRetryable reports whether a stream break can be resumed.
func IsRetryable(err error) bool {
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable:
		return true
	case codes.Internal:
		msg := st.Message()
		return slices.ContainsFunc(retryableInternalMessages, func(m string) bool {
			return strings.Contains(msg, m)
		})
	default:
		return false
	}
}
