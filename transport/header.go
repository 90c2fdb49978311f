package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc/metadata"
)

const (
	routeToLeaderHeader  = "x-goog-spanner-route-to-leader"
	requestIDHeader      = "x-goog-spanner-request-id"
	resourcePrefixHeader = "google-cloud-resource-prefix"

	requestIDVersion = 1
)

type routeToLeaderKey struct{}

// WithRouteToLeader marks calls made with the returned context as leader-routable.
// Read-write and partitioned DML operations use it.
func WithRouteToLeader(ctx context.Context) context.Context {
	return context.WithValue(ctx, routeToLeaderKey{}, true)
}

// RouteToLeader reports whether ctx was marked by WithRouteToLeader.
func RouteToLeader(ctx context.Context) bool {
	v, _ := ctx.Value(routeToLeaderKey{}).(bool)
	return v
}

// processID identifies this process in request ids.
var processID = func() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}()

var clientCounter atomic.Uint32

// RequestID is a parsed x-goog-spanner-request-id value.
type RequestID struct {
	Process uint64
	Client  uint32
	Channel uint32
	Request uint64
	Attempt uint32
}

func (id RequestID) String() string {
	return fmt.Sprintf("%d.%s.%d.%d.%d.%d", requestIDVersion,
		strconv.FormatUint(id.Process, 10), id.Client, id.Channel, id.Request, id.Attempt)
}

// headerStamper applies the header contract to outgoing contexts.
// One stamper serves one client; request numbers are monotonic across its calls.
type headerStamper struct {
	database      string
	leaderRouting bool
	client        uint32
	channel       uint32
	requests      atomic.Uint64
}

func newHeaderStamper(database string, leaderRouting bool) *headerStamper {
	return &headerStamper{
		database:      database,
		leaderRouting: leaderRouting,
		client:        clientCounter.Add(1),
		channel:       1,
	}
}

// RequestAttempts groups calls into attempts of one logical request.
// The first stamped call allocates the request number; each later call reuses it
// with the next attempt number.
type RequestAttempts struct {
	mu      sync.Mutex
	request uint64
	attempt uint32
}

type requestAttemptsKey struct{}

// WithRequestAttempts returns a context whose calls are attempts of one logical request.
// A resumable stream opens all of its calls with such a context.
func WithRequestAttempts(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestAttemptsKey{}, &RequestAttempts{})
}

// RequestAttemptsFrom returns the attempts installed by WithRequestAttempts, or nil.
func RequestAttemptsFrom(ctx context.Context) *RequestAttempts {
	ra, _ := ctx.Value(requestAttemptsKey{}).(*RequestAttempts)
	return ra
}

func (ra *RequestAttempts) next(allocate func() uint64) (uint64, uint32) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.attempt == 0 {
		ra.request = allocate()
	}
	ra.attempt++
	return ra.request, ra.attempt
}

func (h *headerStamper) requestID(ctx context.Context) RequestID {
	id := RequestID{
		Process: processID,
		Client:  h.client,
		Channel: h.channel,
	}
	allocate := func() uint64 { return h.requests.Add(1) }
	if ra := RequestAttemptsFrom(ctx); ra != nil {
		id.Request, id.Attempt = ra.next(allocate)
	} else {
		id.Request, id.Attempt = allocate(), 1
	}
	return id
}

func (h *headerStamper) stamp(ctx context.Context) context.Context {
	kv := []string{requestIDHeader, h.requestID(ctx).String()}
	if h.database != "" {
		kv = append(kv, resourcePrefixHeader, h.database)
	}
	if h.leaderRouting && RouteToLeader(ctx) {
		kv = append(kv, routeToLeaderHeader, "true")
	}
	return metadata.AppendToOutgoingContext(ctx, kv...)
}
