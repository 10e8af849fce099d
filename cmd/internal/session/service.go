package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Admitter decides whether a device may start a session.
type Admitter interface {
	Login(ctx context.Context, userID, deviceID string) (LoginResult, error)
}

// Evictor terminates sessions.
type Evictor interface {
	Evict(ctx context.Context, userID, deviceID string) (EvictResult, error)
	RevokeAll(ctx context.Context, userID string) (int, error)
	Logout(ctx context.Context, userID, deviceID string) error
}

// Monitor answers liveness and counting queries.
type Monitor interface {
	Heartbeat(ctx context.Context, userID, deviceID string) (HeartbeatResult, error)
	ActiveCount(ctx context.Context, userID string) (int, error)
	ListActive(ctx context.Context, userID string) ([]Row, error)
}

// Service implements Admitter, Evictor, and Monitor on top of a Store.
type Service struct {
	cfg      Config
	store    Store
	limits   LimitResolver
	notifier Notifier
	metrics  *Metrics
	log      *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

var (
	_ Admitter = (*Service)(nil)
	_ Evictor  = (*Service)(nil)
	_ Monitor  = (*Service)(nil)
)

// Option configures optional Service dependencies.
type Option func(*Service)

// WithNotifier sets the post-commit Notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger overrides slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithLimits overrides the resolver derived from Config.
func WithLimits(l LimitResolver) Option {
	return func(s *Service) {
		if l != nil {
			s.limits = l
		}
	}
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// NewService validates cfg and returns a Service backed by store.
func NewService(cfg Config, store Store, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("session: nil store")
	}

	s := &Service{
		cfg:      cfg,
		store:    store,
		limits:   LimitsFromConfig(cfg),
		notifier: nopNotifier{},
		log:      slog.Default(),
		tracer:   otel.Tracer("devicecap/session"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s, nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() Config { return s.cfg }

// Store exposes the backing store (readiness checks).
func (s *Service) Store() Store { return s.store }

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func (s *Service) normalizeID(op, kind, v string) (string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", opErr(op, ErrInvalidInput, errors.New(kind+" is empty"))
	}
	if len(v) > s.cfg.MaxIDLength {
		return "", opErr(op, ErrInvalidInput, errors.New(kind+" is too long"))
	}
	if !utf8.ValidString(v) || strings.ContainsFunc(v, isControl) {
		return "", opErr(op, ErrInvalidInput, errors.New(kind+" has invalid characters"))
	}
	return v, nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7f
}

func (s *Service) normalizeKey(op, userID, deviceID string) (string, string, error) {
	u, err := s.normalizeID(op, "user id", userID)
	if err != nil {
		return "", "", err
	}
	d, err := s.normalizeID(op, "device id", deviceID)
	if err != nil {
		return "", "", err
	}
	return u, d, nil
}

// storeFailure converts a unit error into the public error contract.
// Anything that escapes a Store unit means nothing was committed.
func (s *Service) storeFailure(ctx context.Context, op string, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	s.metrics.storeError(op)
	s.log.WarnContext(ctx, op+".store_unavailable", "err", err)
	return opErr(op, ErrStoreUnavailable, err)
}

func (s *Service) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, op, trace.WithSpanKind(trace.SpanKindInternal))
}

func endSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attrs...)
	span.End()
}

func (s *Service) notify(ctx context.Context, rows []Row) {
	for _, r := range rows {
		s.notifier.SessionEnded(ctx, eventFor(r))
	}
}
