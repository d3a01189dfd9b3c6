package chat

import (
	"context"
	"log"
	"time"

	"github.com/emberchat/emberchat/internal/adapter"
	"github.com/emberchat/emberchat/internal/openai"
	"github.com/emberchat/emberchat/internal/store"
)

// Backend is the persistence surface the core consumes.
type Backend interface {
	store.ConfigLoader
	store.HistoryReader
	store.MessagePersister
}

// ModelResolver exposes the model-catalog lookups the runner needs.
type ModelResolver interface {
	MaxCompletionCap(model string) (int, bool)
}

// StreamMetrics receives stream lifecycle counters. Implementations must be
// safe for concurrent use.
type StreamMetrics interface {
	RecordStreamStart(model string)
	RecordStreamConflict()
	RecordChunk(fragment string)
	RecordStreamCompleted()
	RecordStreamFailed()
	RecordStreamCancelled(reason string)
	RecordTurnPersisted(err error)
}

// Options tune the streaming service.
type Options struct {
	// ConnBufferSize is the per-connection live-event channel headroom.
	ConnBufferSize int
	// PersistTimeout bounds the assistant-turn append on completion.
	PersistTimeout time.Duration
}

// Service owns the lifecycle of in-flight generations: it claims the
// registry, assembles the prompt, opens the upstream stream, pumps chunks
// through the session fan-out and drives every terminal transition.
type Service struct {
	registry *Registry
	adapter  adapter.StreamingChatAdapter
	backend  Backend
	models   ModelResolver // optional
	metrics  StreamMetrics // optional
	logger   *log.Logger
	opts     Options
}

// NewService constructs a Service with the required collaborators.
func NewService(streamAdapter adapter.StreamingChatAdapter, backend Backend, opts Options) *Service {
	if opts.ConnBufferSize <= 0 {
		opts.ConnBufferSize = 64
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 10 * time.Second
	}
	return &Service{
		registry: NewRegistry(),
		adapter:  streamAdapter,
		backend:  backend,
		opts:     opts,
	}
}

// SetLogger installs an optional logger.
func (s *Service) SetLogger(logger *log.Logger) { s.logger = logger }

// SetModelResolver installs an optional model catalog used to cap completion
// tokens per model.
func (s *Service) SetModelResolver(models ModelResolver) { s.models = models }

// SetMetrics installs an optional stream metrics sink.
func (s *Service) SetMetrics(m StreamMetrics) { s.metrics = m }

// Registry exposes the registry for the idle supervisor and for handlers
// attaching extra viewers.
func (s *Service) Registry() *Registry { return s.registry }

func (s *Service) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// SendMessage starts one generation for the chat session and returns the
// initiating connection. The snapshot of session configuration and history is
// taken here; entity edits during the stream cannot affect it. Admission
// failures (unknown session, busy session) return an error and no connection;
// once a connection is returned the caller is guaranteed to observe exactly
// one terminal event on it, even when the upstream call fails immediately.
func (s *Service) SendMessage(ctx context.Context, sessionID, content string) (*Connection, error) {
	cfg, err := s.backend.LoadSessionConfig(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := s.backend.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	sess, err := s.registry.TryBegin(sessionID, s.opts.ConnBufferSize)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordStreamConflict()
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.RecordStreamStart(cfg.ModelID)
	}

	if _, err := s.backend.AppendTurn(ctx, sessionID, openai.RoleUser, content); err != nil {
		s.registry.End(sessionID, sess.StreamID())
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:    cfg.ModelID,
		Messages: AssembleMessages(cfg, history, content),
	}
	if s.models != nil {
		if maxTokens, ok := s.models.MaxCompletionCap(cfg.ModelID); ok {
			req.MaxTokens = maxTokens
		}
	}

	// The upstream call is deliberately detached from the request context:
	// the stream keeps running while viewers reconnect, and only terminal
	// transitions or the idle supervisor tear it down.
	upstreamCtx, cancel := context.WithCancel(context.Background())
	sess.setCancel(cancel)

	conn := sess.Attach()
	s.logf("stream.begin session=%s stream=%s model=%s history=%d", sessionID, sess.StreamID(), cfg.ModelID, len(history))

	ch, err := s.adapter.CreateCompletionStream(upstreamCtx, req)
	if err != nil {
		s.fail(sess, err)
		return conn, nil
	}

	go s.pump(sess, ch)
	return conn, nil
}

// pump consumes the upstream event channel until it closes, publishing
// fragments and applying the natural terminal transition.
func (s *Service) pump(sess *StreamSession, ch <-chan adapter.StreamEvent) {
	for ev := range ch {
		if ev.IsError() {
			s.fail(sess, ev.Err)
			return
		}
		if ev.Chunk == nil {
			continue
		}
		if fragment := ev.Chunk.DeltaContent(); fragment != "" {
			if !sess.publish(fragment) {
				// lost to a concurrent cancel; keep consuming so the aborted
				// upstream is never left blocked on a buffered send
				for range ch {
				}
				return
			}
			if s.metrics != nil {
				s.metrics.RecordChunk(fragment)
			}
		}
	}
	s.complete(sess)
}

// complete applies the natural-completion transition, persists the assistant
// turn and emits the done event. Losing the transition race to a cancel makes
// the whole call a no-op.
func (s *Service) complete(sess *StreamSession) {
	if !sess.transition(StateCompleted) {
		return
	}
	text := sess.Text()
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.PersistTimeout)
	defer cancel()
	_, err := s.backend.AppendTurn(ctx, sess.SessionKey(), openai.RoleAssistant, text)
	if s.metrics != nil {
		s.metrics.RecordStreamCompleted()
		s.metrics.RecordTurnPersisted(err)
	}
	if err != nil {
		s.logf("stream.persist failed session=%s stream=%s: %v", sess.SessionKey(), sess.StreamID(), err)
		sess.terminate(errorEvent(err))
	} else {
		s.logf("stream.done session=%s stream=%s chars=%d", sess.SessionKey(), sess.StreamID(), len(text))
		sess.terminate(doneEvent())
	}
	s.registry.End(sess.SessionKey(), sess.StreamID())
}

// fail applies the failure transition: terminal error event, registry entry
// removed, nothing persisted.
func (s *Service) fail(sess *StreamSession, cause error) {
	if !sess.transition(StateFailed) {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordStreamFailed()
	}
	s.logf("stream.failed session=%s stream=%s: %v", sess.SessionKey(), sess.StreamID(), cause)
	sess.abortUpstream()
	sess.terminate(errorEvent(cause))
	s.registry.End(sess.SessionKey(), sess.StreamID())
}

// Cancel handles a user cancel request. Returns true when an active stream
// was cancelled and false when there was nothing to cancel (a benign no-op,
// not client misuse).
func (s *Service) Cancel(sessionID string) bool {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return false
	}
	return s.cancelSession(sess, ReasonUserCancelled)
}

// AttachViewer joins an extra connection to the in-flight stream for the
// session, replaying the backlog first.
func (s *Service) AttachViewer(sessionID string) (*Connection, error) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Attach(), nil
}

// cancelSession drives Streaming -> Cancelling -> Cancelled. The upstream
// abort is best effort; the registry removal is authoritative, so the session
// key is free for a new message as soon as this returns, even if the upstream
// call has not torn down yet.
func (s *Service) cancelSession(sess *StreamSession, reason string) bool {
	if !sess.transition(StateCancelling) {
		return false
	}
	sess.abortUpstream()
	sess.transition(StateCancelled)
	if s.metrics != nil {
		s.metrics.RecordStreamCancelled(reason)
	}
	s.logf("stream.cancelled session=%s stream=%s reason=%s", sess.SessionKey(), sess.StreamID(), reason)
	sess.terminate(cancelledEvent(reason))
	s.registry.End(sess.SessionKey(), sess.StreamID())
	return true
}
