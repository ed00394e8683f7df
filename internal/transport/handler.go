package transport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/voxline-ai/voxline/internal/identity"
	"github.com/voxline-ai/voxline/internal/observe"
	"github.com/voxline-ai/voxline/internal/session"
)

// Handler accepts media-stream WebSocket connections, one per call, and
// bridges them to sessions from the registry.
type Handler struct {
	registry *session.Registry
	resolver identity.Resolver
	log      *slog.Logger
	metrics  *observe.Metrics
}

// NewHandler builds a Handler. resolver may be nil, in which case every
// call runs unauthenticated.
func NewHandler(registry *session.Registry, resolver identity.Resolver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		registry: registry,
		resolver: resolver,
		log:      logger,
		metrics:  observe.DefaultMetrics(),
	}
}

// ServeHTTP upgrades the request and serves the call until the stream ends.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The telephony platform connects server-to-server without an
		// Origin header a browser would send.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn("websocket accept failed", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	h.log.Info("media stream connected", slog.String("remote", r.RemoteAddr))
	h.serve(r.Context(), conn)
}

func (h *Handler) serve(ctx context.Context, conn *websocket.Conn) {
	var sess *session.Session
	log := h.log

	defer func() {
		if sess != nil {
			<-sess.Done()
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if sess != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					sess.DeliverStop()
				default:
					sess.TransportError(err)
				}
			}
			return
		}

		env, err := ParseEnvelope(data)
		if err != nil {
			h.metrics.MalformedFrames.Add(ctx, 1)
			log.Debug("dropping unparseable message", slog.Any("error", err))
			continue
		}

		switch env.Event {
		case "connected":
			// Connection-level handshake, nothing to do until start.

		case "start":
			if sess != nil {
				log.Warn("duplicate start event ignored", slog.String("call_id", sess.CallID()))
				continue
			}
			if env.Start == nil || env.Start.CallSID == "" {
				log.Warn("start event without call SID, closing")
				conn.Close(websocket.StatusPolicyViolation, "missing call SID")
				return
			}
			s, err := h.startSession(ctx, conn, env.Start)
			if err != nil {
				log.Error("failed to start session",
					slog.String("call_id", env.Start.CallSID),
					slog.Any("error", err),
				)
				conn.Close(websocket.StatusInternalError, "session start failed")
				return
			}
			sess = s
			log = h.log.With(slog.String("call_id", sess.CallID()))

		case "media":
			if sess == nil {
				continue
			}
			payload, _, err := DecodeMedia(env.Media)
			if err != nil {
				h.metrics.MalformedFrames.Add(ctx, 1)
				log.Debug("dropping malformed media frame", slog.Any("error", err))
				continue
			}
			sess.DeliverMedia(payload)

		case "stop":
			if sess != nil {
				sess.DeliverStop()
				<-sess.Done()
				sess = nil
			}
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case "mark":
			// Playback markers only need acknowledgement by consumption.

		default:
			log.Warn("ignoring unknown event kind", slog.String("event", env.Event))
		}
	}
}

func (h *Handler) startSession(ctx context.Context, conn *websocket.Conn, start *StartPayload) (*session.Session, error) {
	ownerID := ""
	if h.resolver != nil {
		meta := identity.CallMeta{
			CallID: start.CallSID,
			Params: start.CustomParameters,
		}
		id, err := h.resolver.Resolve(ctx, meta)
		if err != nil {
			// Unresolved identity degrades the call to greeting-only mode
			// rather than rejecting it.
			h.log.Warn("identity resolution failed",
				slog.String("call_id", start.CallSID),
				slog.Any("error", err),
			)
		} else {
			ownerID = id
		}
	}

	writer := NewWriter(conn, start.StreamSID)
	sess, err := h.registry.Create(start.CallSID, ownerID, writer)
	if err != nil {
		return nil, err
	}
	if err := sess.Start(ctx); err != nil {
		h.registry.Remove(start.CallSID)
		return nil, err
	}
	return sess, nil
}
