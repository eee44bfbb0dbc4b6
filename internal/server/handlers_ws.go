package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/ws_channels/internal/hub"
	"github.com/adred-codev/ws_channels/internal/messaging"
	"github.com/adred-codev/ws_channels/internal/shared/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"
)

// defaultPriority is used when ?priority= is missing or not a number.
const defaultPriority = 1

// handleWebSocket authenticates the handshake, upgrades it and hands the
// connection to the manager, which sends connection_ack first.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	clientIP := getClientIP(r)

	if s.shuttingDown.Load() {
		s.logger.Debug().Str("client_ip", clientIP).Msg("Connection rejected: server shutting down")
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil && !s.limiter.CheckConnectionAllowed(clientIP) {
		s.logger.Warn().
			Str("client_ip", clientIP).
			Dur("elapsed_ms", time.Since(startTime)).
			Msg("Connection rejected: rate limit exceeded")
		monitoring.ConnectionsFailed.Inc()
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	identity, err := s.auth.Authenticate(r)
	if err != nil {
		reason := "invalid"
		if errors.Is(err, ErrMissingCredential) {
			reason = "missing"
		}
		monitoring.IncrementAuthRejection(reason)
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Err(err).
			Str("client_ip", clientIP).
			Msg("Connection rejected: authentication failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	priority := parsePriority(r.URL.Query().Get("priority"))

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Dur("total_elapsed_ms", time.Since(startTime)).
			Msg("WebSocket upgrade failed")
		return
	}

	transport := newWSTransport(conn, clientIP, s.config.SendBuffer, s.config.WriteTimeout, s.buffers, s.logger)
	c, err := s.manager.Connect(transport, identity.UserID, identity.Role, priority)
	if err != nil {
		_ = transport.Close()
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().Err(err).Str("client_ip", clientIP).Msg("Connection not registered")
		return
	}

	s.logger.Debug().
		Str("connection_id", c.ID).
		Str("client_ip", clientIP).
		Dur("total_setup_time_ms", time.Since(startTime)).
		Msg("Client connected - read pump starting")

	go s.readPump(c.ID, transport)
}

// readPump reads client frames until the socket fails or the client closes
// it, then disconnects the connection.
func (s *Server) readPump(id string, t *wsTransport) {
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"connection_id": id,
	})

	reason := monitoring.DisconnectReasonReadError
	defer func() {
		s.manager.Disconnect(id, reason)
	}()

	var limiter *rate.Limiter
	if s.config.ClientMessageRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.config.ClientMessageRate), s.config.ClientMessageBurst)
	}

	for {
		t.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				reason = monitoring.DisconnectReasonClientInitiated
			}
			return
		}
		if op != ws.OpText {
			continue
		}

		if limiter != nil && !limiter.Allow() {
			monitoring.IncrementRateLimitedMessages()
			s.logger.Warn().
				Str("connection_id", id).
				Float64("rate_limit_per_sec", s.config.ClientMessageRate).
				Int("burst_limit", s.config.ClientMessageBurst).
				Msg("Client rate limited")
			// Dropped, not disconnected; a slow client loses the notice too.
			s.manager.SendToConnection(id, messaging.NewError("RATE_LIMIT_EXCEEDED", "Too many messages, please slow down"))
			continue
		}

		s.manager.HandleClientMessage(id, msg)
	}
}

// parsePriority reads the handshake priority. Anything that is not a number
// falls back to the lowest priority; numbers are clamped by the manager.
func parsePriority(raw string) int {
	p, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultPriority
	}
	return p
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

var _ hub.Transport = (*wsTransport)(nil)
