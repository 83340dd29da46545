package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"

	"github.com/perchlabs/perch/internal/journal"
	"github.com/perchlabs/perch/internal/logger"
	"github.com/perchlabs/perch/internal/ws"
)

const terminalTokenTTL = 60 * time.Second

// terminalClaims bind a handoff token to one PTY session.
type terminalClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
}

func issueTerminalToken(secret []byte, sessionID string) (string, error) {
	now := time.Now()
	claims := terminalClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(terminalTokenTTL)),
		},
		SessionID: sessionID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign terminal token: %w", err)
	}
	return signed, nil
}

func validateTerminalToken(secret []byte, tokenString string) (*terminalClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &terminalClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse terminal token: %w", err)
	}
	claims, ok := token.Claims.(*terminalClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid terminal token claims")
	}
	return claims, nil
}

// handleTerminalToken mints a short-lived handoff token so the browser can
// open the WebSocket without custom headers.
func (s *Server) handleTerminalToken(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_SESSION", "session query param is required")
		return
	}
	if !journal.ValidSessionID(sessionID) {
		writeError(w, http.StatusNotFound, "INVALID_SESSION_ID", "malformed session id")
		return
	}
	token, err := issueTerminalToken(s.secret, sessionID)
	if err != nil {
		logger.Error("issue terminal token", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// handleTerminalWS validates the handoff token, attaches to the PTY
// registry, and pumps frames both ways until either side closes.
func (s *Server) handleTerminalWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")
	if sessionID == "" || !journal.ValidSessionID(sessionID) {
		http.Error(w, "invalid session", http.StatusBadRequest)
		return
	}
	if s.cfg.APIKey != "" {
		claims, err := validateTerminalToken(s.secret, q.Get("token"))
		if err != nil || claims.SessionID != sessionID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	sess, err := s.shells.GetOrCreate(sessionID)
	if err != nil {
		logger.Error("terminal spawn", "session", sessionID, "err", err)
		http.Error(w, "failed to start terminal", http.StatusInternalServerError)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warn("terminal websocket accept", "session", sessionID, "err", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	client := sess.Attach()
	defer sess.Detach(client)

	logger.Debug("terminal attached", "session", sessionID, "clients", sess.ClientCount())

	// Output pump: history prefix arrives as the first chunk on the
	// client channel, so replay and live data share one path.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-client.Output:
				if !ok {
					return
				}
				frame, _ := json.Marshal(ws.TermOutput{
					Type: ws.TypeTermOutput,
					Data: base64.StdEncoding.EncodeToString(data),
				})
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					return
				}
			case code := <-client.Exited:
				frame, _ := json.Marshal(ws.TermExited{
					Type:     ws.TypeTermExited,
					ExitCode: code,
				})
				conn.Write(ctx, websocket.MessageText, frame)
				conn.Close(websocket.StatusNormalClosure, "shell exited")
				return
			}
		}
	}()

	// Input pump.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var env ws.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case ws.TypeTermInput:
			var in ws.TermInput
			if err := json.Unmarshal(data, &in); err != nil {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				continue
			}
			if err := sess.Write(raw); err != nil {
				s.writeWSError(ctx, conn, "write failed")
			}
		case ws.TypeTermResize:
			var rs ws.TermResize
			if err := json.Unmarshal(data, &rs); err != nil {
				continue
			}
			if err := sess.Resize(rs.Cols, rs.Rows); err != nil {
				logger.Debug("terminal resize", "session", sessionID, "err", err)
			}
		}
	}
}

func (s *Server) writeWSError(ctx context.Context, conn *websocket.Conn, msg string) {
	frame, _ := json.Marshal(ws.ErrorMsg{Type: ws.TypeError, Message: msg})
	conn.Write(ctx, websocket.MessageText, frame)
}
