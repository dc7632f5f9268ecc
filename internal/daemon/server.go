package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/tsoares/courier/internal/directory"
	"github.com/tsoares/courier/internal/engine"
	"github.com/tsoares/courier/internal/profile"
	"github.com/tsoares/courier/internal/remote"
	"github.com/tsoares/courier/internal/thread"
	"go.uber.org/zap"
)

// Server exposes the daemon's local API over a per-profile Unix socket.
type Server struct {
	http       *http.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates the API server bound to the profile's Unix socket.
func NewServer(p Params, logger *zap.Logger, eng *engine.Engine) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = profile.SocketPath(p.Profile)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return &Server{
		http:       &http.Server{Handler: router(p.Profile, eng)},
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving API requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("socket", s.socketPath))
	err := s.http.Serve(s.listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	_ = s.http.Shutdown(ctx)
	_ = os.Remove(s.socketPath)
}

func router(profileName string, eng *engine.Engine) http.Handler {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, statusResponse{
				Profile: profileName,
				Status:  eng.Status(),
			})
		})

		r.Get("/conversations", func(w http.ResponseWriter, req *http.Request) {
			var convs []directory.Conversation
			if q := req.URL.Query().Get("q"); q != "" {
				convs = eng.FilterConversations(q)
			} else {
				convs = eng.Conversations()
			}
			out := make([]conversationDTO, len(convs))
			for i, c := range convs {
				out[i] = toConversationDTO(c)
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Route("/conversations/{id}", func(r chi.Router) {
			r.Post("/open", func(w http.ResponseWriter, req *http.Request) {
				eng.OpenConversation(chi.URLParam(req, "id"))
				w.WriteHeader(http.StatusNoContent)
			})

			r.Get("/messages", func(w http.ResponseWriter, req *http.Request) {
				msgs := eng.Messages(chi.URLParam(req, "id"))
				out := make([]messageDTO, len(msgs))
				for i, m := range msgs {
					out[i] = toMessageDTO(m)
				}
				writeJSON(w, http.StatusOK, out)
			})

			r.Post("/messages", func(w http.ResponseWriter, req *http.Request) {
				var body struct {
					Content string `json:"content"`
				}
				if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.Content == "" {
					writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content required"})
					return
				}
				localID := eng.Send(chi.URLParam(req, "id"), body.Content)
				writeJSON(w, http.StatusAccepted, map[string]string{"local_id": localID})
			})

			r.Post("/messages/{localID}/retry", func(w http.ResponseWriter, req *http.Request) {
				if !eng.Retry(chi.URLParam(req, "id"), chi.URLParam(req, "localID")) {
					writeJSON(w, http.StatusNotFound, map[string]string{"error": "no failed message with that id"})
					return
				}
				w.WriteHeader(http.StatusAccepted)
			})

			r.Post("/read", func(w http.ResponseWriter, req *http.Request) {
				eng.MarkRead(chi.URLParam(req, "id"))
				w.WriteHeader(http.StatusAccepted)
			})

			r.Post("/typing", func(w http.ResponseWriter, req *http.Request) {
				// Absent body means a keystroke.
				body := struct {
					IsTyping bool `json:"is_typing"`
				}{IsTyping: true}
				_ = json.NewDecoder(req.Body).Decode(&body)
				if body.IsTyping {
					eng.Keystroke(chi.URLParam(req, "id"))
				} else {
					eng.StopTyping(chi.URLParam(req, "id"))
				}
				w.WriteHeader(http.StatusAccepted)
			})

			r.Get("/typing", func(w http.ResponseWriter, req *http.Request) {
				writeJSON(w, http.StatusOK, map[string]string{
					"text": eng.TypingText(chi.URLParam(req, "id")),
				})
			})
		})

		r.Get("/search", func(w http.ResponseWriter, req *http.Request) {
			q := req.URL.Query().Get("q")
			if q == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q required"})
				return
			}
			limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
			results, err := eng.Search(q, req.URL.Query().Get("conversation"), limit)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			out := make([]searchResultDTO, len(results))
			for i, res := range results {
				out[i] = searchResultDTO{
					ConversationID: res.Message.ConversationID,
					MsgID:          res.Message.MsgID,
					SenderID:       res.Message.SenderID,
					Content:        res.Message.Content,
					CreatedAt:      res.Message.CreatedAt,
					Snippet:        res.Snippet,
				}
			}
			writeJSON(w, http.StatusOK, out)
		})

		// Inbound presence from the push channel is injected here; the
		// pull contract itself has no typing feed.
		r.Post("/typing-events", func(w http.ResponseWriter, req *http.Request) {
			var evt remote.TypingEvent
			if err := json.NewDecoder(req.Body).Decode(&evt); err != nil || evt.ConversationID == "" {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "conversation_id required"})
				return
			}
			eng.ObserveTyping(evt)
			w.WriteHeader(http.StatusAccepted)
		})
	})

	return r
}

type statusResponse struct {
	Profile string `json:"profile"`
	engine.Status
}

type conversationDTO struct {
	ID                 string `json:"id"`
	ParticipantName    string `json:"participant_name"`
	ParticipantAvatar  string `json:"participant_avatar,omitempty"`
	LastMessagePreview string `json:"last_message_preview"`
	LastActivityAt     int64  `json:"last_activity_at"`
	ContextRef         string `json:"context_ref,omitempty"`
	Unread             int    `json:"unread"`
}

func toConversationDTO(c directory.Conversation) conversationDTO {
	return conversationDTO{
		ID:                 c.ID,
		ParticipantName:    c.ParticipantName,
		ParticipantAvatar:  c.ParticipantAvatar,
		LastMessagePreview: c.LastMessagePreview,
		LastActivityAt:     c.LastActivityAt,
		ContextRef:         c.ContextRef,
		Unread:             c.Unread,
	}
}

type messageDTO struct {
	LocalID        string `json:"local_id,omitempty"`
	ServerID       string `json:"server_id,omitempty"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderType     string `json:"sender_type"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	CreatedAt      int64  `json:"created_at"`
	ReadAt         *int64 `json:"read_at,omitempty"`
	Delivery       string `json:"delivery"`
	FailReason     string `json:"fail_reason,omitempty"`
}

func toMessageDTO(m thread.Message) messageDTO {
	return messageDTO{
		LocalID:        m.LocalID,
		ServerID:       m.ServerID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderType:     m.SenderType,
		Content:        m.Content,
		MessageType:    m.MessageType,
		CreatedAt:      m.CreatedAt,
		ReadAt:         m.ReadAt,
		Delivery:       string(m.Delivery),
		FailReason:     m.FailReason,
	}
}

type searchResultDTO struct {
	ConversationID string `json:"conversation_id"`
	MsgID          string `json:"msg_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"created_at"`
	Snippet        string `json:"snippet"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
