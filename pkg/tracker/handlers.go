package tracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/busybox42/chatmesh/internal/directory"
	"github.com/busybox42/chatmesh/pkg/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 1 << 20

type validator interface {
	Validate() error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Status: StatusError, Message: msg})
}

// writeDirectoryError maps validation failures to 400, unknown peers to 404
// and anything else to 500.
func writeDirectoryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, directory.ErrInvalidStatus):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, directory.ErrPeerNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Internal server error: "+err.Error())
	}
}

// decode reads a JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v validator) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", ErrValidation)
		}
		return fmt.Errorf("%w: invalid JSON body: %v", ErrValidation, err)
	}
	return v.Validate()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Response: ok("tracker is running"), Peers: s.dir.Count()})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		req.PeerID = r.PostForm.Get("peer_id")
		if req.PeerID == "" {
			req.PeerID = r.PostForm.Get("username")
		}
		req.Password = r.PostForm.Get("password")
		if err := req.Validate(); err != nil {
			writeDirectoryError(w, err)
			return
		}
	} else if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}

	if s.cfg.Password != "" && req.Password != s.cfg.Password {
		writeError(w, http.StatusUnauthorized, "Authentication failed")
		return
	}

	sid := uuid.NewString()
	s.newSession(req.PeerID, sid)
	http.SetCookie(w, &http.Cookie{Name: SessionCookie, Value: sid, Path: "/", HttpOnly: true})

	s.log.WithField("peer", req.PeerID).Info("Peer logged in")
	writeJSON(w, http.StatusOK, LoginResponse{Response: ok("Login successful"), PeerID: req.PeerID, Session: sid})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}

	rec := s.dir.Register(req.PeerID, req.IP, req.Port, req.Metadata)
	writeJSON(w, http.StatusOK, RegisterResponse{
		Response: ok("Peer registered successfully"),
		PeerID:   rec.PeerID,
		IP:       rec.IP,
		Port:     rec.Port,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req PresenceRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}

	if req.Channel != "" {
		if err := s.dir.JoinChannel(req.PeerID, req.Channel); err != nil {
			writeDirectoryError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ChannelResponse{
			Response: ok(fmt.Sprintf("Peer %s joined channel %s", req.PeerID, req.Channel)),
			PeerID:   req.PeerID,
			Channel:  req.Channel,
		})
		return
	}

	if err := s.dir.Touch(req.PeerID); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelResponse{Response: ok("Peer presence refreshed"), PeerID: req.PeerID})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if err := s.dir.JoinChannel(req.PeerID, req.Channel); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelResponse{
		Response: ok(fmt.Sprintf("Peer %s joined channel %s", req.PeerID, req.Channel)),
		PeerID:   req.PeerID,
		Channel:  req.Channel,
	})
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	var req ChannelRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if err := s.dir.LeaveChannel(req.PeerID, req.Channel); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ChannelResponse{
		Response: ok(fmt.Sprintf("Peer %s left channel %s", req.PeerID, req.Channel)),
		PeerID:   req.PeerID,
		Channel:  req.Channel,
	})
}

// handleList serves GET with query parameters and POST with a JSON body.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	var req ListRequest
	if r.Method == http.MethodGet {
		req.PeerID = r.URL.Query().Get("peer_id")
		req.Channel = r.URL.Query().Get("channel")
	} else if r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: invalid JSON body: %v", ErrValidation, err))
			return
		}
	}

	var peers []types.PeerRecord
	if req.Channel != "" {
		peers = s.dir.ListChannel(req.Channel, req.PeerID)
	} else {
		peers = s.dir.ListAll(req.PeerID)
	}
	writeJSON(w, http.StatusOK, ListResponse{
		Response: ok("Retrieved peer list successfully"),
		Count:    len(peers),
		Peers:    peers,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.dir.Channels()
	writeJSON(w, http.StatusOK, ChannelsResponse{
		Response: ok("Retrieved channels successfully"),
		Count:    len(channels),
		Channels: channels,
	})
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if err := required("channel", channel); err != nil {
		writeDirectoryError(w, err)
		return
	}
	members := s.dir.Members(channel)
	writeJSON(w, http.StatusOK, MembersResponse{
		Response: ok("Retrieved channel members successfully"),
		Channel:  channel,
		Count:    len(members),
		Members:  members,
	})
}

// lookupSender resolves the requesting peer, writing a 404 when it is unknown.
func (s *Server) lookupSender(w http.ResponseWriter, peerID string) bool {
	if _, err := s.dir.Lookup(peerID); err != nil {
		if errors.Is(err, directory.ErrPeerNotFound) {
			writeError(w, http.StatusNotFound, "Sender peer not found. Register peer first using /submit-info")
		} else {
			writeDirectoryError(w, err)
		}
		return false
	}
	return true
}

// lookupTarget resolves an active target peer or writes the error response.
func (s *Server) lookupTarget(w http.ResponseWriter, peerID string) (types.PeerRecord, bool) {
	target, err := s.dir.Lookup(peerID)
	if err != nil {
		if errors.Is(err, directory.ErrPeerNotFound) {
			writeError(w, http.StatusNotFound, "Target peer not found")
		} else {
			writeDirectoryError(w, err)
		}
		return types.PeerRecord{}, false
	}
	if target.Status != types.StatusActive {
		writeError(w, http.StatusBadRequest, "Target peer is not active")
		return types.PeerRecord{}, false
	}
	return target, true
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if !s.lookupSender(w, req.FromPeerID) {
		return
	}
	target, found := s.lookupTarget(w, req.ToPeerID)
	if !found {
		return
	}

	s.log.WithFields(logrus.Fields{"from": req.FromPeerID, "to": req.ToPeerID}).Debug("Connection info resolved")
	writeJSON(w, http.StatusOK, ConnectResponse{
		Response:   ok("Connection information retrieved"),
		TargetPeer: targetOf(target),
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if !s.lookupSender(w, req.SenderPeerID) {
		return
	}

	var recs []types.PeerRecord
	if req.Channel != "" {
		recs = s.dir.ListChannel(req.Channel, req.SenderPeerID)
	} else {
		recs = s.dir.ListAll(req.SenderPeerID)
	}
	targets := make([]TargetPeer, 0, len(recs))
	for _, rec := range recs {
		targets = append(targets, targetOf(rec))
	}

	writeJSON(w, http.StatusOK, BroadcastResponse{
		Response:     ok("Broadcast targets retrieved successfully"),
		SenderPeerID: req.SenderPeerID,
		Channel:      req.Channel,
		Count:        len(targets),
		TargetPeers:  targets,
		MessageData:  req.Message,
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if !s.lookupSender(w, req.FromPeerID) {
		return
	}
	target, found := s.lookupTarget(w, req.ToPeerID)
	if !found {
		return
	}

	writeJSON(w, http.StatusOK, SendResponse{
		Response:    ok("Target peer information retrieved"),
		FromPeerID:  req.FromPeerID,
		TargetPeer:  targetOf(target),
		MessageData: req.Message,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if err := s.dir.SetStatus(req.PeerID, req.Status); err != nil {
		writeDirectoryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Response: ok("Peer status updated"), PeerID: req.PeerID, Status: req.Status})
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req UnregisterRequest
	if err := decode(w, r, &req); err != nil {
		writeDirectoryError(w, err)
		return
	}
	if !s.dir.Remove(req.PeerID) {
		writeDirectoryError(w, fmt.Errorf("%w: %s", directory.ErrPeerNotFound, req.PeerID))
		return
	}
	s.log.WithField("peer", req.PeerID).Info("Peer unregistered")
	writeJSON(w, http.StatusOK, ChannelResponse{Response: ok("Peer unregistered"), PeerID: req.PeerID})
}
