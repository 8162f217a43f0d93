package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomcrypt/internal/directory"
	"roomcrypt/internal/model"
	deviceRepo "roomcrypt/internal/repository/device"
	"roomcrypt/internal/service/redis"
	"roomcrypt/internal/utils/log"
)

type (
	// HttpServer relays encrypted envelopes between connected devices and
	// serves the device-key directory. Everything routed through it is
	// ciphertext produced on the clients; it never holds plaintext or
	// private keys.
	HttpServer struct {
		addr string

		// mu guards mapper and serializes writes to the connections; each
		// connection is read from one goroutine and written from many.
		mu     sync.Mutex
		mapper map[string]*websocket.Conn

		deviceRepo   *deviceRepo.DeviceRepo
		redisService *redis.RedisService
	}
)

func NewHttpServer(addr string, devices *deviceRepo.DeviceRepo, redisSvc *redis.RedisService) *HttpServer {
	return &HttpServer{
		addr:         addr,
		mapper:       make(map[string]*websocket.Conn),
		deviceRepo:   devices,
		redisService: redisSvc,
	}
}

func (s *HttpServer) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/init", s.HandleInitWS()).Methods(http.MethodGet)
	r.HandleFunc("/keys/upload", s.HandleUploadKeys()).Methods(http.MethodPost)
	r.HandleFunc("/keys/claim", s.HandleClaimKey()).Methods(http.MethodPost)
	r.HandleFunc("/keys/{user}", s.HandleGetDevices()).Methods(http.MethodGet)

	return r
}

func (s *HttpServer) Run() error {
	return http.ListenAndServe(s.addr, s.Router())
}

// register records the connection for userID unless one already exists.
func (s *HttpServer) register(userID string, conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.mapper[userID]; ok {
		return false
	}
	s.mapper[userID] = conn
	return true
}

func (s *HttpServer) unregister(userID string) {
	s.mu.Lock()
	delete(s.mapper, userID)
	s.mu.Unlock()
}

func (s *HttpServer) connected(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.mapper[userID]
	return ok
}

// writeTo delivers v to userID's connection if one exists. The mutex is held
// across the write so concurrent forwarders never interleave on one socket.
func (s *HttpServer) writeTo(userID string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.mapper[userID]
	if !ok {
		return false, nil
	}
	return true, conn.WriteJSON(v)
}

func (s *HttpServer) HandleInitWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("userID")
		if userID == "" {
			http.Error(w, "userID cannot be empty", http.StatusBadRequest)
			return
		}

		if s.connected(userID) {
			http.Error(w, "duplicated userID", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			http.Error(w, "Failed to upgrade", http.StatusInternalServerError)
			return
		}

		if !s.register(userID, conn) {
			conn.Close()
			return
		}
		go s.processWSMessage(userID, conn)
		if err := s.ForwardUnsentMessages(userID); err != nil {
			log.Error("forward msg failed", zap.Error(err))
		}
	}
}

func (s *HttpServer) processWSMessage(userID string, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug("worker web socket closed", zap.Error(err))
			s.unregister(userID)
			conn.Close()
			break
		}

		var message model.RelayMessage
		if err := json.Unmarshal(data, &message); err != nil {
			log.Error("Unmarshal message failed", zap.Error(err))
			continue
		}
		if message.ID == "" {
			message.ID = uuid.NewString()
		}

		delivered, err := s.writeTo(message.To, &message)
		if err != nil {
			log.Error("forward to connected peer failed", zap.Error(err))
			continue
		}
		if !delivered {
			if err := s.PutMessagesToCache(context.TODO(), message.To, []*model.RelayMessage{&message}); err != nil {
				log.Error("PutMessagesToCache failed", zap.Error(err))
			}
		}
	}
}

func (s *HttpServer) HandleUploadKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req directory.PublishRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad upload request", http.StatusBadRequest)
			return
		}
		if req.UserID == "" || req.DeviceID == "" {
			http.Error(w, "user_id and device_id are required", http.StatusBadRequest)
			return
		}

		err := s.deviceRepo.Upsert(ctx, deviceRepo.Record{
			UserID:      req.UserID,
			DeviceID:    req.DeviceID,
			IdentityKey: req.IdentityKey,
			SigningKey:  req.SigningKey,
			OneTimeKeys: req.OneTimeKeys,
		})
		if err != nil {
			log.Error("upload keys failed", zap.Error(err))
			http.Error(w, "upload keys failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (s *HttpServer) HandleGetDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		vars := mux.Vars(r)
		userID := vars["user"]
		log.Info("querying devices", zap.String("user", userID))

		devices, err := s.deviceRepo.ListByUser(ctx, userID)
		if err != nil {
			log.Error("list devices failed", zap.Error(err))
			http.Error(w, "list devices failed", http.StatusInternalServerError)
			return
		}

		data, err := json.Marshal(devices)
		if err != nil {
			http.Error(w, "list devices failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *HttpServer) HandleClaimKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req directory.ClaimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad claim request", http.StatusBadRequest)
			return
		}

		keyID, key, err := s.deviceRepo.ClaimOneTimeKey(ctx, req.UserID, req.DeviceID)
		if err != nil {
			log.Error("claim one-time key failed",
				zap.String("user", req.UserID), zap.String("device", req.DeviceID), zap.Error(err))
			http.Error(w, "claim one-time key failed", http.StatusBadRequest)
			return
		}

		data, err := json.Marshal(directory.ClaimResponse{KeyID: keyID, Key: key})
		if err != nil {
			http.Error(w, "claim one-time key failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *HttpServer) ForwardUnsentMessages(userID string) error {
	messages, err := s.GetMessagesFromCache(context.TODO(), userID)
	if err != nil {
		log.Error("ForwardUnsentMessages failed: ", zap.Error(err))
		return err
	}

	for _, message := range messages {
		if _, err := s.writeTo(userID, message); err != nil {
			return err
		}
	}
	return nil
}
