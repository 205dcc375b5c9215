// Package server wires the scoreboard HTTP/WebSocket surface and its
// runtime lifecycle.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/scorelinehq/scoreline/internal/platform/config"
	apperrors "github.com/scorelinehq/scoreline/internal/platform/errors"
	"github.com/scorelinehq/scoreline/internal/platform/errors/i18n"
	"github.com/scorelinehq/scoreline/internal/platform/id"
	"github.com/scorelinehq/scoreline/internal/platform/timeouts"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/auth"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/cache"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/coordinator"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/domain"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/hub"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/proof"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/ratelimit"
	"github.com/scorelinehq/scoreline/internal/services/scoreboard/storage"
	scoreboardsqlite "github.com/scorelinehq/scoreline/internal/services/scoreboard/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/net/websocket"
	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// PermissionProvisionIdentity gates identity creation.
const PermissionProvisionIdentity = "identity:provision"

const (
	maxSubmitBodyBytes = 16 * 1024

	defaultHistoryPageSize = 50
	maxHistoryPageSize     = 200
)

// Default submission rates per limiter layer.
var defaultRates = map[string]ratelimit.Rate{
	coordinator.LayerIdentity:       {Capacity: 10, RefillPerSec: 30.0 / 60},
	coordinator.LayerIdentityAction: {Capacity: 10, RefillPerSec: 10.0 / 60},
	coordinator.LayerIP:             {Capacity: 40, RefillPerSec: 120.0 / 60},
}

type serverEnv struct {
	DBPath      string `env:"SCORELINE_SCOREBOARD_DB_PATH"`
	HMACKeys    string `env:"SCORELINE_PROOF_HMAC_KEYS"`
	ActiveKeyID string `env:"SCORELINE_PROOF_HMAC_ACTIVE_KEY_ID"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "scoreboard.db")
	}
	return cfg
}

// Config defines the inputs for the scoreboard transport boundary.
type Config struct {
	HTTPAddr          string
	OpsAddr           string
	TopK              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the scoreboard HTTP/WebSocket process and an optional gRPC
// health listener for orchestration probes.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	opsListener     net.Listener
	grpcServer      *gogrpc.Server
	health          *health.Server
	store           *scoreboardsqlite.Store
	broadcast       *hub.Hub
}

// handlerDeps carries the wired pipeline into the HTTP handlers.
type handlerDeps struct {
	coordinator *coordinator.Coordinator
	validator   *auth.Validator
	identities  storage.IdentityStore
	scores      storage.ScoreStore
	broadcast   *hub.Hub
	catalog     *i18n.Catalog
}

type submitRequest struct {
	ActionType     string `json:"action_type"`
	TimestampMS    int64  `json:"timestamp_ms"`
	Payload        []byte `json:"payload,omitempty"`
	ExpectedPoints int64  `json:"expected_points"`
	Nonce          string `json:"nonce"`
	Signature      string `json:"signature"`
}

type submitResponse struct {
	Success     bool  `json:"success"`
	NewScore    int64 `json:"new_score"`
	NewRank     int64 `json:"new_rank"`
	PointsAdded int64 `json:"points_added"`
}

type leaderboardEntry struct {
	Rank     int64  `json:"rank"`
	ID       string `json:"id"`
	Username string `json:"username"`
	Score    int64  `json:"score"`
}

type leaderboardResponse struct {
	TopK      []leaderboardEntry `json:"top_k"`
	UserScore *int64             `json:"user_score,omitempty"`
	UserRank  *int64             `json:"user_rank,omitempty"`
}

type historyEntry struct {
	ID         string `json:"id"`
	ActionType string `json:"action_type"`
	Points     int64  `json:"points"`
	Nonce      string `json:"nonce"`
	RecordedAt string `json:"recorded_at"`
}

type historyResponse struct {
	Changes       []historyEntry `json:"changes"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type createIdentityRequest struct {
	DisplayName string `json:"display_name"`
}

type createIdentityResponse struct {
	Identity identityView `json:"identity"`
}

type identityView struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Score       int64  `json:"score"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

func newHandler(deps handlerDeps) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/v1/scores", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.handleSubmit(w, r)
	})
	mux.HandleFunc("/v1/leaderboard", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.handleLeaderboard(w, r)
	})
	mux.HandleFunc("/v1/scores/history", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.handleHistory(w, r)
	})
	mux.HandleFunc("/v1/identities", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		deps.handleCreateIdentity(w, r)
	})

	wsHandler := websocket.Handler(deps.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if _, err := deps.authenticate(r); err != nil {
			log.Printf("scoreboard: websocket unauthorized remote=%s: %v", r.RemoteAddr, err)
			deps.writeError(w, err)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func (d handlerDeps) authenticate(r *http.Request) (auth.Claims, error) {
	if d.validator == nil {
		return auth.Claims{}, apperrors.New(apperrors.CodeDownstreamUnavailable, "token validation is not configured")
	}
	header := r.Header.Get("Authorization")
	token := ""
	if header != "" {
		parsed, err := auth.BearerToken(header)
		if err != nil {
			return auth.Claims{}, err
		}
		token = parsed
	} else {
		// Browser websocket clients cannot set headers on the upgrade
		// request, so the token may ride in the query string.
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	return d.validator.Validate(token)
}

func (d handlerDeps) handleSubmit(w http.ResponseWriter, r *http.Request) {
	claims, err := d.authenticate(r)
	if err != nil {
		d.writeError(w, err)
		return
	}
	if err := auth.RequirePermission(claims, auth.PermissionSubmitScore); err != nil {
		d.writeError(w, err)
		return
	}

	var req submitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		d.writeError(w, apperrors.Wrap(apperrors.CodeProofInvalid, "submission body is not valid JSON", err))
		return
	}

	result, err := d.coordinator.Submit(r.Context(), coordinator.Submission{
		IdentityID: claims.IdentityID,
		Proof: domain.ActionProof{
			ActionType:     req.ActionType,
			Timestamp:      time.UnixMilli(req.TimestampMS).UTC(),
			Payload:        req.Payload,
			ExpectedPoints: req.ExpectedPoints,
			Nonce:          req.Nonce,
			Signature:      req.Signature,
		},
		ClientIP: remoteIP(r),
	})
	if err != nil {
		d.writeError(w, err)
		return
	}
	d.writeJSON(w, http.StatusOK, submitResponse{
		Success:     true,
		NewScore:    result.NewScore,
		NewRank:     result.NewRank,
		PointsAdded: result.PointsAdded,
	})
}

func (d handlerDeps) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := d.coordinator.Leaderboard(r.Context())
	if err != nil {
		d.writeError(w, err)
		return
	}

	resp := leaderboardResponse{TopK: make([]leaderboardEntry, 0, len(entries))}
	for i, entry := range entries {
		resp.TopK = append(resp.TopK, leaderboardEntry{
			Rank:     int64(i + 1),
			ID:       entry.IdentityID,
			Username: entry.DisplayName,
			Score:    entry.Score,
		})
	}

	// Callers presenting a valid token also get their own standing, even
	// when they fall outside the top entries.
	if r.Header.Get("Authorization") != "" {
		if claims, err := d.authenticate(r); err == nil {
			if score, rank, err := d.scores.GetRank(r.Context(), claims.IdentityID); err == nil {
				resp.UserScore = &score
				resp.UserRank = &rank
			}
		}
	}
	d.writeJSON(w, http.StatusOK, resp)
}

func (d handlerDeps) handleHistory(w http.ResponseWriter, r *http.Request) {
	claims, err := d.authenticate(r)
	if err != nil {
		d.writeError(w, err)
		return
	}

	pageSize := defaultHistoryPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("page_size")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			d.writeError(w, apperrors.New(apperrors.CodeProofInvalid, "page_size must be a positive integer"))
			return
		}
		pageSize = parsed
	}
	if pageSize > maxHistoryPageSize {
		pageSize = maxHistoryPageSize
	}

	page, err := d.coordinator.History(r.Context(), claims.IdentityID, pageSize, r.URL.Query().Get("page_token"))
	if err != nil {
		d.writeError(w, err)
		return
	}

	resp := historyResponse{
		Changes:       make([]historyEntry, 0, len(page.Changes)),
		NextPageToken: page.NextPageToken,
	}
	for _, change := range page.Changes {
		resp.Changes = append(resp.Changes, historyEntry{
			ID:         change.ID,
			ActionType: change.ActionType,
			Points:     change.Points,
			Nonce:      change.Nonce,
			RecordedAt: change.RecordedAt.UTC().Format(time.RFC3339),
		})
	}
	d.writeJSON(w, http.StatusOK, resp)
}

func (d handlerDeps) handleCreateIdentity(w http.ResponseWriter, r *http.Request) {
	claims, err := d.authenticate(r)
	if err != nil {
		d.writeError(w, err)
		return
	}
	if err := auth.RequirePermission(claims, PermissionProvisionIdentity); err != nil {
		d.writeError(w, err)
		return
	}

	var req createIdentityRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	if err := decoder.Decode(&req); err != nil {
		d.writeError(w, apperrors.Wrap(apperrors.CodeProofInvalid, "identity body is not valid JSON", err))
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		d.writeError(w, apperrors.New(apperrors.CodeProofInvalid, "display_name is required"))
		return
	}

	identityID, err := id.NewID()
	if err != nil {
		d.writeError(w, apperrors.Wrap(apperrors.CodeUnknown, "generate identity id", err))
		return
	}
	now := time.Now().UTC()
	identity := storage.Identity{
		ID:          identityID,
		DisplayName: displayName,
		Permissions: []string{auth.PermissionSubmitScore},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := d.identities.CreateIdentity(r.Context(), identity); err != nil {
		d.writeError(w, apperrors.Wrap(apperrors.CodeDownstreamUnavailable, "create identity", err))
		return
	}
	d.writeJSON(w, http.StatusCreated, createIdentityResponse{
		Identity: identityView{
			ID:          identity.ID,
			DisplayName: identity.DisplayName,
		},
	})
}

type wsClientFrame struct {
	Type string `json:"type"`
}

type wsServerFrame struct {
	Type string             `json:"type"`
	TopK []leaderboardEntry `json:"top_k,omitempty"`
}

// wsPeer serializes frame writes from the event and pong paths.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func (p *wsPeer) write(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(v)
}

func (d handlerDeps) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	sub := d.broadcast.Subscribe()
	defer d.broadcast.Unsubscribe(sub)

	peer := &wsPeer{encoder: json.NewEncoder(conn)}

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	if entries, err := d.coordinator.Leaderboard(ctx); err == nil {
		frame := wsServerFrame{Type: "leaderboard", TopK: make([]leaderboardEntry, 0, len(entries))}
		for i, entry := range entries {
			frame.TopK = append(frame.TopK, leaderboardEntry{
				Rank:     int64(i + 1),
				ID:       entry.IdentityID,
				Username: entry.DisplayName,
				Score:    entry.Score,
			})
		}
		if err := peer.write(frame); err != nil {
			return
		}
	}

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		decoder := json.NewDecoder(conn)
		for {
			var frame wsClientFrame
			if err := decoder.Decode(&frame); err != nil {
				return
			}
			if frame.Type == "ping" {
				if err := peer.write(wsServerFrame{Type: "pong"}); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case event := <-sub.Events():
			if err := peer.write(event); err != nil {
				return
			}
		case <-sub.Done():
			return
		case <-readDone:
			return
		}
	}
}

func (d handlerDeps) writeError(w http.ResponseWriter, err error) {
	code := apperrors.GetCode(err)
	metadata := apperrors.GetMetadata(err)

	body := errorBody{
		Code:      string(code),
		Message:   d.catalog.Format(string(code), metadata),
		Retryable: code.Retryable(),
	}
	if raw, ok := metadata["RetryAfterSeconds"]; ok {
		if seconds, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			body.RetryAfterSeconds = seconds
			w.Header().Set("Retry-After", raw)
		}
	}
	d.writeJSON(w, code.HTTPStatus(), errorEnvelope{Error: body})
}

func (d handlerDeps) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("scoreboard: write response: %v", err)
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// NewServer builds a configured scoreboard server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	env := loadServerEnv()
	store, err := openScoreboardStore(env.DBPath)
	if err != nil {
		return nil, err
	}

	keys, err := proof.ParseKeys(env.HMACKeys)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("parse proof hmac keys: %w", err)
	}
	keyring, err := proof.NewKeyring(keys, env.ActiveKeyID)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build proof keyring: %w", err)
	}
	verifier, err := proof.NewVerifier(proof.Config{
		Keyring: keyring,
		Policy:  domain.DefaultPointPolicy(),
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build proof verifier: %w", err)
	}

	var validator *auth.Validator
	authCfg, err := auth.LoadConfigFromEnv(nil)
	if err != nil {
		log.Printf("scoreboard: token validator not configured, authenticated endpoints will reject requests: %v", err)
	} else {
		validator, err = auth.NewValidator(authCfg)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("build token validator: %w", err)
		}
	}

	broadcast := hub.New(timeouts.SubscriberSend)
	board := cache.New(cache.DefaultTTL)
	pipeline, err := coordinator.New(coordinator.Config{
		Verifier:   verifier,
		Limiter:    ratelimit.NewLimiter(defaultRates),
		Identities: store,
		Scores:     store,
		Board:      board,
		Broadcast:  broadcast,
		TopK:       config.TopK,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build coordinator: %w", err)
	}

	deps := handlerDeps{
		coordinator: pipeline,
		validator:   validator,
		identities:  store,
		scores:      store,
		broadcast:   broadcast,
		catalog:     i18n.GetCatalog(i18n.DefaultLocale),
	}
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           newHandler(deps),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	server := &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
		broadcast:       broadcast,
	}

	if opsAddr := strings.TrimSpace(config.OpsAddr); opsAddr != "" {
		listener, err := net.Listen("tcp", opsAddr)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("listen on ops %s: %w", opsAddr, err)
		}
		grpcServer := gogrpc.NewServer(gogrpc.StatsHandler(otelgrpc.NewServerHandler()))
		healthServer := health.NewServer()
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
		healthServer.SetServingStatus("scoreboard", grpc_health_v1.HealthCheckResponse_SERVING)
		server.opsListener = listener
		server.grpcServer = grpcServer
		server.health = healthServer
	}

	return server, nil
}

// Run creates and serves a scoreboard server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init scoreboard server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve scoreboard: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP and ops servers until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("scoreboard server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("scoreboard server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	if s.grpcServer != nil && s.opsListener != nil {
		log.Printf("scoreboard ops server listening on %s", s.opsListener.Addr())
		go func() {
			if err := s.grpcServer.Serve(s.opsListener); err != nil && !errors.Is(err, gogrpc.ErrServerStopped) {
				log.Printf("serve ops gRPC: %v", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.opsListener != nil {
		_ = s.opsListener.Close()
	}
	if s.broadcast != nil {
		s.broadcast.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close scoreboard store: %v", err)
		}
	}
}

func openScoreboardStore(path string) (*scoreboardsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := scoreboardsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scoreboard sqlite store: %w", err)
	}
	return store, nil
}
