package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"StakeVault/internal/observability"
	"StakeVault/internal/query"
	"StakeVault/internal/vault"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	headerCaller         = "X-Caller-Address"
	headerIdempotencyKey = "X-Idempotency-Key"
)

// KeyRecorder persists client request keys after commit. Implemented by
// persistence.PostgresIdempotencyChecker.
type KeyRecorder interface {
	Record(ctx context.Context, clientKey, recordType string, sequence int64) error
}

// Server is the HTTP surface over the vault engine and the query service.
// Mutating routes identify the caller via the X-Caller-Address header; an
// optional X-Idempotency-Key makes retries safe.
type Server struct {
	vault    *vault.Vault
	queries  *query.Service
	deduper  *RequestDeduper
	recorder KeyRecorder
	health   *observability.HealthChecker
	log      zerolog.Logger
	metrics  *observability.Metrics
}

func New(
	v *vault.Vault,
	queries *query.Service,
	deduper *RequestDeduper,
	recorder KeyRecorder,
	health *observability.HealthChecker,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		vault:    v,
		queries:  queries,
		deduper:  deduper,
		recorder: recorder,
		health:   health,
		log:      log,
		metrics:  metrics,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposits/native", s.handleDepositNative)
		r.Post("/deposits/token", s.handleDepositToken)
		r.Post("/withdrawals", s.handleWithdraw)
		r.Post("/compound", s.handleCompound)
		r.Post("/administrator", s.handleAdminTransfer)

		r.Get("/pool", s.handlePool)
		r.Get("/assets", s.handleAssets)
		r.Get("/preview/deposit", s.handlePreviewDeposit)
		r.Get("/preview/withdraw", s.handlePreviewWithdraw)
		r.Get("/holders/{address}/shares", s.handleLiveShares)

		r.Get("/holdings", s.handleListHoldings)
		r.Get("/holdings/{address}", s.handleGetHolding)
		r.Get("/operations", s.handleListOperations)
		r.Get("/operations/{sequence}", s.handleGetOperation)
		r.Get("/integrity", s.handleIntegrity)
	})

	return r
}

// --- mutating handlers ---

type depositRequest struct {
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

type depositResponse struct {
	Shares   string `json:"shares"`
	Sequence int64  `json:"sequence"`
}

func (s *Server) handleDepositNative(w http.ResponseWriter, r *http.Request) {
	s.handleDeposit(w, r, "deposit", s.vault.DepositNative)
}

func (s *Server) handleDepositToken(w http.ResponseWriter, r *http.Request) {
	s.handleDeposit(w, r, "deposit", s.vault.DepositToken)
}

func (s *Server) handleDeposit(
	w http.ResponseWriter,
	r *http.Request,
	recordType string,
	pipeline func(ctx context.Context, depositor common.Address, amount *big.Int, receiver common.Address) (*big.Int, error),
) {
	caller, ok := s.callerAddress(w, r)
	if !ok {
		return
	}

	var req depositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	amount, ok := parseAmount(req.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}

	receiver := caller
	if req.Receiver != "" {
		if !common.IsHexAddress(req.Receiver) {
			s.writeError(w, http.StatusBadRequest, "invalid receiver address")
			return
		}
		receiver = common.HexToAddress(req.Receiver)
	}

	if seq, dup := s.checkIdempotency(r, recordType); dup {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true, "sequence": seq})
		return
	}

	shares, err := pipeline(r.Context(), caller, amount, receiver)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	seq := s.vault.Sequence() - 1
	s.markIdempotency(r, recordType, seq)
	s.writeJSON(w, http.StatusOK, depositResponse{Shares: shares.String(), Sequence: seq})
}

type withdrawRequest struct {
	Assets   string `json:"assets"`
	Receiver string `json:"receiver"`
}

type withdrawResponse struct {
	SharesBurned string `json:"shares_burned"`
	Sequence     int64  `json:"sequence"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerAddress(w, r)
	if !ok {
		return
	}

	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	assets, ok := parseAmount(req.Assets)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid assets amount")
		return
	}

	receiver := caller
	if req.Receiver != "" {
		if !common.IsHexAddress(req.Receiver) {
			s.writeError(w, http.StatusBadRequest, "invalid receiver address")
			return
		}
		receiver = common.HexToAddress(req.Receiver)
	}

	if seq, dup := s.checkIdempotency(r, "withdrawal"); dup {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true, "sequence": seq})
		return
	}

	// The caller's shares are spent; there is no delegated withdrawal.
	shares, err := s.vault.Withdraw(r.Context(), assets, receiver, caller)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	seq := s.vault.Sequence() - 1
	s.markIdempotency(r, "withdrawal", seq)
	s.writeJSON(w, http.StatusOK, withdrawResponse{SharesBurned: shares.String(), Sequence: seq})
}

func (s *Server) handleCompound(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerAddress(w, r)
	if !ok {
		return
	}

	if seq, dup := s.checkIdempotency(r, "compound"); dup {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true, "sequence": seq})
		return
	}

	if err := s.vault.Compound(r.Context(), caller); err != nil {
		s.writePipelineError(w, err)
		return
	}

	seq := s.vault.Sequence() - 1
	s.markIdempotency(r, "compound", seq)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": seq})
}

type adminTransferRequest struct {
	Next string `json:"next"`
}

func (s *Server) handleAdminTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.callerAddress(w, r)
	if !ok {
		return
	}

	var req adminTransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !common.IsHexAddress(req.Next) {
		s.writeError(w, http.StatusBadRequest, "invalid next administrator address")
		return
	}

	if err := s.vault.TransferAdministrator(r.Context(), caller, common.HexToAddress(req.Next)); err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sequence": s.vault.Sequence() - 1})
}

// --- read handlers ---

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	total, err := s.vault.TotalAssets(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "venue read failed")
		return
	}

	hash := s.vault.StateHash()
	s.writeJSON(w, http.StatusOK, query.PoolResponse{
		TotalAssets:   total.String(),
		TotalShares:   s.vault.TotalShares().String(),
		Administrator: s.vault.Administrator().Hex(),
		Sequence:      s.vault.Sequence(),
		StateHash:     hash[:],
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	total, err := s.vault.TotalAssets(r.Context())
	if err != nil {
		s.writeError(w, http.StatusBadGateway, "venue read failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"total_assets": total.String()})
}

func (s *Server) handlePreviewDeposit(w http.ResponseWriter, r *http.Request) {
	s.handlePreview(w, r, s.vault.PreviewDeposit)
}

func (s *Server) handlePreviewWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handlePreview(w, r, s.vault.PreviewWithdraw)
}

// handlePreview quotes the shares an asset amount would mint or burn at the
// current exchange rate. Previews are advisory: an interleaved operation can
// move the rate before the caller commits.
func (s *Server) handlePreview(
	w http.ResponseWriter,
	r *http.Request,
	preview func(ctx context.Context, assets *big.Int) (*big.Int, error),
) {
	assets, ok := parseAmount(r.URL.Query().Get("assets"))
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid assets amount")
		return
	}

	shares, err := preview(r.Context(), assets)
	if err != nil {
		s.writePipelineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"assets": assets.String(),
		"shares": shares.String(),
	})
}

func (s *Server) handleLiveShares(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	shares := s.vault.SharesOf(common.HexToAddress(addr))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"holder": common.HexToAddress(addr).Hex(),
		"shares": shares.String(),
	})
}

func (s *Server) handleListHoldings(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"), 100)

	holdings, err := s.queries.ListHoldings(r.Context(), limit)
	if err != nil {
		s.queryError(w, "list_holdings", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"holdings": holdings})
}

func (s *Server) handleGetHolding(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if !common.IsHexAddress(addr) {
		s.writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	holding, err := s.queries.GetHolding(r.Context(), common.HexToAddress(addr).Hex())
	if err != nil {
		s.queryError(w, "get_holding", err)
		return
	}
	s.writeJSON(w, http.StatusOK, holding)
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 50)

	var holder *string
	if h := q.Get("holder"); h != "" {
		if !common.IsHexAddress(h) {
			s.writeError(w, http.StatusBadRequest, "invalid holder address")
			return
		}
		hex := common.HexToAddress(h).Hex()
		holder = &hex
	}

	var recordType *string
	if t := q.Get("type"); t != "" {
		recordType = &t
	}

	var before *int64
	if b := q.Get("before"); b != "" {
		n, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		before = &n
	}

	ops, err := s.queries.GetOperations(r.Context(), holder, recordType, limit, before)
	if err != nil {
		s.queryError(w, "list_operations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "sequence"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid sequence")
		return
	}

	op, err := s.queries.GetOperation(r.Context(), seq)
	if err != nil {
		s.queryError(w, "get_operation", err)
		return
	}
	if op == nil {
		s.writeError(w, http.StatusNotFound, "operation not found")
		return
	}
	s.writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.queryError(w, "integrity", err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

func (s *Server) callerAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := r.Header.Get(headerCaller)
	if raw == "" {
		s.writeError(w, http.StatusUnauthorized, "missing "+headerCaller+" header")
		return common.Address{}, false
	}
	if !common.IsHexAddress(raw) {
		s.writeError(w, http.StatusBadRequest, "invalid "+headerCaller+" header")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *Server) checkIdempotency(r *http.Request, recordType string) (int64, bool) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" || s.deduper == nil {
		return 0, false
	}
	return s.deduper.Check(recordType, key)
}

func (s *Server) markIdempotency(r *http.Request, recordType string, sequence int64) {
	key := r.Header.Get(headerIdempotencyKey)
	if key == "" {
		return
	}
	if s.deduper != nil {
		s.deduper.Mark(recordType, key, sequence)
	}
	if s.recorder != nil {
		if err := s.recorder.Record(r.Context(), key, recordType, sequence); err != nil {
			s.log.Warn().Err(err).Str("client_key", key).Msg("record request key failed")
		}
	}
}

// writePipelineError maps vault sentinel errors to HTTP statuses.
func (s *Server) writePipelineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vault.ErrZeroDeposit),
		errors.Is(err, vault.ErrZeroWithdrawal):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, vault.ErrUnauthorized):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, vault.ErrInsufficientAllowance),
		errors.Is(err, vault.ErrInsufficientShares),
		errors.Is(err, vault.ErrInsufficientPostWithdrawalBalance):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, vault.ErrStakingYieldedNothing),
		errors.Is(err, vault.ErrCompoundingDidNotIncreaseAssets),
		errors.Is(err, vault.ErrZeroValuation):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.log.Error().Err(err).Msg("pipeline failed")
		s.writeError(w, http.StatusBadGateway, "venue call failed")
	}
}

func (s *Server) queryError(w http.ResponseWriter, endpoint string, err error) {
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, "db").Inc()
	}
	s.log.Error().Err(err).Str("endpoint", endpoint).Msg("query failed")
	s.writeError(w, http.StatusInternalServerError, "query failed")
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("encode response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func parseAmount(raw string) (*big.Int, bool) {
	if raw == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(raw, 10)
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}
