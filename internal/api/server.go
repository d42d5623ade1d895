package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"AgentProof-Chain/internal/agent"
	"AgentProof-Chain/internal/auth"
	xerrors "AgentProof-Chain/internal/errors"
	"AgentProof-Chain/internal/observability/metrics"
	"AgentProof-Chain/internal/proofs"
	"AgentProof-Chain/internal/task"
	"AgentProof-Chain/internal/web3"
	"AgentProof-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

// JobService 是 API 所需的任务能力。
type JobService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (*task.Job, error)
	Get(ctx context.Context, id string) (*task.Job, error)
	List(ctx context.Context, opts ...task.ListOption) ([]*task.Job, error)
	Stats(ctx context.Context, opts ...task.ListOption) (task.JobStats, error)
}

// ProofService 是 API 所需的证明查询与链上能力。
type ProofService interface {
	Get(ctx context.Context, id string) (*agent.Result, error)
	FindByRoot(ctx context.Context, root string) ([]agent.Result, error)
	ListHistory(ctx context.Context, limit int) ([]agent.Result, error)
	Verify(ctx context.Context, proof *proofs.Proof, expected common.Address) (proofs.Result, error)
	VerifyOnChain(ctx context.Context, chain string, hookData []byte) (bool, error)
	ChainSnapshot(ctx context.Context, chain string) (web3.ChainSnapshot, error)
	AgentRecord(ctx context.Context, chain string, addr common.Address) (web3.AgentRecord, error)
}

// Server 负责暴露 REST 接口，供外部提交决策并查询、验证证明。
type Server struct {
	addr    string
	jobs    JobService
	proofs  ProofService
	metrics bool
	auth    *auth.Service
	logger  *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 控制是否在同一端口暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metrics = enabled
	}
}

// WithAuth 为 /api/v1 路由启用 API key 认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs JobService, proofService ProofService, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		jobs:    jobs,
		proofs:  proofService,
		metrics: true,
		logger:  logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回装配好路由与中间件的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	write := map[string][]string{http.MethodPost: {auth.PermProofsWrite}, "*": {auth.PermProofsRead}}
	read := map[string][]string{"*": {auth.PermProofsRead}}
	chain := map[string][]string{"*": {auth.PermChainRead}}
	routes := []struct {
		pattern string
		name    string
		handler http.HandlerFunc
		perms   map[string][]string
	}{
		{"/api/v1/proofs", "proofs", s.handleProofs, write},
		{"/api/v1/proofs/stats", "proof_stats", s.handleStats, read},
		{"/api/v1/proofs/verify", "verify", s.handleVerify, read},
		{"/api/v1/proofs/encode", "encode", s.handleEncode, read},
		{"/api/v1/proofs/", "proof_detail", s.handleProofDetail, read},
		{"/api/v1/history", "history", s.handleHistory, read},
		{"/api/v1/chain", "chain", s.handleChain, chain},
		{"/api/v1/chain/check", "chain_check", s.handleChainCheck, chain},
		{"/api/v1/chain/agent", "chain_agent", s.handleChainAgent, chain},
	}
	for _, route := range routes {
		var h http.Handler = route.handler
		if s.auth != nil {
			h = s.auth.Middleware(auth.MiddlewareConfig{RequiredPermissions: route.perms, AuditEvent: route.name})(h)
		}
		mux.Handle(route.pattern, instrument(route.name, h))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics {
		mux.Handle("/metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeMethodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	var req task.SubmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	job, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if job.Status == task.StatusSucceeded {
		status = http.StatusOK
	}
	writeJSON(w, status, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	jobs, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	opts, err := parseListOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// jobDetail 合并任务状态与已持久化的证明。
type jobDetail struct {
	*task.Job
	Proof *agent.Result `json:"proof,omitempty"`
}

func (s *Server) handleProofDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/proofs/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	if s.jobs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化"))
		return
	}
	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := jobDetail{Job: job}
	if s.proofs != nil {
		proof, err := s.proofs.Get(r.Context(), id)
		switch {
		case err == nil:
			detail.Proof = proof
		case xerrors.CodeOf(err) != xerrors.CodeNotFound:
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.proofs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化"))
		return
	}
	var (
		records []agent.Result
		err     error
	)
	if root := strings.TrimSpace(r.URL.Query().Get("root")); root != "" {
		records, err = s.proofs.FindByRoot(r.Context(), root)
	} else {
		limit := 20
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, convErr := strconv.Atoi(raw); convErr == nil && parsed > 0 {
				limit = parsed
			}
		}
		records, err = s.proofs.ListHistory(r.Context(), limit)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"proofs": records, "count": len(records)})
}

// verifyRequest 支持直接提交证明 JSON 或 hook data 两种形式。
type verifyRequest struct {
	Proof    json.RawMessage `json:"proof,omitempty"`
	HookData string          `json:"hook_data,omitempty"`
	Signer   string          `json:"signer"`
}

type verifyResponse struct {
	Valid     bool           `json:"valid"`
	Inclusion bool           `json:"inclusion"`
	Authentic bool           `json:"authentic"`
	Recovered common.Address `json:"recovered"`
	Reasoning string         `json:"reasoning,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !common.IsHexAddress(req.Signer) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "signer 必须是 20 字节十六进制地址"))
		return
	}
	proof, reasoning, err := proofFromRequest(req)
	if err != nil {
		writeError(w, err)
		return
	}

	var result proofs.Result
	if s.proofs != nil {
		result, err = s.proofs.Verify(r.Context(), proof, common.HexToAddress(req.Signer))
	} else {
		result, err = proofs.Check(proof, common.HexToAddress(req.Signer))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveVerification(result.Valid())
	writeJSON(w, http.StatusOK, verifyResponse{
		Valid:     result.Valid(),
		Inclusion: result.Inclusion,
		Authentic: result.Authentic,
		Recovered: result.Recovered,
		Reasoning: reasoning,
	})
}

func proofFromRequest(req verifyRequest) (*proofs.Proof, string, error) {
	switch {
	case len(req.Proof) > 0 && string(req.Proof) != "null":
		proof, err := proofs.ParseProof(req.Proof)
		return proof, "", err
	case strings.TrimSpace(req.HookData) != "":
		raw, err := hexutil.Decode(strings.TrimSpace(req.HookData))
		if err != nil {
			return nil, "", xerrors.Wrap(proofs.CodeMalformedProof, err, "hook_data 不是合法的十六进制")
		}
		return proofs.DecodeHookData(raw)
	default:
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "需要提供 proof 或 hook_data")
	}
}

type encodeRequest struct {
	Proof     json.RawMessage `json:"proof"`
	Reasoning string          `json:"reasoning"`
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	var req encodeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Proof) == 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "需要提供 proof"))
		return
	}
	proof, err := proofs.ParseProof(req.Proof)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := proofs.EncodeHookData(proof, req.Reasoning)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hook_data": hexutil.Encode(data)})
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.proofs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化"))
		return
	}
	snapshot, err := s.proofs.ChainSnapshot(r.Context(), r.URL.Query().Get("chain"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type chainCheckRequest struct {
	Chain    string `json:"chain,omitempty"`
	HookData string `json:"hook_data"`
}

func (s *Server) handleChainCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, http.MethodPost)
		return
	}
	if s.proofs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化"))
		return
	}
	var req chainCheckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	raw, err := hexutil.Decode(strings.TrimSpace(req.HookData))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "hook_data 不是合法的十六进制"))
		return
	}
	valid, err := s.proofs.VerifyOnChain(r.Context(), req.Chain, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

func (s *Server) handleChainAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, http.MethodGet)
		return
	}
	if s.proofs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "证明服务未初始化"))
		return
	}
	addr := r.URL.Query().Get("address")
	if !common.IsHexAddress(addr) {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "address 必须是 20 字节十六进制地址"))
		return
	}
	record, err := s.proofs.AgentRecord(r.Context(), r.URL.Query().Get("chain"), common.HexToAddress(addr))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func parseListOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	opts := make([]task.ListOption, 0, 8)

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "limit 必须是整数")
		}
		opts = append(opts, task.WithLimit(limit))
	}
	if raw := q.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "offset 必须是整数")
		}
		opts = append(opts, task.WithOffset(offset))
	}
	if raw := q.Get("status"); raw != "" {
		statuses := make([]task.Status, 0, 4)
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("未知的任务状态: %s", part))
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	for key, build := range map[string]func(time.Time) task.ListOption{
		"since": task.WithUpdatedSince,
		"until": task.WithUpdatedUntil,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须是 Unix 秒")
		}
		opts = append(opts, build(time.Unix(ts, 0)))
	}
	for key, build := range map[string]func(bool) task.ListOption{
		"has_result": task.WithResultPresence,
		"submitted":  task.WithSubmitted,
	} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" 必须是布尔值")
		}
		opts = append(opts, build(value))
	}
	if strings.EqualFold(q.Get("order"), "asc") {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	if chain := q.Get("chain"); chain != "" {
		opts = append(opts, task.WithChain(chain))
	}
	if query := q.Get("q"); query != "" {
		opts = append(opts, task.WithQuery(query))
	}
	return opts, nil
}

func decodeBody(r *http.Request, dst any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		if xerrors.CodeOf(err) != xerrors.CodeUnknown {
			return err
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

type errorBody struct {
	Code      xerrors.Code `json:"code"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusFor(code)
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", slog.Any("error", err), slog.String("code", string(code)))
	}
	writeJSON(w, status, errorBody{Code: code, Message: err.Error(), Retryable: xerrors.RetryableError(err)})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument,
		task.CodeJobValidation,
		proofs.CodeEncoding,
		proofs.CodeEmptyCandidates,
		proofs.CodeIndexOutOfRange,
		proofs.CodeInvalidDecision,
		proofs.CodeMalformedProof:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, task.CodeJobNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, task.CodeJobConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, proofs.CodeSigningUnavailable:
		return http.StatusServiceUnavailable
	case xerrors.CodeChainFailure:
		return http.StatusBadGateway
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeMethodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    xerrors.CodeInvalidArgument,
		Message: "仅支持 " + strings.Join(allowed, "/"),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument 为每个路由记录请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}
