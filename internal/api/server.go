// Package api serves the indexer and relayer over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"

	"github.com/juno-intents/shielded-pool/internal/commitment"
	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/indexer"
	"github.com/juno-intents/shielded-pool/internal/jobqueue"
	"github.com/juno-intents/shielded-pool/internal/merkle"
	"github.com/juno-intents/shielded-pool/internal/relayer"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const (
	CodeInvalidRange      = "invalid_range"
	CodeInvalidCommitment = "invalid_commitment"
	CodeInvalidRequest    = "invalid_request"
	CodeStaleRoot         = "stale_root"
	CodeNotFound          = "not_found"
	CodeNotReady          = "not_ready"
	CodeQueueFull         = "queue_full"
	CodeRelayerDisabled   = "relayer_disabled"
	CodeInternal          = "internal"

	DefaultPageSize = 1000
)

// Tree is the indexer state the HTTP surface reads.
type Tree interface {
	Root() (indexer.RootInfo, error)
	Proof(c *big.Int) (merkle.Path, error)
	TreeInfo() (indexer.TreeInfo, error)
	Records(ctx context.Context, start, end uint64) ([]commitment.Record, error)
	Record(ctx context.Context, index uint64) (commitment.Record, error)
	Count(ctx context.Context) (uint64, error)
	EncryptedOutputs(ctx context.Context, start, end uint64) ([]indexer.EncryptedOutput, error)
	Ping(ctx context.Context) error
}

type Queue interface {
	Submit(req jobqueue.Request) (jobqueue.Job, bool, error)
	Status(id string) (jobqueue.Job, error)
	Stats() jobqueue.Stats
	Pending() int
	Running() bool
}

// Checker applies relayer acceptance rules before a job is queued.
type Checker interface {
	Check(w *relayer.Withdraw) error
	CheckSwap(s *relayer.Swap) error
}

type Config struct {
	// MaxPageSize caps start..end ranges. Defaults to DefaultPageSize.
	MaxPageSize uint64
	CORSOrigins []string
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// PingTimeout bounds the database check in /health.
	PingTimeout time.Duration
}

type Server struct {
	cfg     Config
	tree    Tree
	queue   Queue
	checker Checker
	log     *slog.Logger
}

// New builds the HTTP handler. queue and checker may both be nil, which
// disables the relayer routes; one without the other is a config error.
func New(cfg Config, tree Tree, queue Queue, checker Checker, log *slog.Logger) (http.Handler, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", ErrInvalidConfig)
	}
	if (queue == nil) != (checker == nil) {
		return nil, fmt.Errorf("%w: queue and checker must be set together", ErrInvalidConfig)
	}
	if cfg.MaxPageSize == 0 {
		cfg.MaxPageSize = DefaultPageSize
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 3 * time.Second
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	s := &Server{cfg: cfg, tree: tree, queue: queue, checker: checker, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/root", s.handleRoot)
	r.GET("/commitments", s.handleCommitments)
	r.GET("/commitments/:index", s.handleCommitment)
	r.GET("/proof/:commitment", s.handleProof)
	r.GET("/tree/info", s.handleTreeInfo)
	r.GET("/encrypted_outputs", s.handleEncryptedOutputs)
	r.GET("/health", s.handleHealth)

	relay := r.Group("/relayer", s.requireRelayer)
	relay.POST("/withdraw", s.handleWithdraw)
	relay.POST("/swap", s.handleSwap)
	relay.GET("/status/:jobId", s.handleJobStatus)
	relay.GET("/queue/stats", s.handleQueueStats)

	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r), nil
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Error: code, Message: msg})
}

func (s *Server) internal(c *gin.Context, what string, err error) {
	if errors.Is(err, indexer.ErrNotReady) {
		abort(c, http.StatusServiceUnavailable, CodeNotReady, "tree is being rebuilt")
		return
	}
	s.log.Error(what, "path", c.FullPath(), "err", err)
	abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"took", time.Since(start),
		)
	}
}

type rootResponse struct {
	Root      string    `json:"root"`
	NextIndex uint64    `json:"nextIndex"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleRoot(c *gin.Context) {
	info, err := s.tree.Root()
	if err != nil {
		s.internal(c, "root", err)
		return
	}
	c.JSON(http.StatusOK, rootResponse{Root: field.String(info.Root), NextIndex: info.NextIndex, Timestamp: info.Timestamp})
}

// pageRange reads start/end query params. Missing end means one full page.
func (s *Server) pageRange(c *gin.Context) (start, end uint64, ok bool) {
	parse := func(name string) (uint64, bool, error) {
		raw, present := c.GetQuery(name)
		if !present || raw == "" {
			return 0, false, nil
		}
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, true, fmt.Errorf("%s must be a non-negative integer", name)
		}
		return v, true, nil
	}
	start, _, err := parse("start")
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRange, err.Error())
		return 0, 0, false
	}
	end, hasEnd, err := parse("end")
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRange, err.Error())
		return 0, 0, false
	}
	if !hasEnd {
		end = addSat(start, s.cfg.MaxPageSize)
	}
	if start > end {
		abort(c, http.StatusBadRequest, CodeInvalidRange, "start must not exceed end")
		return 0, 0, false
	}
	if end-start > s.cfg.MaxPageSize {
		end = start + s.cfg.MaxPageSize
	}
	return start, end, true
}

// addSat adds without wrapping past math.MaxUint64.
func addSat(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

type recordJSON struct {
	Commitment      string        `json:"commitment"`
	Index           uint64        `json:"index"`
	Slot            uint64        `json:"slot"`
	Signature       string        `json:"signature,omitempty"`
	EncryptedOutput hexutil.Bytes `json:"encryptedOutput,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
}

func toRecordJSON(r commitment.Record) recordJSON {
	return recordJSON{
		Commitment:      r.CommitmentString(),
		Index:           r.Index,
		Slot:            r.Slot,
		Signature:       r.Signature,
		EncryptedOutput: r.EncryptedOutput,
		CreatedAt:       r.CreatedAt,
	}
}

type commitmentsResponse struct {
	Commitments []recordJSON `json:"commitments"`
	Count       int          `json:"count"`
	Total       uint64       `json:"total"`
	Start       uint64       `json:"start"`
	End         uint64       `json:"end"`
	HasMore     bool         `json:"hasMore"`
}

func (s *Server) handleCommitments(c *gin.Context) {
	start, end, ok := s.pageRange(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	recs, err := s.tree.Records(ctx, start, end)
	if err != nil {
		s.internal(c, "list commitments", err)
		return
	}
	total, err := s.tree.Count(ctx)
	if err != nil {
		s.internal(c, "count commitments", err)
		return
	}
	out := commitmentsResponse{Commitments: make([]recordJSON, 0, len(recs)), Total: total, Start: start, End: end}
	for _, r := range recs {
		out.Commitments = append(out.Commitments, toRecordJSON(r))
	}
	out.Count = len(out.Commitments)
	if info, err := s.tree.Root(); err == nil {
		out.HasMore = end < info.NextIndex
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCommitment(c *gin.Context) {
	idx, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRange, "index must be a non-negative integer")
		return
	}
	rec, err := s.tree.Record(c.Request.Context(), idx)
	if errors.Is(err, commitment.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no commitment at index %d", idx))
		return
	}
	if err != nil {
		s.internal(c, "get commitment", err)
		return
	}
	c.JSON(http.StatusOK, toRecordJSON(rec))
}

type proofResponse struct {
	Commitment   string   `json:"commitment"`
	Index        uint64   `json:"index"`
	Root         string   `json:"root"`
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
}

func (s *Server) handleProof(c *gin.Context) {
	cm, err := field.Parse(c.Param("commitment"))
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidCommitment, err.Error())
		return
	}
	path, err := s.tree.Proof(cm)
	if errors.Is(err, indexer.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, "commitment not in tree")
		return
	}
	if err != nil {
		s.internal(c, "proof", err)
		return
	}
	out := proofResponse{
		Commitment:   field.String(cm),
		Index:        path.Index,
		PathElements: make([]string, len(path.PathElements)),
		PathIndices:  make([]int, len(path.PathIndices)),
	}
	for i, e := range path.PathElements {
		out.PathElements[i] = field.String(e)
	}
	for i, b := range path.PathIndices {
		out.PathIndices[i] = int(b)
	}
	if info, err := s.tree.Root(); err == nil {
		out.Root = field.String(info.Root)
	}
	c.JSON(http.StatusOK, out)
}

type treeInfoResponse struct {
	Levels          int       `json:"levels"`
	Capacity        uint64    `json:"capacity"`
	NextIndex       uint64    `json:"nextIndex"`
	Records         uint64    `json:"records"`
	Root            string    `json:"root"`
	RootHistorySize int       `json:"rootHistorySize"`
	KnownRoots      []string  `json:"knownRoots"`
	RebuiltAt       time.Time `json:"rebuiltAt"`
}

func (s *Server) handleTreeInfo(c *gin.Context) {
	info, err := s.tree.TreeInfo()
	if err != nil {
		s.internal(c, "tree info", err)
		return
	}
	out := treeInfoResponse{
		Levels:          info.Levels,
		Capacity:        info.Capacity,
		NextIndex:       info.NextIndex,
		Records:         info.Records,
		Root:            field.String(info.Root),
		RootHistorySize: info.RootHistorySize,
		KnownRoots:      make([]string, len(info.KnownRoots)),
		RebuiltAt:       info.RebuiltAt,
	}
	for i, r := range info.KnownRoots {
		out.KnownRoots[i] = field.String(r)
	}
	c.JSON(http.StatusOK, out)
}

type encryptedOutputJSON struct {
	Index uint64        `json:"index"`
	Data  hexutil.Bytes `json:"data"`
}

type encryptedOutputsResponse struct {
	EncryptedOutputs []encryptedOutputJSON `json:"encryptedOutputs"`
	Count            int                   `json:"count"`
	Start            uint64                `json:"start"`
	End              uint64                `json:"end"`
	HasMore          bool                  `json:"hasMore"`
}

func (s *Server) handleEncryptedOutputs(c *gin.Context) {
	start, end, ok := s.pageRange(c)
	if !ok {
		return
	}
	outs, err := s.tree.EncryptedOutputs(c.Request.Context(), start, end)
	if err != nil {
		s.internal(c, "encrypted outputs", err)
		return
	}
	resp := encryptedOutputsResponse{EncryptedOutputs: make([]encryptedOutputJSON, 0, len(outs)), Start: start, End: end}
	for _, o := range outs {
		resp.EncryptedOutputs = append(resp.EncryptedOutputs, encryptedOutputJSON{Index: o.Index, Data: o.Blob})
	}
	resp.Count = len(resp.EncryptedOutputs)
	if info, err := s.tree.Root(); err == nil {
		resp.HasMore = end < info.NextIndex
	}
	c.JSON(http.StatusOK, resp)
}

type relayerHealth struct {
	Enabled       bool `json:"enabled"`
	WorkerRunning bool `json:"workerRunning"`
	Pending       int  `json:"pending"`
}

type healthResponse struct {
	Status   string        `json:"status"`
	Database string        `json:"database"`
	Tree     string        `json:"tree"`
	Relayer  relayerHealth `json:"relayer"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.PingTimeout)
	defer cancel()

	out := healthResponse{Status: "ok", Database: "ok", Tree: "ready"}
	status := http.StatusOK
	if err := s.tree.Ping(ctx); err != nil {
		s.log.Warn("health: database ping", "err", err)
		out.Status, out.Database = "unavailable", "unreachable"
		status = http.StatusServiceUnavailable
	}
	if _, err := s.tree.Root(); err != nil {
		out.Tree = "rebuilding"
		if status == http.StatusOK {
			out.Status = "degraded"
		}
	}
	if s.queue != nil {
		out.Relayer = relayerHealth{Enabled: true, WorkerRunning: s.queue.Running(), Pending: s.queue.Pending()}
	}
	c.JSON(status, out)
}

func (s *Server) requireRelayer(c *gin.Context) {
	if s.queue == nil {
		abort(c, http.StatusServiceUnavailable, CodeRelayerDisabled, "relaying is disabled on this server")
		return
	}
	c.Next()
}

type submitResponse struct {
	Success   bool   `json:"success"`
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Server) handleWithdraw(c *gin.Context) {
	var body relayer.WithdrawBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	w, err := relayer.ParseWithdraw(body)
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := s.checker.Check(w); err != nil {
		s.rejectCheck(c, err)
		return
	}
	s.enqueue(c, w)
}

func (s *Server) handleSwap(c *gin.Context) {
	var body relayer.SwapBody
	if err := c.ShouldBindJSON(&body); err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	sw, err := relayer.ParseSwap(body)
	if err != nil {
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}
	if err := s.checker.CheckSwap(sw); err != nil {
		s.rejectCheck(c, err)
		return
	}
	s.enqueue(c, sw)
}

func (s *Server) rejectCheck(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relayer.ErrStaleRoot):
		abort(c, http.StatusBadRequest, CodeStaleRoot, err.Error())
	case errors.Is(err, relayer.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	default:
		s.internal(c, "relayer check", err)
	}
}

func (s *Server) enqueue(c *gin.Context, req jobqueue.Request) {
	job, created, err := s.queue.Submit(req)
	switch {
	case errors.Is(err, jobqueue.ErrQueueFull):
		abort(c, http.StatusServiceUnavailable, CodeQueueFull, err.Error())
		return
	case errors.Is(err, jobqueue.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	case err != nil:
		s.internal(c, "submit job", err)
		return
	}
	if created {
		s.log.Info("relay job queued", "job_id", job.ID, "type", job.Type, "proof_hash", job.ProofHash)
	}
	c.JSON(http.StatusAccepted, submitResponse{
		Success:   true,
		JobID:     job.ID,
		StatusURL: "/relayer/status/" + job.ID,
		Duplicate: !created,
	})
}

func (s *Server) handleJobStatus(c *gin.Context) {
	job, err := s.queue.Status(c.Param("jobId"))
	if errors.Is(err, jobqueue.ErrNotFound) {
		abort(c, http.StatusNotFound, CodeNotFound, "unknown job")
		return
	}
	if err != nil {
		s.internal(c, "job status", err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) handleQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.queue.Stats())
}
