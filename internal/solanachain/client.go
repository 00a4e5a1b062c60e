// Package solanachain adapts the Solana JSON-RPC and websocket APIs to the
// indexer's history and live sources and to the relayer's chain client.
package solanachain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
	addresslookuptable "github.com/gagliardetto/solana-go/programs/address-lookup-table"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/ws"

	"github.com/juno-intents/shielded-pool/internal/indexer"
	"github.com/juno-intents/shielded-pool/internal/relayer"
)

var (
	ErrInvalidConfig = errors.New("solanachain: invalid config")
	ErrTxNotFound    = errors.New("solanachain: transaction not found")
)

type Option func(*Client) error

// WithWebsocketURL sets the pubsub endpoint. Without it the URL is derived
// from the RPC URL by swapping the scheme.
func WithWebsocketURL(u string) Option {
	return func(c *Client) error {
		if u == "" {
			return fmt.Errorf("%w: empty websocket url", ErrInvalidConfig)
		}
		c.wsURL = u
		return nil
	}
}

func WithCommitment(ct rpc.CommitmentType) Option {
	return func(c *Client) error {
		switch ct {
		case rpc.CommitmentConfirmed, rpc.CommitmentFinalized:
			c.commitment = ct
			return nil
		default:
			return fmt.Errorf("%w: unsupported commitment %q", ErrInvalidConfig, ct)
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) error {
		if log != nil {
			c.log = log
		}
		return nil
	}
}

type Client struct {
	rpc        *rpc.Client
	program    solana.PublicKey
	wsURL      string
	commitment rpc.CommitmentType
	log        *slog.Logger
}

var (
	_ indexer.HistorySource = (*Client)(nil)
	_ indexer.LiveSource    = (*Client)(nil)
	_ relayer.ChainClient   = (*Client)(nil)
)

func New(rpcURL string, program solana.PublicKey, opts ...Option) (*Client, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: empty rpc url", ErrInvalidConfig)
	}
	if program.IsZero() {
		return nil, fmt.Errorf("%w: program id required", ErrInvalidConfig)
	}
	c := &Client{
		rpc:        rpc.New(rpcURL),
		program:    program,
		wsURL:      websocketURL(rpcURL),
		commitment: rpc.CommitmentConfirmed,
		log:        slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func websocketURL(rpcURL string) string {
	switch {
	case strings.HasPrefix(rpcURL, "https://"):
		return "wss://" + strings.TrimPrefix(rpcURL, "https://")
	case strings.HasPrefix(rpcURL, "http://"):
		return "ws://" + strings.TrimPrefix(rpcURL, "http://")
	default:
		return rpcURL
	}
}

// Ping asks the node for its health.
func (c *Client) Ping(ctx context.Context) error {
	out, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return err
	}
	if out != rpc.HealthOk {
		return fmt.Errorf("solanachain: node health %q", out)
	}
	return nil
}

func (c *Client) Signatures(ctx context.Context, before string, limit int) ([]indexer.SignatureInfo, error) {
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &limit,
		Commitment: c.commitment,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("solanachain: before signature: %w", err)
		}
		opts.Before = sig
	}
	res, err := c.rpc.GetSignaturesForAddressWithOpts(ctx, c.program, opts)
	if err != nil {
		return nil, fmt.Errorf("solanachain: getSignaturesForAddress: %w", err)
	}
	out := make([]indexer.SignatureInfo, 0, len(res))
	for _, s := range res {
		if s == nil {
			continue
		}
		out = append(out, indexer.SignatureInfo{
			Signature: s.Signature.String(),
			Slot:      s.Slot,
			Failed:    s.Err != nil,
		})
	}
	return out, nil
}

func (c *Client) Transaction(ctx context.Context, signature string) (indexer.Transaction, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return indexer.Transaction{}, fmt.Errorf("solanachain: signature: %w", err)
	}
	maxVersion := uint64(0)
	res, err := c.rpc.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     c.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return indexer.Transaction{}, fmt.Errorf("%w: %s", ErrTxNotFound, signature)
		}
		return indexer.Transaction{}, fmt.Errorf("solanachain: getTransaction: %w", err)
	}
	if res == nil {
		return indexer.Transaction{}, fmt.Errorf("%w: %s", ErrTxNotFound, signature)
	}
	tx := indexer.Transaction{Signature: signature, Slot: res.Slot}
	if res.Meta != nil {
		tx.Logs = res.Meta.LogMessages
		tx.Failed = res.Meta.Err != nil
	}
	return tx, nil
}

// Subscribe opens a logs subscription for transactions mentioning the
// program. Each subscription owns its websocket connection.
func (c *Client) Subscribe(ctx context.Context) (indexer.Subscription, error) {
	conn, err := ws.Connect(ctx, c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("solanachain: websocket connect: %w", err)
	}
	sub, err := conn.LogsSubscribeMentions(c.program, c.commitment)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("solanachain: logsSubscribe: %w", err)
	}
	c.log.Info("logs subscription opened", "program", c.program.String())
	return &logSubscription{conn: conn, sub: sub}, nil
}

type logSubscription struct {
	conn *ws.Client
	sub  *ws.LogSubscription
}

func (s *logSubscription) Recv(ctx context.Context) (indexer.Transaction, error) {
	res, err := s.sub.Recv(ctx)
	if err != nil {
		return indexer.Transaction{}, err
	}
	if res == nil {
		return indexer.Transaction{}, errors.New("solanachain: empty log notification")
	}
	return fromLogResult(res), nil
}

func (s *logSubscription) Close() {
	s.sub.Unsubscribe()
	s.conn.Close()
}

func fromLogResult(res *ws.LogResult) indexer.Transaction {
	return indexer.Transaction{
		Signature: res.Value.Signature.String(),
		Slot:      res.Context.Slot,
		Logs:      res.Value.Logs,
		Failed:    res.Value.Err != nil,
	}
}

func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, err
	}
	if res == nil || res.Value == nil {
		return solana.Hash{}, errors.New("solanachain: empty blockhash response")
	}
	return res.Value.Blockhash, nil
}

func (c *Client) AccountExists(ctx context.Context, pk solana.PublicKey) (bool, error) {
	_, err := c.rpc.GetAccountInfoWithOpts(ctx, pk, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		DataSlice:  &rpc.DataSlice{Offset: ptr(uint64(0)), Length: ptr(uint64(0))},
	})
	if errors.Is(err, rpc.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) LookupTable(ctx context.Context, pk solana.PublicKey) (solana.PublicKeySlice, error) {
	state, err := addresslookuptable.GetAddressLookupTable(ctx, c.rpc, pk)
	if err != nil {
		return nil, err
	}
	return state.Addresses, nil
}

func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	return c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: c.commitment,
	})
}

func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*relayer.TxStatus, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	v := res.Value[0]
	st := &relayer.TxStatus{Slot: v.Slot, Confirmation: string(v.ConfirmationStatus)}
	if v.Err != nil {
		st.Err = txError(v.Err)
	}
	return st, nil
}

// txError renders a transaction error as the node reported it.
func txError(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transaction failed: %v", v)
	}
	return fmt.Errorf("transaction failed: %s", b)
}

func ptr[T any](v T) *T { return &v }
