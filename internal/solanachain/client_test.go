package solanachain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var testProgram = solana.MustPublicKeyFromBase58("9fhQBbumKEFuXtMBDw8AaQyAjCorLGJQiS3skWZdQyQD")

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// newRPCServer answers each JSON-RPC method with the result returned by fn.
func newRPCServer(t *testing.T, fn func(method string, params []json.RawMessage) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  fn(req.Method, req.Params),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sig(b byte) solana.Signature {
	var s solana.Signature
	for i := range s {
		s[i] = b
	}
	return s
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	if _, err := New("", testProgram); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty url: %v", err)
	}
	if _, err := New("http://x", solana.PublicKey{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("zero program: %v", err)
	}
	if _, err := New("http://x", testProgram, WithCommitment(rpc.CommitmentProcessed)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("processed commitment: %v", err)
	}
	if _, err := New("http://x", testProgram, WithWebsocketURL("")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("empty ws url: %v", err)
	}
}

func TestWebsocketURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"https://api.mainnet-beta.solana.com": "wss://api.mainnet-beta.solana.com",
		"http://127.0.0.1:8899":               "ws://127.0.0.1:8899",
		"ws://already":                        "ws://already",
	}
	for in, want := range cases {
		if got := websocketURL(in); got != want {
			t.Fatalf("websocketURL(%q): got %q want %q", in, got, want)
		}
	}
}

func TestSignatures_MapsEntries(t *testing.T) {
	t.Parallel()

	before := sig(9)
	srv := newRPCServer(t, func(method string, params []json.RawMessage) any {
		if method != "getSignaturesForAddress" {
			t.Errorf("method: %s", method)
		}
		if len(params) != 2 || !strings.Contains(string(params[1]), before.String()) {
			t.Errorf("params: %s", params)
		}
		return []map[string]any{
			{"signature": sig(1).String(), "slot": 10, "err": nil},
			{"signature": sig(2).String(), "slot": 9, "err": map[string]any{"InstructionError": []any{0, "Custom"}}},
		}
	})
	c, err := New(srv.URL, testProgram)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.Signatures(context.Background(), before.String(), 50)
	if err != nil {
		t.Fatalf("Signatures: %v", err)
	}
	if len(got) != 2 || got[0].Signature != sig(1).String() || got[0].Slot != 10 || got[0].Failed || !got[1].Failed {
		t.Fatalf("signatures: %+v", got)
	}
}

func TestTransaction_LogsAndFailure(t *testing.T) {
	t.Parallel()

	srv := newRPCServer(t, func(method string, _ []json.RawMessage) any {
		if method != "getTransaction" {
			t.Errorf("method: %s", method)
		}
		return map[string]any{
			"slot":        77,
			"transaction": nil,
			"meta": map[string]any{
				"err":          map[string]any{"InstructionError": []any{0, map[string]any{"Custom": 1}}},
				"fee":          5000,
				"logMessages":  []string{"Program log: hi", "Program data: AAAA"},
				"preBalances":  []uint64{},
				"postBalances": []uint64{},
			},
		}
	})
	c, _ := New(srv.URL, testProgram)
	tx, err := c.Transaction(context.Background(), sig(3).String())
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if tx.Slot != 77 || !tx.Failed || len(tx.Logs) != 2 || tx.Signature != sig(3).String() {
		t.Fatalf("tx: %+v", tx)
	}

	if _, err := c.Transaction(context.Background(), "not base58 !"); err == nil {
		t.Fatalf("expected error for bad signature")
	}
}

func TestAccountExists(t *testing.T) {
	t.Parallel()

	present := solana.SystemProgramID
	srv := newRPCServer(t, func(method string, params []json.RawMessage) any {
		if method != "getAccountInfo" {
			t.Errorf("method: %s", method)
		}
		if strings.Contains(string(params[0]), present.String()) {
			return map[string]any{
				"context": map[string]any{"slot": 1},
				"value": map[string]any{
					"lamports": 1, "owner": solana.SystemProgramID.String(), "executable": false,
					"rentEpoch": 0, "data": []string{"", "base64"},
				},
			}
		}
		return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}
	})
	c, _ := New(srv.URL, testProgram)

	ok, err := c.AccountExists(context.Background(), present)
	if err != nil || !ok {
		t.Fatalf("present: ok=%v err=%v", ok, err)
	}
	ok, err = c.AccountExists(context.Background(), testProgram)
	if err != nil || ok {
		t.Fatalf("absent: ok=%v err=%v", ok, err)
	}
}

func TestSignatureStatus(t *testing.T) {
	t.Parallel()

	var calls int
	srv := newRPCServer(t, func(method string, _ []json.RawMessage) any {
		if method != "getSignatureStatuses" {
			t.Errorf("method: %s", method)
		}
		calls++
		ctx := map[string]any{"slot": 20}
		switch calls {
		case 1:
			return map[string]any{"context": ctx, "value": []any{nil}}
		case 2:
			return map[string]any{"context": ctx, "value": []any{map[string]any{
				"slot": 15, "confirmations": 1, "err": nil, "confirmationStatus": "confirmed",
			}}}
		default:
			return map[string]any{"context": ctx, "value": []any{map[string]any{
				"slot": 16, "confirmations": nil, "err": map[string]any{"InstructionError": []any{1, map[string]any{"Custom": 6001}}}, "confirmationStatus": "finalized",
			}}}
		}
	})
	c, _ := New(srv.URL, testProgram)
	ctx := context.Background()

	st, err := c.SignatureStatus(ctx, sig(4))
	if err != nil || st != nil {
		t.Fatalf("unknown: st=%+v err=%v", st, err)
	}
	st, err = c.SignatureStatus(ctx, sig(4))
	if err != nil || st == nil || st.Slot != 15 || st.Confirmation != "confirmed" || st.Err != nil {
		t.Fatalf("confirmed: st=%+v err=%v", st, err)
	}
	st, err = c.SignatureStatus(ctx, sig(4))
	if err != nil || st == nil || st.Err == nil {
		t.Fatalf("failed: st=%+v err=%v", st, err)
	}
	if !strings.Contains(st.Err.Error(), `"Custom":6001`) {
		t.Fatalf("error text: %v", st.Err)
	}
}
