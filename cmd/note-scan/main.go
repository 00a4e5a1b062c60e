package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/juno-intents/shielded-pool/internal/eventbus"
	"github.com/juno-intents/shielded-pool/internal/field"
	"github.com/juno-intents/shielded-pool/internal/note"
	"github.com/juno-intents/shielded-pool/internal/secrets"
)

type noteDoc struct {
	Index      uint64    `json:"index"`
	Asset      string    `json:"asset,omitempty"`
	Mint       string    `json:"mint"`
	Amount     uint64    `json:"amount"`
	Blinding   string    `json:"blinding"`
	Commitment string    `json:"commitment"`
	Nullifier  string    `json:"nullifier"`
	Proof      *proofDoc `json:"proof,omitempty"`
	ProofError string    `json:"proofError,omitempty"`
}

type proofDoc struct {
	Root         string   `json:"root"`
	PathElements []string `json:"pathElements"`
	PathIndices  []int    `json:"pathIndices"`
}

// scanErrorDoc is an output that decrypted under the wallet but could not
// be decoded into notes.
type scanErrorDoc struct {
	Index uint64 `json:"index"`
	Error string `json:"error"`
}

type outputDoc struct {
	Version        string         `json:"version"`
	Owner          string         `json:"owner"`
	ScannedOutputs int            `json:"scannedOutputs"`
	Notes          []noteDoc      `json:"notes"`
	Errors         []scanErrorDoc `json:"errors,omitempty"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := runMain(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runMain(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	var (
		keypairFile string
		indexerURL  string
		pageSize    uint64
		withProofs  bool
		timeout     time.Duration

		followDriver  string
		followBrokers string
		followTopic   string
		followGroup   string
		followTLS     bool
	)
	fs := flag.NewFlagSet("note-scan", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&keypairFile, "keypair", "", "wallet keypair file (JSON byte array or base58)")
	fs.StringVar(&indexerURL, "indexer-url", "http://127.0.0.1:8080", "shield-indexer base URL")
	fs.Uint64Var(&pageSize, "page-size", 1000, "encrypted outputs per request")
	fs.BoolVar(&withProofs, "proofs", true, "fetch the current Merkle path of every owned note")
	fs.DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")
	fs.StringVar(&followDriver, "follow-driver", "", "after the initial scan, follow new commitments (kafka|stdio)")
	fs.StringVar(&followBrokers, "follow-brokers", "", "comma-separated kafka brokers for --follow-driver=kafka")
	fs.StringVar(&followTopic, "follow-topic", eventbus.DefaultCommitmentTopic, "commitment event topic")
	fs.StringVar(&followGroup, "follow-group", "note-scan", "kafka consumer group")
	fs.BoolVar(&followTLS, "follow-tls", false, "use TLS for kafka")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if keypairFile == "" {
		return errors.New("--keypair is required")
	}
	if pageSize == 0 || timeout <= 0 {
		return errors.New("--page-size and --timeout must be > 0")
	}
	base, err := url.Parse(strings.TrimRight(indexerURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return fmt.Errorf("invalid --indexer-url %q", indexerURL)
	}

	var feed *eventbus.CommitmentFeed
	if followDriver != "" {
		sub, err := eventbus.NewSubscriber(eventbus.SubscriberConfig{
			Driver:  followDriver,
			Brokers: eventbus.SplitCommaList(followBrokers),
			Group:   followGroup,
			Topic:   followTopic,
			TLS:     followTLS,
			Reader:  stdin,
		})
		if err != nil {
			return err
		}
		feed, err = eventbus.NewCommitmentFeed(sub, nil)
		if err != nil {
			return err
		}
		defer func() { _ = feed.Close() }()
	}

	raw, err := os.ReadFile(keypairFile)
	if err != nil {
		return fmt.Errorf("read keypair file: %w", err)
	}
	key, err := secrets.ParseKeypair(raw)
	if err != nil {
		return err
	}
	wallet, err := note.OpenWallet(note.KeypairSigner{Key: key}, nil)
	if err != nil {
		return err
	}

	c := &client{base: base.String(), hc: &http.Client{Timeout: timeout}}
	blobs, indexes, err := c.encryptedOutputs(ctx, pageSize)
	if err != nil {
		return err
	}

	doc := outputDoc{
		Version:        "v1",
		Owner:          field.String(wallet.Keypair.PublicKey()),
		ScannedOutputs: len(blobs),
		Notes:          []noteDoc{},
	}
	seen := make(map[uint64]bool)
	notes, scanErr := wallet.Scan(blobs)
	doc.Errors = scanErrors(scanErr, indexes)
	for _, n := range notes {
		nd, err := c.document(ctx, n, wallet.Registry, withProofs)
		if err != nil {
			return err
		}
		seen[nd.Index] = true
		doc.Notes = append(doc.Notes, nd)
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil || feed == nil {
		return err
	}

	// Follow mode: one compact JSON line per newly found note.
	lines := json.NewEncoder(stdout)
	for {
		rec, err := feed.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("follow commitments: %w", err)
		}
		notes, scanErr := wallet.Scan([][]byte{rec.EncryptedOutput})
		for _, e := range scanErrors(scanErr, []uint64{rec.Index}) {
			if err := lines.Encode(e); err != nil {
				return err
			}
		}
		for _, n := range notes {
			if seen[n.Index] {
				continue
			}
			nd, err := c.document(ctx, n, wallet.Registry, withProofs)
			if err != nil {
				return err
			}
			seen[nd.Index] = true
			if err := lines.Encode(nd); err != nil {
				return err
			}
		}
	}
}

// scanErrors maps the blob positions of err's *note.ScanError values to
// leaf indexes.
func scanErrors(err error, indexes []uint64) []scanErrorDoc {
	if err == nil {
		return nil
	}
	errs := []error{err}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		errs = j.Unwrap()
	}
	out := make([]scanErrorDoc, 0, len(errs))
	for _, e := range errs {
		d := scanErrorDoc{Error: e.Error()}
		var se *note.ScanError
		if errors.As(e, &se) && se.Blob < len(indexes) {
			d.Index = indexes[se.Blob]
			d.Error = se.Err.Error()
		}
		out = append(out, d)
	}
	return out
}

func (c *client) document(ctx context.Context, n *note.Note, reg *note.Registry, withProof bool) (noteDoc, error) {
	nd, err := describe(n, reg)
	if err != nil || !withProof {
		return nd, err
	}
	p, err := c.proof(ctx, nd.Commitment)
	if err != nil {
		nd.ProofError = err.Error()
	} else {
		nd.Proof = p
	}
	return nd, nil
}

func describe(n *note.Note, reg *note.Registry) (noteDoc, error) {
	cm, err := n.Commitment()
	if err != nil {
		return noteDoc{}, fmt.Errorf("note %d: commitment: %w", n.Index, err)
	}
	nf, err := n.Nullifier()
	if err != nil {
		return noteDoc{}, fmt.Errorf("note %d: nullifier: %w", n.Index, err)
	}
	d := noteDoc{
		Index:      n.Index,
		Mint:       n.Mint.String(),
		Amount:     n.Amount,
		Blinding:   field.String(n.Blinding),
		Commitment: field.String(cm),
		Nullifier:  field.String(nf),
	}
	if a, err := reg.Resolve(note.TagOf(n.Mint)); err == nil {
		d.Asset = a.Symbol
	}
	return d, nil
}

type client struct {
	base string
	hc   *http.Client
}

type errStatus struct {
	code int
	body string
}

func (e *errStatus) Error() string { return fmt.Sprintf("http %d: %s", e.code, e.body) }

// getJSON retries transport errors and 5xx responses; 4xx is final.
func (c *client) getJSON(ctx context.Context, path string, out any) error {
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			e := &errStatus{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
			if resp.StatusCode < 500 {
				return backoff.Permanent(e)
			}
			return e
		}
		if err := json.Unmarshal(body, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode %s: %w", path, err))
		}
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx))
}

type outputsPage struct {
	EncryptedOutputs []struct {
		Index uint64        `json:"index"`
		Data  hexutil.Bytes `json:"data"`
	} `json:"encryptedOutputs"`
	End     uint64 `json:"end"`
	HasMore bool   `json:"hasMore"`
}

// encryptedOutputs returns every distinct output and the leaf index it was
// reported at.
func (c *client) encryptedOutputs(ctx context.Context, pageSize uint64) ([][]byte, []uint64, error) {
	var (
		blobs   [][]byte
		indexes []uint64
		start   uint64
	)
	for {
		q := url.Values{}
		q.Set("start", strconv.FormatUint(start, 10))
		q.Set("end", strconv.FormatUint(start+pageSize, 10))
		var page outputsPage
		if err := c.getJSON(ctx, "/encrypted_outputs?"+q.Encode(), &page); err != nil {
			return nil, nil, fmt.Errorf("fetch encrypted outputs: %w", err)
		}
		for _, o := range page.EncryptedOutputs {
			blobs = append(blobs, o.Data)
			indexes = append(indexes, o.Index)
		}
		if !page.HasMore || page.End <= start {
			return blobs, indexes, nil
		}
		start = page.End
	}
}

func (c *client) proof(ctx context.Context, commitment string) (*proofDoc, error) {
	var p proofDoc
	if err := c.getJSON(ctx, "/proof/"+url.PathEscape(commitment), &p); err != nil {
		return nil, err
	}
	return &p, nil
}
