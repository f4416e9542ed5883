package txn

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/replisync/replisync/internal/auth"
	"github.com/replisync/replisync/internal/core/observability/log"
	"github.com/replisync/replisync/internal/core/record"
)

// Status classifies a submission outcome.
type Status int

const (
	// StatusAccepted: the server acknowledged the transaction.
	StatusAccepted Status = iota
	// StatusRejected: the server answered with an error status. Definitive;
	// the transaction will not be retried.
	StatusRejected
	// StatusUnreachable: no response at all. Transient; the transaction stays
	// queued.
	StatusUnreachable
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Sender submits one transaction. *Submitter is the production
// implementation.
type Sender interface {
	Submit(ctx context.Context, tx Transaction) (Status, error)
}

// Fetcher re-fetches authoritative records for rollback.
type Fetcher interface {
	FetchRecords(ctx context.Context, pointers []record.Pointer) (record.Map, error)
}

// SubmitterConfig holds the HTTP endpoints the submitter talks to.
type SubmitterConfig struct {
	// SubmitURL receives serialized transactions via POST.
	SubmitURL string
	// FetchURL receives {"pointers": [...]} via POST and returns a record map.
	FetchURL string

	RequestTimeout time.Duration
}

// DefaultSubmitterConfig returns the production defaults, minus the URLs.
func DefaultSubmitterConfig() SubmitterConfig {
	return SubmitterConfig{RequestTimeout: 15 * time.Second}
}

// Submitter talks to the submit-transaction and fetch-records endpoints with
// a bearer token. Concurrent rollback re-fetches for the same pointer set are
// collapsed into one request.
type Submitter struct {
	cfg    SubmitterConfig
	client *http.Client
	tokens auth.TokenProvider
	log    log.Log
	fetch  singleflight.Group
}

var (
	_ Sender  = (*Submitter)(nil)
	_ Fetcher = (*Submitter)(nil)
)

// NewSubmitter creates a submitter. A nil token provider sends no
// Authorization header.
func NewSubmitter(cfg SubmitterConfig, tokens auth.TokenProvider, logger log.Log) *Submitter {
	def := DefaultSubmitterConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	return &Submitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		tokens: tokens,
		log:    logger.With(log.String("component", "txn.submitter")),
	}
}

// Submit posts one transaction. Any HTTP response classifies the outcome; the
// error is non-nil only for the unreachable case.
func (s *Submitter) Submit(ctx context.Context, tx Transaction) (Status, error) {
	body, err := json.Marshal(tx)
	if err != nil {
		return StatusRejected, errors.Wrap(err, "encode transaction")
	}

	resp, err := s.post(ctx, s.cfg.SubmitURL, body)
	if err != nil {
		return StatusUnreachable, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return StatusAccepted, nil
	}
	s.log.Warn("transaction rejected",
		log.String("transaction_id", tx.TransactionID),
		log.Int("status", resp.StatusCode))
	return StatusRejected, nil
}

type fetchRequest struct {
	Pointers []record.Pointer `json:"pointers"`
}

type fetchResponse struct {
	Records record.Map `json:"records"`
}

// FetchRecords posts the pointers to the fetch-records endpoint and returns
// the authoritative record map.
func (s *Submitter) FetchRecords(ctx context.Context, pointers []record.Pointer) (record.Map, error) {
	keys := make([]string, 0, len(pointers))
	for _, p := range pointers {
		keys = append(keys, p.Key())
	}
	sort.Strings(keys)

	v, err, _ := s.fetch.Do(strings.Join(keys, ","), func() (any, error) {
		body, err := json.Marshal(fetchRequest{Pointers: pointers})
		if err != nil {
			return nil, errors.Wrap(err, "encode fetch request")
		}
		resp, err := s.post(ctx, s.cfg.FetchURL, body)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, errors.Errorf("fetch records: status %d", resp.StatusCode)
		}
		var out fetchResponse
		if err = json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, errors.Wrap(err, "decode fetch response")
		}
		return out.Records, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(record.Map), nil
}

func (s *Submitter) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s.tokens != nil {
		token, err := s.tokens.Token(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "resolve token")
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return s.client.Do(req)
}
