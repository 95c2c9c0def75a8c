// Package classifier asks an external phishing classifier about pending transactions.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/quantumauth-io/quantum-go-utils/retry"
	"github.com/quantumauth-io/quantum-interceptor/internal/simulation"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

// errPermanent marks failures a retry cannot fix.
var errPermanent = errors.New("permanent classifier failure")

type Config struct {
	URL           string
	RatePerSecond float64
	Burst         int
	Timeout       time.Duration
	MaxRetries    int32
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	retryCfg   *retry.Config
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	retryCfg := retry.DefaultConfig()
	retryCfg.MaxNumRetries = cfg.MaxRetries
	retryCfg.InitialDelayBeforeRetrying = 200 * time.Millisecond
	retryCfg.MaxDelayBeforeRetrying = 2 * time.Second

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		retryCfg:   retryCfg,
	}
}

// Enabled reports whether a classifier URL is configured.
func (c *Client) Enabled() bool { return c != nil && c.baseURL != "" }

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Text string `json:"text"`
}

// ClassifyTransaction classifies tx as simulated in snap. It never fails: every error gives
// the unknown verdict.
func (c *Client) ClassifyTransaction(ctx context.Context, snap *simulation.Snapshot, tx simulation.Transaction) Verdict {
	if !c.Enabled() {
		return UnknownVerdict()
	}
	msg, err := Prompt(snap, tx)
	if err != nil {
		log.Warn("failed to build classifier prompt", "identifier", tx.Identifier.Hex(), "error", err)
		return UnknownVerdict()
	}
	return c.Classify(ctx, msg)
}

// Classify sends message to the classifier and parses its verdict.
func (c *Client) Classify(ctx context.Context, message string) Verdict {
	if !c.Enabled() {
		return UnknownVerdict()
	}
	out, err := retry.Retry(ctx, c.retryCfg,
		func(ctx context.Context) ([]interface{}, error) {
			text, err := c.chat(ctx, message)
			if err != nil {
				return nil, err
			}
			return []interface{}{text}, nil
		},
		func(err error) bool { return !errors.Is(err, errPermanent) },
		"classify transaction")
	if err != nil {
		log.Warn("classifier unavailable", "error", err)
		return UnknownVerdict()
	}
	v, err := ParseVerdict(out[0].(string))
	if err != nil {
		log.Warn("classifier answered with an unusable verdict", "error", err)
		return UnknownVerdict()
	}
	return v
}

func (c *Client) chat(ctx context.Context, message string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", errors.Mark(errors.Wrap(err, "wait for classifier rate limit"), errPermanent)
	}
	b, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return "", errors.Mark(err, errPermanent)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(b))
	if err != nil {
		return "", errors.Mark(err, errPermanent)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "classifier request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, "read classifier response")
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", errors.Newf("classifier: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", errors.Mark(errors.Newf("classifier: status %d: %s", resp.StatusCode, string(body)), errPermanent)
	}

	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", errors.Mark(errors.Wrap(err, "decode classifier response"), errPermanent)
	}
	return out.Text, nil
}

// ParseVerdict reads {safe, cause} from the classifier's text, which may surround the
// object with prose or code fences.
func ParseVerdict(text string) (Verdict, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return Verdict{}, errors.New("no JSON object in classifier text")
	}
	obj := text[start : end+1]
	if !gjson.Valid(obj) {
		return Verdict{}, errors.New("malformed JSON in classifier text")
	}
	safe := gjson.Get(obj, "safe")
	if safe.Type != gjson.True && safe.Type != gjson.False {
		return Verdict{}, errors.New("classifier verdict has no boolean safe field")
	}
	v := Verdict{Status: Unsafe, Cause: truncate(gjson.Get(obj, "cause").String(), MaxCauseLength)}
	if safe.Bool() {
		v.Status = Safe
	}
	return v, nil
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

type promptContext struct {
	Transaction    simulation.Transaction     `json:"transaction"`
	Result         *simulation.CallResult     `json:"result,omitempty"`
	BalanceChanges []simulation.BalanceChange `json:"balanceChanges"`
	Failure        *simulation.BatchFailure   `json:"failure,omitempty"`
}

// Prompt serializes the trace context of tx for the classifier.
func Prompt(snap *simulation.Snapshot, tx simulation.Transaction) (string, error) {
	pc := promptContext{Transaction: tx, BalanceChanges: []simulation.BalanceChange{}}
	if snap != nil {
		if _, res, _, ok := snap.Result(tx.Identifier); ok {
			pc.Result = &res
		}
		pc.BalanceChanges = snap.BalanceChanges
		pc.Failure = snap.Failure
	}
	b, err := json.Marshal(pc)
	if err != nil {
		return "", errors.Wrap(err, "marshal classifier context")
	}
	return fmt.Sprintf("Analyse this simulated Ethereum transaction for phishing patterns. "+
		"Answer only with a json object {\"safe\": boolean, \"cause\": string} where cause is at most %d characters.\n%s",
		MaxCauseLength, b), nil
}
