package priceOracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/yieldledger/yieldledger/pkg/types/numbers"
	"go.uber.org/zap"
)

// PriceSubmitter hands a fetched price to the ledger.
type PriceSubmitter func(ctx context.Context, price *big.Int) error

type priceResponse struct {
	Price string `json:"price"`
}

// HttpPriceFeed polls a JSON endpoint of the form {"price": "0.0061"} and submits each
// price it reads.
type HttpPriceFeed struct {
	url          string
	pollInterval time.Duration
	httpClient   *http.Client
	clock        clockwork.Clock
	submit       PriceSubmitter
	logger       *zap.Logger
}

func NewHttpPriceFeed(
	url string,
	pollInterval time.Duration,
	httpClient *http.Client,
	clock clockwork.Clock,
	submit PriceSubmitter,
	l *zap.Logger,
) *HttpPriceFeed {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &HttpPriceFeed{
		url:          url,
		pollInterval: pollInterval,
		httpClient:   httpClient,
		clock:        clock,
		submit:       submit,
		logger:       l,
	}
}

func (f *HttpPriceFeed) FetchPrice(ctx context.Context) (*big.Int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read price response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("price endpoint returned %d: %s", res.StatusCode, string(body))
	}

	parsed := &priceResponse{}
	if err := json.Unmarshal(body, parsed); err != nil {
		return nil, fmt.Errorf("failed to decode price response: %w", err)
	}
	price, err := numbers.ParseFixedPoint(parsed.Price)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}
	return price, nil
}

// Poll fetches and submits a single price.
func (f *HttpPriceFeed) Poll(ctx context.Context) error {
	price, err := f.FetchPrice(ctx)
	if err != nil {
		return err
	}
	return f.submit(ctx, price)
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on the next tick.
func (f *HttpPriceFeed) Run(ctx context.Context) error {
	ticker := f.clock.NewTicker(f.pollInterval)
	defer ticker.Stop()

	f.logger.Info("Starting price feed",
		zap.String("url", f.url),
		zap.Duration("pollInterval", f.pollInterval),
	)
	if err := f.Poll(ctx); err != nil {
		f.logger.Warn("Failed to poll price", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := f.Poll(ctx); err != nil {
				f.logger.Warn("Failed to poll price", zap.Error(err))
			}
		}
	}
}
