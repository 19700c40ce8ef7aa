package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"barstream/internal/model"
	"barstream/internal/utils"
)

// defaultConfig provides sensible defaults for feed connections.
var defaultConfig = Config{
	MaxSources: 20,
}

// Config holds connection parameters for a trade feed.
type Config struct {
	// Endpoint is the WebSocket endpoint delivering normalized trades.
	Endpoint string

	// Sources restricts which source identifiers are accepted; trades from
	// other sources are dropped at the edge.
	Sources []string

	// MaxSources caps the accepted source list.
	MaxSources int
}

// Feed decodes normalized trade messages from a WebSocket endpoint.
//
// The wire format is either a single trade or a batch:
//
//	{"type": "trade", "data": {...}}
//	{"type": "trades", "data": [{...}, {...}]}
//
// where each trade object carries exchange, instrument, price, size, side,
// liquidation flag and a millisecond timestamp. String-typed numerics
// preserve precision through JSON parsing.
type Feed struct {
	config   Config
	validate *validator.Validate
	accepted map[model.SourceID]bool
}

// tradeMsg is the wire shape of one normalized trade.
type tradeMsg struct {
	Exchange    string `json:"exchange" validate:"required"`
	Instrument  string `json:"instrument" validate:"required"`
	Price       string `json:"price" validate:"required,numeric"`
	Size        string `json:"size" validate:"required,numeric"`
	Side        string `json:"side" validate:"required,oneof=buy sell"`
	Liquidation bool   `json:"liquidation"`
	Timestamp   int64  `json:"timestamp" validate:"required,gt=0"`
}

// NewFeed creates a feed for the given configuration. A nil config uses the
// defaults; the source list is validated against the known-exchange set.
func NewFeed(cfg *Config) (*Feed, error) {
	if cfg == nil {
		cfg = &defaultConfig
	}
	if cfg.MaxSources <= 0 {
		cfg.MaxSources = defaultConfig.MaxSources
	}
	if len(cfg.Sources) > 0 {
		if err := utils.ValidateSources(cfg.Sources, cfg.MaxSources); err != nil {
			return nil, err
		}
	}

	accepted := make(map[model.SourceID]bool, len(cfg.Sources))
	for _, s := range cfg.Sources {
		accepted[model.SourceID(strings.ToUpper(s))] = true
	}

	return &Feed{
		config:   *cfg,
		validate: validator.New(),
		accepted: accepted,
	}, nil
}

// Subscribe connects to the feed endpoint and returns a channel of decoded
// trade batches.
func (f *Feed) Subscribe(ctx context.Context) (<-chan []model.Trade, error) {
	client, err := NewClient(ctx, ClientConfig{
		Endpoint: f.config.Endpoint,
		Handler:  f.handleMessage,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to create feed client")
		return nil, err
	}
	return client.BatchChan, nil
}

// handleMessage decodes one raw WebSocket message into a trade batch.
func (f *Feed) handleMessage(raw []byte, batchChan chan<- []model.Trade) error {
	// Cheap type sniff before committing to a full decode.
	msgType := gjson.GetBytes(raw, "type").String()
	data := gjson.GetBytes(raw, "data")
	if !data.Exists() {
		return fmt.Errorf("message missing data payload")
	}

	var wire []tradeMsg
	switch msgType {
	case "trade":
		var one tradeMsg
		if err := json.Unmarshal([]byte(data.Raw), &one); err != nil {
			log.Error().Err(err).Msg("invalid trade payload JSON")
			return err
		}
		wire = []tradeMsg{one}
	case "trades":
		if err := json.Unmarshal([]byte(data.Raw), &wire); err != nil {
			log.Error().Err(err).Msg("invalid trade batch JSON")
			return err
		}
	default:
		// Heartbeats and acknowledgements pass through silently.
		return nil
	}

	batch := make([]model.Trade, 0, len(wire))
	for _, m := range wire {
		trade, err := f.toTrade(m)
		if err != nil {
			log.Warn().Err(err).Interface("trade", m).Msg("trade validation failed")
			return err
		}
		source := trade.Source()
		if len(f.accepted) > 0 && !f.accepted[source] {
			continue
		}
		batch = append(batch, trade)
	}

	if len(batch) == 0 {
		return nil
	}
	batchChan <- batch
	return nil
}

// toTrade validates and converts one wire trade into the model type.
func (f *Feed) toTrade(m tradeMsg) (model.Trade, error) {
	if err := f.validate.Struct(&m); err != nil {
		return model.Trade{}, err
	}

	price, err := decimal.NewFromString(m.Price)
	if err != nil {
		return model.Trade{}, fmt.Errorf("invalid trade price: %w", err)
	}
	size, err := decimal.NewFromString(m.Size)
	if err != nil {
		return model.Trade{}, fmt.Errorf("invalid trade size: %w", err)
	}

	side := model.Buy
	if m.Side == "sell" {
		side = model.Sell
	}

	return model.Trade{
		Exchange:    strings.ToUpper(m.Exchange),
		Instrument:  strings.ToUpper(m.Instrument),
		Price:       price,
		Size:        size,
		Side:        side,
		Liquidation: m.Liquidation,
		Timestamp:   m.Timestamp,
	}, nil
}
