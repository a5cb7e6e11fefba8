package scfile

import (
	"regexp"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type CryptoType string

const (
	CryptoBitcoin    CryptoType = "Bitcoin"
	CryptoEthereum   CryptoType = "Ethereum"
	CryptoSolana     CryptoType = "Solana"
	CryptoAltcoin    CryptoType = "Altcoin"
	CryptoStablecoin CryptoType = "Stablecoin"
	CryptoExchange   CryptoType = "Exchange"
)

const (
	ContractPerpetual = "Perpetual"
	ContractFutures   = "Futures"
	ContractSpot      = "Spot"
)

type cryptoPattern struct {
	re       *regexp.Regexp
	kind     CryptoType
	exchange string
	contract string
	base     string
	quote    string
}

// Unanchored; the first match wins, so specific patterns come first.
var cryptoPatterns = []cryptoPattern{
	{regexp.MustCompile(`BTCUSDT_PERP_BINANCE`), CryptoBitcoin, "Binance", ContractPerpetual, "BTC", "USDT"},
	{regexp.MustCompile(`BTCUSD_PERP_BINANCE`), CryptoBitcoin, "Binance", ContractPerpetual, "BTC", "USD"},
	{regexp.MustCompile(`BTC.*PERP.*`), CryptoBitcoin, "Various", ContractPerpetual, "BTC", "USD/USDT"},
	{regexp.MustCompile(`BTC.*FUT.*`), CryptoBitcoin, "Various", ContractFutures, "BTC", "USD"},
	{regexp.MustCompile(`ETHUSDT_PERP.*`), CryptoEthereum, "Various", ContractPerpetual, "ETH", "USDT"},
	{regexp.MustCompile(`ETHUSD_PERP.*`), CryptoEthereum, "Various", ContractPerpetual, "ETH", "USD"},
	{regexp.MustCompile(`ETH.*PERP.*`), CryptoEthereum, "Various", ContractPerpetual, "ETH", "USD/USDT"},
	{regexp.MustCompile(`SOLUSDT_PERP.*`), CryptoSolana, "Various", ContractPerpetual, "SOL", "USDT"},
	{regexp.MustCompile(`SOLUSD_PERP.*`), CryptoSolana, "Various", ContractPerpetual, "SOL", "USD"},
	{regexp.MustCompile(`SOL.*PERP.*`), CryptoSolana, "Various", ContractPerpetual, "SOL", "USD/USDT"},
	{regexp.MustCompile(`XRP.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "XRP", "USD/USDT"},
	{regexp.MustCompile(`ADA.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "ADA", "USD/USDT"},
	{regexp.MustCompile(`DOGE.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "DOGE", "USD/USDT"},
	{regexp.MustCompile(`DOT.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "DOT", "USD/USDT"},
	{regexp.MustCompile(`LTC.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "LTC", "USD/USDT"},
	{regexp.MustCompile(`USDT.*`), CryptoStablecoin, "Various", ContractSpot, "USDT", "USD"},
	{regexp.MustCompile(`USDC.*`), CryptoStablecoin, "Various", ContractSpot, "USDC", "USD"},
	{regexp.MustCompile(`.*PERP.*`), CryptoAltcoin, "Various", ContractPerpetual, "VARIOUS", "USD/USDT"},
	{regexp.MustCompile(`.*BINANCE.*`), CryptoExchange, "Binance", ContractPerpetual, "VARIOUS", "USD/USDT"},
}

type typeSpec struct {
	tickSize   float64
	tickValue  float64
	volatility int
	liquidity  int
}

var cryptoTypeSpecs = map[CryptoType]typeSpec{
	CryptoBitcoin:    {0.10, 1.00, 75, 95},
	CryptoEthereum:   {0.01, 0.10, 85, 90},
	CryptoSolana:     {0.001, 0.01, 90, 75},
	CryptoAltcoin:    {0.0001, 0.01, 80, 60},
	CryptoStablecoin: {0.0001, 0.01, 10, 99},
	CryptoExchange:   {0.01, 0.10, 60, 80},
}

var defaultTypeSpec = typeSpec{0.0001, 0.01, 50, 50}

const cryptoTradingHours = "24/7 (Crypto markets)"

// CryptoSpec describes a crypto instrument parsed from its symbol.
type CryptoSpec struct {
	Symbol       string     `json:"symbol"`
	Type         CryptoType `json:"cryptoType"`
	Exchange     string     `json:"exchange"`
	ContractType string     `json:"contractType"`
	BaseAsset    string     `json:"baseAsset"`
	QuoteAsset   string     `json:"quoteAsset"`
	TickSize     float64    `json:"tickSize"`
	TickValue    float64    `json:"tickValue"`
	TradingHours string     `json:"tradingHours"`
	IsLeveraged  bool       `json:"isLeveraged"`
	Leverage     int        `json:"leverage,omitempty"`
	FundingRate  *float64   `json:"fundingRate,omitempty"`
}

func ClassifyCrypto(symbol string) (CryptoSpec, bool) {
	for _, p := range cryptoPatterns {
		if !p.re.MatchString(symbol) {
			continue
		}
		s, ok := cryptoTypeSpecs[p.kind]
		if !ok {
			s = defaultTypeSpec
		}
		spec := CryptoSpec{
			Symbol:       symbol,
			Type:         p.kind,
			Exchange:     p.exchange,
			ContractType: p.contract,
			BaseAsset:    p.base,
			QuoteAsset:   p.quote,
			TickSize:     s.tickSize,
			TickValue:    s.tickValue,
			TradingHours: cryptoTradingHours,
			IsLeveraged:  p.contract == ContractPerpetual || p.contract == ContractFutures,
		}
		if p.contract == ContractPerpetual {
			spec.Leverage = 10
			rate := fundingRate(p.kind)
			spec.FundingRate = &rate
		}
		return spec, true
	}
	return CryptoSpec{}, false
}

func fundingRate(t CryptoType) float64 {
	switch t {
	case CryptoBitcoin:
		return 0.01
	case CryptoEthereum:
		return 0.015
	}
	return 0.02
}

func (s CryptoSpec) exchangeSpecifics() string {
	switch {
	case s.Exchange == "Binance":
		return "Binance Perpetual Contract - Up to 125x leverage, USDT-margined"
	case s.ContractType == ContractPerpetual:
		return "Perpetual Contract - No expiration, funding rate every 8h"
	}
	return "Spot/Futures Contract - Exchange: " + s.Exchange
}

func (s CryptoSpec) correlation() string {
	switch s.Type {
	case CryptoBitcoin:
		return "High correlation with tech stocks, moderate with gold"
	case CryptoEthereum:
		return "High correlation with Bitcoin, strong with DeFi tokens"
	case CryptoSolana:
		return "Moderate correlation with Ethereum, high with DeFi/SOL ecosystem"
	}
	return "Varies by altcoin, generally follows Bitcoin trend"
}

func (s CryptoSpec) volumeProfile() string {
	switch s.Type {
	case CryptoBitcoin:
		return "High volume, 24/7 trading pattern"
	case CryptoEthereum:
		return "High volume, follows Bitcoin volume trends"
	}
	return "Moderate volume, altcoin trading patterns"
}

type CryptoAnalysis struct {
	Analysis
	Spec                CryptoSpec `json:"spec"`
	VolatilityScore     int        `json:"volatilityScore"`
	LiquidityScore      int        `json:"liquidityScore"`
	FundingRate         *float64   `json:"fundingRate,omitempty"`
	ExchangeSpecifics   string     `json:"exchangeSpecifics"`
	CorrelationAnalysis string     `json:"correlationAnalysis"`
	VolumeProfile       string     `json:"volumeProfile"`
}

// Crypto restricts a Consumer to crypto instruments.
type Crypto struct {
	*Consumer
	logger *zap.Logger

	mu    sync.RWMutex
	specs map[string]CryptoSpec
}

func NewCrypto(c *Consumer) *Crypto {
	return &Crypto{
		Consumer: c,
		logger:   c.logger.With(zap.String("market", "crypto")),
		specs:    make(map[string]CryptoSpec),
	}
}

func (m *Crypto) Refresh() error {
	if err := m.Rescan(); err != nil {
		return err
	}
	specs := make(map[string]CryptoSpec)
	for _, info := range m.Symbols() {
		if spec, ok := ClassifyCrypto(info.Symbol); ok {
			specs[info.Symbol] = spec
		}
	}
	m.mu.Lock()
	m.specs = specs
	m.mu.Unlock()
	m.logger.Info("Crypto symbols classified", zap.Int("symbols", len(specs)))
	return nil
}

func (m *Crypto) Spec(symbol string) (CryptoSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.specs[symbol]
	return s, ok
}

func (m *Crypto) Specs() []CryptoSpec {
	m.mu.RLock()
	out := make([]CryptoSpec, 0, len(m.specs))
	for _, s := range m.specs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Crypto) SymbolsByType(t CryptoType) []CryptoSpec {
	var out []CryptoSpec
	for _, s := range m.Specs() {
		if s.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func (m *Crypto) Analyze(symbol string) (CryptoAnalysis, error) {
	spec, ok := m.Spec(symbol)
	if !ok {
		return CryptoAnalysis{}, errors.Wrapf(ErrUnknownSymbol, "%s is not a crypto symbol", symbol)
	}
	base, err := m.Consumer.Analyze(symbol)
	if err != nil {
		return CryptoAnalysis{}, err
	}
	ts, ok := cryptoTypeSpecs[spec.Type]
	if !ok {
		ts = defaultTypeSpec
	}
	return CryptoAnalysis{
		Analysis:            base,
		Spec:                spec,
		VolatilityScore:     ts.volatility,
		LiquidityScore:      ts.liquidity,
		FundingRate:         spec.FundingRate,
		ExchangeSpecifics:   spec.exchangeSpecifics(),
		CorrelationAnalysis: spec.correlation(),
		VolumeProfile:       spec.volumeProfile(),
	}, nil
}
