package scfile

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/scmhub/calendar"
	"go.uber.org/zap"
)

type Sector string

const (
	SectorEquityIndex Sector = "Equity Index"
	SectorCrypto      Sector = "Crypto"
	SectorCommodity   Sector = "Commodity"
	SectorEnergy      Sector = "Energy"
	SectorRates       Sector = "Rates"
	SectorFX          Sector = "FX"
)

type cmeProduct struct {
	root   string
	name   string
	sector Sector
}

var cmeProducts = []cmeProduct{
	{"ES", "E-mini S&P 500", SectorEquityIndex},
	{"NQ", "E-mini Nasdaq-100", SectorEquityIndex},
	{"YM", "E-mini Dow Jones", SectorEquityIndex},
	{"RTY", "E-mini Russell 2000", SectorEquityIndex},
	{"MES", "Micro E-mini S&P 500", SectorEquityIndex},
	{"MNQ", "Micro E-mini Nasdaq-100", SectorEquityIndex},
	{"MYM", "Micro E-mini Dow Jones", SectorEquityIndex},
	{"M2K", "Micro E-mini Russell 2000", SectorEquityIndex},
	{"BTC", "Bitcoin Futures", SectorCrypto},
	{"ETH", "Ethereum Futures", SectorCrypto},
	{"GC", "Gold Futures", SectorCommodity},
	{"SI", "Silver Futures", SectorCommodity},
	{"CL", "Crude Oil Futures", SectorEnergy},
	{"NG", "Natural Gas Futures", SectorEnergy},
	{"ZB", "30-Year T-Bond", SectorRates},
	{"ZN", "10-Year T-Note", SectorRates},
	{"ZF", "5-Year T-Note", SectorRates},
	{"ZT", "2-Year T-Note", SectorRates},
	{"GE", "Euro FX", SectorFX},
	{"JY", "Japanese Yen", SectorFX},
	{"BP", "British Pound", SectorFX},
	{"CD", "Canadian Dollar", SectorFX},
	{"AD", "Australian Dollar", SectorFX},
	{"SF", "Swiss Franc", SectorFX},
}

var cmePatterns = func() []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(cmeProducts))
	for i, p := range cmeProducts {
		out[i] = regexp.MustCompile(`^` + p.root + `([A-Z][0-9]{2})-CME$`)
	}
	return out
}()

type sectorSpec struct {
	tickSize     float64
	tickValue    float64
	margin       float64
	tradingHours string
}

const (
	globexHours = "Sun-Fri 6:00 PM - 5:00 PM ET (next day)"
	ratesHours  = "Sun-Fri 5:00 PM - 4:00 PM ET (next day)"
)

var sectorSpecs = map[Sector]sectorSpec{
	SectorEquityIndex: {0.25, 12.5, 5000, globexHours},
	SectorCrypto:      {5.0, 25, 10000, globexHours},
	SectorCommodity:   {0.10, 10, 3000, globexHours},
	SectorEnergy:      {0.01, 10, 4000, globexHours},
	SectorRates:       {0.015625, 15.625, 2000, ratesHours},
	SectorFX:          {0.0001, 12.5, 2500, ratesHours},
}

var defaultSectorSpec = sectorSpec{0.01, 10, 3000, "Standard CME hours"}

var monthCodes = map[byte]time.Month{
	'F': time.January, 'G': time.February, 'H': time.March, 'J': time.April,
	'K': time.May, 'M': time.June, 'N': time.July, 'Q': time.August,
	'U': time.September, 'V': time.October, 'X': time.November, 'Z': time.December,
}

// ContractSpec describes one CME futures contract parsed from its symbol,
// e.g. "ESZ25-CME".
type ContractSpec struct {
	Symbol       string     `json:"symbol"`
	Root         string     `json:"root"`
	Product      string     `json:"product"`
	Sector       Sector     `json:"sector"`
	ProductType  string     `json:"productType"`
	Exchange     string     `json:"exchange"`
	MonthCode    string     `json:"monthCode"`
	Month        time.Month `json:"month"`
	Year         int        `json:"year"`
	TickSize     float64    `json:"tickSize"`
	TickValue    float64    `json:"tickValue"`
	Margin       float64    `json:"marginRequirement"`
	TradingHours string     `json:"tradingHours"`
}

// ClassifyCME parses a CME futures symbol. ok is false for anything that is
// not a known product root followed by a month code, a two-digit year and
// the "-CME" suffix.
func ClassifyCME(symbol string) (ContractSpec, bool) {
	for i, re := range cmePatterns {
		m := re.FindStringSubmatch(symbol)
		if m == nil {
			continue
		}
		month, ok := monthCodes[m[1][0]]
		if !ok {
			return ContractSpec{}, false
		}
		year, _ := strconv.Atoi("20" + m[1][1:])
		p := cmeProducts[i]
		s, ok := sectorSpecs[p.sector]
		if !ok {
			s = defaultSectorSpec
		}
		return ContractSpec{
			Symbol:       symbol,
			Root:         p.root,
			Product:      p.name,
			Sector:       p.sector,
			ProductType:  "Futures",
			Exchange:     "CME",
			MonthCode:    m[1][:1],
			Month:        month,
			Year:         year,
			TickSize:     s.tickSize,
			TickValue:    s.tickValue,
			Margin:       s.margin,
			TradingHours: s.tradingHours,
		}, true
	}
	return ContractSpec{}, false
}

// MonthsToExpiry counts calendar months from now to the contract month.
func (c ContractSpec) MonthsToExpiry(now time.Time) int {
	return (c.Year-now.Year())*12 + int(c.Month) - int(now.Month())
}

// RolloverDue reports whether the contract expires within a month of now.
func (c ContractSpec) RolloverDue(now time.Time) bool {
	return c.MonthsToExpiry(now) <= 1
}

func (c ContractSpec) Expiration() string {
	return fmt.Sprintf("%d %s", c.Year, c.Month)
}

type CMEAnalysis struct {
	Analysis
	Contract           ContractSpec `json:"contract"`
	ContractExpiration string       `json:"contractExpiration"`
	MonthsToExpiry     int          `json:"monthsToExpiry"`
	RolloverDue        bool         `json:"rolloverDue"`
	TradingDay         bool         `json:"tradingDay"`
	OpenInterestTrend  string       `json:"openInterestTrend"`
	VolumeAnalysis     string       `json:"volumeAnalysis"`
}

// CME restricts a Consumer to CME futures contracts.
type CME struct {
	*Consumer
	logger *zap.Logger
	cal    *calendar.Calendar

	mu        sync.RWMutex
	contracts map[string]ContractSpec
}

func NewCME(c *Consumer) *CME {
	return &CME{
		Consumer:  c,
		logger:    c.logger.With(zap.String("market", "cme")),
		cal:       calendar.GetCalendar("xnys"),
		contracts: make(map[string]ContractSpec),
	}
}

// Refresh rescans the directory and re-classifies every symbol.
func (m *CME) Refresh() error {
	if err := m.Rescan(); err != nil {
		return err
	}
	contracts := make(map[string]ContractSpec)
	for _, info := range m.Symbols() {
		if spec, ok := ClassifyCME(info.Symbol); ok {
			contracts[info.Symbol] = spec
		}
	}
	m.mu.Lock()
	m.contracts = contracts
	m.mu.Unlock()
	m.logger.Info("CME contracts classified", zap.Int("contracts", len(contracts)))
	return nil
}

func (m *CME) Contracts() []ContractSpec {
	m.mu.RLock()
	out := make([]ContractSpec, 0, len(m.contracts))
	for _, c := range m.contracts {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *CME) Contract(symbol string) (ContractSpec, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contracts[symbol]
	return c, ok
}

func (m *CME) ContractsBySector(sector Sector) []ContractSpec {
	var out []ContractSpec
	for _, c := range m.Contracts() {
		if c.Sector == sector {
			out = append(out, c)
		}
	}
	return out
}

// Sectors lists the sectors that have at least one contract.
func (m *CME) Sectors() []Sector {
	seen := map[Sector]bool{}
	var out []Sector
	for _, c := range m.Contracts() {
		if !seen[c.Sector] {
			seen[c.Sector] = true
			out = append(out, c.Sector)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActiveContracts returns classified contracts whose files are active.
func (m *CME) ActiveContracts() []ContractSpec {
	var out []ContractSpec
	for _, info := range m.ActiveSymbols() {
		if c, ok := m.Contract(info.Symbol); ok {
			out = append(out, c)
		}
	}
	return out
}

// IsTradingDay reports whether t falls on an exchange business day. Without
// a calendar it falls back to Monday through Friday.
func (m *CME) IsTradingDay(t time.Time) bool {
	if m.cal != nil {
		return m.cal.IsBusinessDay(t)
	}
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

func (m *CME) Analyze(symbol string) (CMEAnalysis, error) {
	spec, ok := m.Contract(symbol)
	if !ok {
		return CMEAnalysis{}, errors.Wrapf(ErrUnknownSymbol, "%s is not a CME contract", symbol)
	}
	base, err := m.Consumer.Analyze(symbol)
	if err != nil {
		return CMEAnalysis{}, err
	}
	now := m.now()
	return CMEAnalysis{
		Analysis:           base,
		Contract:           spec,
		ContractExpiration: spec.Expiration(),
		MonthsToExpiry:     spec.MonthsToExpiry(now),
		RolloverDue:        spec.RolloverDue(now),
		TradingDay:         m.IsTradingDay(now),
		OpenInterestTrend:  "Stable",
		VolumeAnalysis:     "Normal trading volume",
	}, nil
}
