package scfile

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"sierrachart-bridge/internal/model"
)

// SymbolKey identifies one cataloged file: a symbol may have both an
// intraday and a daily file.
type SymbolKey struct {
	Symbol   string
	DataType model.DataType
}

// Handlers receives consumer events. Nil fields are skipped.
type Handlers struct {
	OnSymbolUpdated func(model.SymbolInfo)
	OnError         func(error)
}

type Option func(*Consumer)

// WithWatcher replaces the default polling watcher.
func WithWatcher(w Watcher) Option {
	return func(c *Consumer) { c.watcher = w }
}

// WithClock overrides time.Now, for activity and recency checks.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) { c.now = now }
}

// Consumer catalogs .scid and .dly files in a SierraChart data directory
// and reads records from them.
type Consumer struct {
	fs       afero.Fs
	dataPath string
	logger   *zap.Logger
	now      func() time.Time
	watcher  Watcher

	mu       sync.RWMutex
	symbols  map[SymbolKey]model.SymbolInfo
	analysis map[SymbolKey]Analysis

	hmu      sync.RWMutex
	handlers []Handlers

	monMu       sync.Mutex
	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

func NewConsumer(fs afero.Fs, dataPath string, pollInterval time.Duration, logger *zap.Logger, opts ...Option) *Consumer {
	c := &Consumer{
		fs:       fs,
		dataPath: dataPath,
		logger:   logger.With(zap.String("component", "scfile"), zap.String("path", dataPath)),
		now:      time.Now,
		symbols:  make(map[SymbolKey]model.SymbolInfo),
		analysis: make(map[SymbolKey]Analysis),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.watcher == nil {
		c.watcher = NewPollingWatcher(fs, pollInterval, c.logger)
	}
	return c
}

func (c *Consumer) AddHandlers(h Handlers) {
	c.hmu.Lock()
	c.handlers = append(c.handlers, h)
	c.hmu.Unlock()
}

func dataTypeOf(name string) (model.DataType, bool) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".scid":
		return model.Intraday, true
	case ".dly":
		return model.Daily, true
	}
	return "", false
}

// Rescan rebuilds the symbol catalog from the data directory. Files that
// cannot be stat'ed are logged and skipped.
func (c *Consumer) Rescan() error {
	dir, err := c.fs.Open(c.dataPath)
	if err != nil {
		return &FileIOError{Path: c.dataPath, Op: "open", Err: err}
	}
	names, err := dir.Readdirnames(-1)
	dir.Close()
	if err != nil {
		return &FileIOError{Path: c.dataPath, Op: "readdir", Err: err}
	}

	var candidates []string
	for _, name := range names {
		if _, ok := dataTypeOf(name); ok {
			candidates = append(candidates, name)
		}
	}

	now := c.now()
	type scanned struct {
		info model.SymbolInfo
		err  error
	}
	results := iter.Map(candidates, func(name *string) scanned {
		path := filepath.Join(c.dataPath, *name)
		st, err := c.fs.Stat(path)
		if err != nil {
			return scanned{err: &FileIOError{Path: path, Op: "stat", Err: err}}
		}
		if st.IsDir() {
			return scanned{err: &FileIOError{Path: path, Op: "stat", Err: errors.New("is a directory")}}
		}
		dt, _ := dataTypeOf(*name)
		return scanned{info: model.SymbolInfo{
			Symbol:       strings.TrimSuffix(*name, filepath.Ext(*name)),
			FilePath:     path,
			FileSize:     st.Size(),
			TotalRecords: TotalRecords(st.Size(), recordSize(dt)),
			LastModified: st.ModTime(),
			DataType:     dt,
			IsActive:     isActive(dt, st.ModTime(), now),
		}}
	})

	symbols := make(map[SymbolKey]model.SymbolInfo, len(results))
	counts := map[model.DataType]int{}
	for _, r := range results {
		if r.err != nil {
			c.logger.Warn("Skipping unreadable data file", zap.Error(r.err))
			c.emitError(r.err)
			continue
		}
		symbols[SymbolKey{r.info.Symbol, r.info.DataType}] = r.info
		counts[r.info.DataType]++
	}

	c.mu.Lock()
	c.symbols = symbols
	c.analysis = make(map[SymbolKey]Analysis)
	c.mu.Unlock()

	catalogedSymbols.WithLabelValues(string(model.Intraday)).Set(float64(counts[model.Intraday]))
	catalogedSymbols.WithLabelValues(string(model.Daily)).Set(float64(counts[model.Daily]))
	c.logger.Info("Data directory scanned",
		zap.Int("intraday", counts[model.Intraday]),
		zap.Int("daily", counts[model.Daily]))
	return nil
}

// Symbols returns every cataloged file, sorted by symbol then data type.
func (c *Consumer) Symbols() []model.SymbolInfo {
	now := c.now()
	c.mu.RLock()
	out := make([]model.SymbolInfo, 0, len(c.symbols))
	for _, info := range c.symbols {
		out = append(out, activity(info, now))
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].DataType < out[j].DataType
	})
	return out
}

// ActiveSymbols returns active files, most recently modified first.
func (c *Consumer) ActiveSymbols() []model.SymbolInfo {
	var out []model.SymbolInfo
	for _, info := range c.Symbols() {
		if info.IsActive {
			out = append(out, info)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out
}

// SymbolInfo looks a symbol up, preferring its intraday file.
func (c *Consumer) SymbolInfo(symbol string) (model.SymbolInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.symbols[SymbolKey{symbol, model.Intraday}]; ok {
		return activity(info, c.now()), true
	}
	info, ok := c.symbols[SymbolKey{symbol, model.Daily}]
	if !ok {
		return info, false
	}
	return activity(info, c.now()), true
}

// activity recomputes IsActive against now.
func activity(info model.SymbolInfo, now time.Time) model.SymbolInfo {
	info.IsActive = isActive(info.DataType, info.LastModified, now)
	return info
}

func (c *Consumer) lookup(symbol string, dt model.DataType) (model.SymbolInfo, error) {
	c.mu.RLock()
	info, ok := c.symbols[SymbolKey{symbol, dt}]
	c.mu.RUnlock()
	if !ok {
		return info, errors.Wrapf(ErrUnknownSymbol, "%s (%s)", symbol, dt)
	}
	return info, nil
}

// ReadLastTicks returns up to n most recent tick records in file order.
func (c *Consumer) ReadLastTicks(symbol string, n int) ([]model.TickData, error) {
	info, err := c.lookup(symbol, model.Intraday)
	if err != nil {
		return nil, err
	}
	raw, count, err := readLast(c.fs, info.FilePath, TickRecordSize, n)
	if err != nil {
		return nil, err
	}
	now := c.now()
	ticks := make([]model.TickData, count)
	for i := range ticks {
		ticks[i] = parseTick(raw[i*TickRecordSize:], symbol, now)
	}
	return ticks, nil
}

// ReadLastDailyBars returns up to n most recent daily records in file order.
func (c *Consumer) ReadLastDailyBars(symbol string, n int) ([]model.DailyData, error) {
	info, err := c.lookup(symbol, model.Daily)
	if err != nil {
		return nil, err
	}
	raw, count, err := readLast(c.fs, info.FilePath, DailyRecordSize, n)
	if err != nil {
		return nil, err
	}
	bars := make([]model.DailyData, count)
	for i := range bars {
		bars[i] = parseDaily(raw[i*DailyRecordSize:], symbol)
	}
	return bars, nil
}

// Analyze summarises the recent window of a symbol: the last 100 ticks, or
// the last 90 daily bars when only a daily file exists. Results are cached
// until the file changes or the directory is rescanned.
func (c *Consumer) Analyze(symbol string) (Analysis, error) {
	info, ok := c.SymbolInfo(symbol)
	if !ok {
		return Analysis{}, errors.Wrap(ErrUnknownSymbol, symbol)
	}
	key := SymbolKey{symbol, info.DataType}

	c.mu.RLock()
	cached, ok := c.analysis[key]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var s series
	if info.DataType == model.Intraday {
		ticks, err := c.ReadLastTicks(symbol, tickAnalysisWindow)
		if err != nil {
			return Analysis{}, err
		}
		for _, t := range ticks {
			s.times = append(s.times, t.DateTime)
			s.closes = append(s.closes, t.Close)
			s.volumes = append(s.volumes, float64(t.Volume))
		}
	} else {
		bars, err := c.ReadLastDailyBars(symbol, dailyAnalysisWindow)
		if err != nil {
			return Analysis{}, err
		}
		for _, b := range bars {
			s.times = append(s.times, b.Date)
			s.closes = append(s.closes, b.Close)
			s.volumes = append(s.volumes, b.Volume)
		}
	}
	if len(s.closes) == 0 {
		return Analysis{}, errors.Wrap(ErrNoData, symbol)
	}

	a := analyze(symbol, info.DataType, s)
	c.mu.Lock()
	c.analysis[key] = a
	c.mu.Unlock()
	return a, nil
}

// StartMonitoring watches the files of the given symbols (every cataloged
// file when symbols is empty) until StopMonitoring or ctx ends. A running
// monitor is replaced.
func (c *Consumer) StartMonitoring(ctx context.Context, symbols []string) error {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[s] = true
	}

	seeds := make(map[string]time.Time)
	byPath := make(map[string]SymbolKey)
	c.mu.RLock()
	for key, info := range c.symbols {
		if len(wanted) > 0 && !wanted[key.Symbol] {
			continue
		}
		seeds[info.FilePath] = info.LastModified
		byPath[info.FilePath] = key
		delete(wanted, key.Symbol)
	}
	c.mu.RUnlock()

	for s := range wanted {
		c.logger.Warn("Cannot monitor unknown symbol", zap.String("symbol", s))
	}
	if len(seeds) == 0 {
		return errors.Wrap(ErrUnknownSymbol, "nothing to monitor")
	}

	c.StopMonitoring()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	changes := c.watcher.Watch(ctx, seeds)

	c.monMu.Lock()
	c.stopMonitor = cancel
	c.monitorDone = done
	c.monMu.Unlock()

	go func() {
		defer close(done)
		for ch := range changes {
			key, ok := byPath[ch.Path]
			if !ok {
				continue
			}
			c.applyChange(key, ch)
		}
	}()

	c.logger.Info("Monitoring started", zap.Int("files", len(seeds)))
	return nil
}

// StopMonitoring stops the poll loop and waits for it to exit.
func (c *Consumer) StopMonitoring() {
	c.monMu.Lock()
	cancel, done := c.stopMonitor, c.monitorDone
	c.stopMonitor, c.monitorDone = nil, nil
	c.monMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("Monitoring stopped")
}

func (c *Consumer) applyChange(key SymbolKey, ch Change) {
	if ch.Err != nil {
		err := &FileIOError{Path: ch.Path, Op: "stat", Err: ch.Err}
		c.logger.Warn("Monitored file unreadable", zap.Error(err))
		c.emitError(err)
		return
	}

	c.mu.Lock()
	info, ok := c.symbols[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	info.FileSize = ch.Info.Size()
	info.TotalRecords = TotalRecords(info.FileSize, recordSize(key.DataType))
	info.LastModified = ch.Info.ModTime()
	info = activity(info, c.now())
	c.symbols[key] = info
	delete(c.analysis, key)
	c.mu.Unlock()

	symbolUpdates.WithLabelValues(string(key.DataType)).Inc()
	c.logger.Debug("Symbol updated",
		zap.String("symbol", key.Symbol),
		zap.Int64("records", info.TotalRecords))

	c.each(func(h Handlers) {
		if h.OnSymbolUpdated != nil {
			h.OnSymbolUpdated(info)
		}
	})
}

func (c *Consumer) emitError(err error) {
	c.each(func(h Handlers) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
}

func (c *Consumer) each(fn func(Handlers)) {
	c.hmu.RLock()
	hs := append([]Handlers(nil), c.handlers...)
	c.hmu.RUnlock()
	for _, h := range hs {
		fn(h)
	}
}
