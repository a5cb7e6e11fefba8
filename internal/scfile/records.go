package scfile

import (
	"encoding/binary"
	"io"
	"math"
	"time"

	"github.com/spf13/afero"

	"sierrachart-bridge/internal/model"
)

const (
	HeaderSize      = 56
	TickRecordSize  = 40
	DailyRecordSize = 32

	// RecentWindow bounds TickData.IsRecent and intraday activity.
	RecentWindow = 5 * time.Minute
	// DailyActiveWindow bounds daily-file activity.
	DailyActiveWindow = 24 * time.Hour
)

var le = binary.LittleEndian

// TotalRecords is the number of whole records after the header, never
// negative.
func TotalRecords(fileSize int64, recordSize int) int64 {
	if fileSize <= HeaderSize {
		return 0
	}
	return (fileSize - HeaderSize) / int64(recordSize)
}

func recordSize(dt model.DataType) int {
	if dt == model.Daily {
		return DailyRecordSize
	}
	return TickRecordSize
}

func isActive(dt model.DataType, modified, now time.Time) bool {
	window := RecentWindow
	if dt == model.Daily {
		window = DailyActiveWindow
	}
	return now.Sub(modified) < window
}

// readLast returns the raw bytes of the last n records of path in file order.
// n is clamped to the number of records present.
func readLast(fs afero.Fs, path string, recSize, n int) ([]byte, int, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, &FileIOError{Path: path, Op: "open", Err: err}
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, 0, &FileIOError{Path: path, Op: "stat", Err: err}
	}

	total := TotalRecords(st.Size(), recSize)
	if n <= 0 || total == 0 {
		return nil, 0, nil
	}
	if int64(n) > total {
		n = int(total)
	}

	offset := HeaderSize + (total-int64(n))*int64(recSize)
	buf := make([]byte, n*recSize)
	read, err := f.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && read == len(buf)) {
		return nil, 0, &FileIOError{Path: path, Op: "read", Err: err}
	}
	return buf, n, nil
}

func f32(b []byte, off int) float64 {
	return float64(math.Float32frombits(le.Uint32(b[off:])))
}

// parseTick decodes [f64 SCDateTime][f32 O][f32 H][f32 L][f32 C]
// [u32 numTrades][u32 volume][u32 bidVolume][u32 askVolume].
func parseTick(b []byte, symbol string, now time.Time) model.TickData {
	dt := model.FromSCDateTime(math.Float64frombits(le.Uint64(b[0:])))
	return model.TickData{
		Symbol:    symbol,
		DateTime:  dt,
		Open:      f32(b, 8),
		High:      f32(b, 12),
		Low:       f32(b, 16),
		Close:     f32(b, 20),
		NumTrades: le.Uint32(b[24:]),
		Volume:    le.Uint32(b[28:]),
		BidVolume: le.Uint32(b[32:]),
		AskVolume: le.Uint32(b[36:]),
		IsRecent:  now.Sub(dt) < RecentWindow,
	}
}

// parseDaily decodes [f64 date][f32 O][f32 H][f32 L][f32 C][f32 volume]
// [f32 openInterest].
func parseDaily(b []byte, symbol string) model.DailyData {
	d := model.DailyData{
		Symbol: symbol,
		Date:   model.FromSCDate(math.Float64frombits(le.Uint64(b[0:]))),
		Open:   f32(b, 8),
		High:   f32(b, 12),
		Low:    f32(b, 16),
		Close:  f32(b, 20),
		Volume: f32(b, 24),
	}
	if oi := f32(b, 28); oi > 0 {
		d.OpenInterest = &oi
	}
	return d
}
