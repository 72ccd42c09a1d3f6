package performance

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"
)

const timestampFormat = "2006-01-02 15:04:05.000"

var throughputHeader = []string{"epoch", "timestamp", "cumulativeOps", "intervalOps", "opsPerSecond"}

// ThroughputWriter appends one row per interval to a CSV file.
type ThroughputWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewThroughputWriter opens path for appending, writing the header if the file is new.
func NewThroughputWriter(path string) (*ThroughputWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	writer := &ThroughputWriter{file: file, writer: csv.NewWriter(file)}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, errors.WithStack(err)
	}
	if info.Size() == 0 {
		if err := writer.writeRow(throughputHeader); err != nil {
			_ = file.Close()
			return nil, err
		}
	}
	return writer, nil
}

func (w *ThroughputWriter) Write(now time.Time, cumulativeOps, intervalOps int64, opsPerSecond float64) error {
	return w.writeRow([]string{
		strconv.FormatInt(now.UnixMilli(), 10),
		now.Format(timestampFormat),
		strconv.FormatInt(cumulativeOps, 10),
		strconv.FormatInt(intervalOps, 10),
		strconv.FormatFloat(opsPerSecond, 'f', 2, 64),
	})
}

func (w *ThroughputWriter) writeRow(row []string) error {
	if err := w.writer.Write(row); err != nil {
		return errors.WithStack(err)
	}
	w.writer.Flush()
	return errors.WithStack(w.writer.Error())
}

func (w *ThroughputWriter) Close() error {
	w.writer.Flush()
	return w.file.Close()
}

// HistogramLogWriter appends interval histograms of one probe to an HdrHistogram log file. Interval timestamps are
// seconds relative to the base time declared in the header.
type HistogramLogWriter struct {
	file *os.File
	log  *hdrhistogram.HistogramLogWriter
	base time.Time
}

// NewHistogramLogWriter creates path and writes the log header: a comment naming the probe, the format version,
// the start and base time and the legend.
func NewHistogramLogWriter(path string, testID string, probeName string, start time.Time) (*HistogramLogWriter, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	log := hdrhistogram.NewHistogramLogWriter(file)
	startSeconds := seconds(start.UnixMilli())
	// the library spells the base time tag "Basetime", which its own reader does not recognise
	header := []func() error{
		func() error { return log.OutputComment(fmt.Sprintf("[Latency histograms for %s.%s]", testID, probeName)) },
		log.OutputLogFormatVersion,
		func() error {
			return log.OutputComment(fmt.Sprintf("[StartTime: %.3f (seconds since epoch), %s]",
				startSeconds, start.UTC().Format(time.RFC3339)))
		},
		func() error { return log.OutputComment(fmt.Sprintf("[BaseTime: %.3f (seconds since epoch)]", startSeconds)) },
		log.OutputLegend,
	}
	for _, write := range header {
		if err := write(); err != nil {
			_ = file.Close()
			return nil, errors.WithStack(err)
		}
	}
	return &HistogramLogWriter{file: file, log: log, base: start}, nil
}

// Write appends one interval line: start and length in seconds, the max value in milliseconds and the compressed
// histogram.
func (w *HistogramLogWriter) Write(histogram *hdrhistogram.Histogram) error {
	payload, err := histogram.Encode(hdrhistogram.V2CompressedEncodingCookieBase)
	if err != nil {
		return errors.WithStack(err)
	}
	start := seconds(histogram.StartTimeMs() - w.base.UnixMilli())
	length := seconds(histogram.EndTimeMs() - histogram.StartTimeMs())
	maxMillis := float64(histogram.Max()) / hdrhistogram.MsToNsRatio
	_, err = fmt.Fprintf(w.file, "%.3f,%.3f,%.3f,%s\n", start, length, maxMillis, payload)
	return errors.WithStack(err)
}

func (w *HistogramLogWriter) Close() error {
	return w.file.Close()
}

func seconds(millis int64) float64 {
	return float64(millis) / 1000
}
