// Package render draws a bucket's size history as a PNG line chart and
// hands it to an artifact store.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/eunmann/s3-size-history/internal/logctx"
	"github.com/eunmann/s3-size-history/pkg/artifact"
	"github.com/eunmann/s3-size-history/pkg/history"
	"github.com/eunmann/s3-size-history/pkg/humanfmt"
)

// ErrEmptyBucket is returned for a Chart without a bucket.
var ErrEmptyBucket = errors.New("render: empty bucket id")

// Chart is everything drawn for one render job.
type Chart struct {
	BucketID string
	JobID    string
	// From and To bound the x axis in ms; the series lies within them.
	From, To int64
	Series   []history.Point
	// Peak is the largest total ever recorded, drawn as a dashed line.
	// Nil when unknown.
	Peak *history.Point
}

// Renderer turns a chart into a stored artifact and returns its reference.
type Renderer interface {
	Render(ctx context.Context, c Chart) (ref string, err error)
}

// Config sizes the chart and names where it is stored.
type Config struct {
	Width, Height vg.Length
	// KeyTemplate is expanded by artifact.ExpandKey.
	KeyTemplate string
}

// DefaultConfig returns a 10x6 inch chart stored at artifact.DefaultKey.
func DefaultConfig() Config {
	return Config{
		Width:       10 * vg.Inch,
		Height:      6 * vg.Inch,
		KeyTemplate: artifact.DefaultKey,
	}
}

// ChartRenderer draws with gonum/plot.
type ChartRenderer struct {
	store artifact.Store
	cfg   Config
}

var _ Renderer = (*ChartRenderer)(nil)

// NewChartRenderer builds a ChartRenderer writing to store.
func NewChartRenderer(store artifact.Store, cfg Config) *ChartRenderer {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		d := DefaultConfig()
		cfg.Width, cfg.Height = d.Width, d.Height
	}
	return &ChartRenderer{store: store, cfg: cfg}
}

// Render implements Renderer.
func (r *ChartRenderer) Render(ctx context.Context, c Chart) (string, error) {
	log := logctx.FromContext(ctx)
	start := time.Now()

	var buf bytes.Buffer
	if err := r.Draw(ctx, c, &buf); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ref, err := r.store.Put(ctx, artifact.Object{
		SourceBucket: c.BucketID,
		Key:          artifact.ExpandKey(r.cfg.KeyTemplate, c.BucketID, c.JobID),
		Body:         bytes.NewReader(buf.Bytes()),
		Size:         int64(buf.Len()),
		ContentType:  "image/png",
	})
	if err != nil {
		return "", fmt.Errorf("store chart: %w", err)
	}

	log.Debug().
		Str("ref", ref).
		Int("points", len(c.Series)).
		Str("size", humanfmt.Bytes(int64(buf.Len()))).
		Str("duration", humanfmt.Duration(time.Since(start))).
		Msg("rendered chart")
	return ref, nil
}

// Draw writes the chart as PNG to w.
func (r *ChartRenderer) Draw(ctx context.Context, c Chart, w io.Writer) error {
	if c.BucketID == "" {
		return ErrEmptyBucket
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p := plot.New()
	p.Title.Text = title(c)
	p.X.Label.Text = "Time (UTC)"
	p.Y.Label.Text = "Total bucket size (bytes)"
	p.X.Tick.Marker = plot.TimeTicks{Format: "15:04:05"}
	p.Add(plotter.NewGrid())

	xys := make(plotter.XYs, len(c.Series))
	labels := make([]string, len(c.Series))
	for i, pt := range c.Series {
		xys[i].X = seconds(pt.Timestamp)
		xys[i].Y = float64(pt.TotalSize)
		labels[i] = humanfmt.Bytes(pt.TotalSize)
	}

	if len(xys) > 0 {
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return fmt.Errorf("build series line: %w", err)
		}
		line.Color = color.RGBA{B: 255, A: 255}
		line.Width = vg.Points(2)
		points.Shape = draw.CircleGlyph{}
		points.Color = color.RGBA{B: 255, A: 255}
		p.Add(line, points)

		lbls, err := plotter.NewLabels(plotter.XYLabels{XYs: xys, Labels: labels})
		if err != nil {
			return fmt.Errorf("build point labels: %w", err)
		}
		lbls.Offset = vg.Point{Y: vg.Points(8)}
		p.Add(lbls)
	}

	if c.Peak != nil {
		peak := float64(c.Peak.TotalSize)
		fn := plotter.NewFunction(func(float64) float64 { return peak })
		fn.Color = color.RGBA{R: 255, A: 255}
		fn.Width = vg.Points(2)
		fn.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		p.Add(fn)
		p.Legend.Add("Max size: "+humanfmt.Bytes(c.Peak.TotalSize), fn)
		p.Legend.Top = true
	}

	setRanges(p, c)

	wt, err := p.WriterTo(r.cfg.Width, r.cfg.Height, "png")
	if err != nil {
		return fmt.Errorf("encode chart: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write chart: %w", err)
	}
	return nil
}

// setRanges pins both axes so empty and single-point charts still draw.
func setRanges(p *plot.Plot, c Chart) {
	from, to := seconds(c.From), seconds(c.To)
	for _, pt := range c.Series {
		from = min(from, seconds(pt.Timestamp))
		to = max(to, seconds(pt.Timestamp))
	}
	if to <= from {
		to = from + 1
	}
	p.X.Min, p.X.Max = from, to

	top := 0.0
	for _, pt := range c.Series {
		top = max(top, float64(pt.TotalSize))
	}
	if c.Peak != nil {
		top = max(top, float64(c.Peak.TotalSize))
	}
	if top == 0 {
		top = 1
	}
	p.Y.Min, p.Y.Max = 0, top*1.15
}

func title(c Chart) string {
	window := time.Duration(c.To-c.From) * time.Millisecond
	t := fmt.Sprintf("%s size change (last %s)", c.BucketID, window)
	if len(c.Series) == 0 {
		return t + " (no data)"
	}
	if s := summary(c.Series); s != "" {
		t += "\n" + s
	}
	return t
}

// summary reports median and p95 of the window's totals.
func summary(series []history.Point) string {
	sketch, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		return ""
	}
	for _, pt := range series {
		if err := sketch.Add(float64(pt.TotalSize)); err != nil {
			return ""
		}
	}
	q, err := sketch.GetValuesAtQuantiles([]float64{0.5, 0.95})
	if err != nil {
		return ""
	}
	return fmt.Sprintf("p50 %s, p95 %s over %s",
		humanfmt.Bytes(int64(q[0])), humanfmt.Bytes(int64(q[1])), humanfmt.Count(int64(len(series)))+" points")
}

func seconds(ms int64) float64 {
	return float64(ms) / 1000
}
