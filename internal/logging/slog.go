// Package logging provides the colorized slog handler the client installs
// as the process-wide default logger.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

type PrettyHandlerOptions struct {
	SlogOpts       slog.HandlerOptions
	UseColor       bool
	TimeFormat     string
	LevelWidth     int
	FieldSeparator string
}

func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts: slog.HandlerOptions{
			Level: slog.LevelInfo,
		},
		UseColor:       true,
		TimeFormat:     time.RFC3339,
		LevelWidth:     7,
		FieldSeparator: " | ",
	}
}

// PrettyHandler renders records as a single colorized line:
// timestamp | LEVEL | message | key=value key=value.
type PrettyHandler struct {
	opts   PrettyHandlerOptions
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorLevel   map[slog.Level]func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}

	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	h := &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
		attrs:  make([]slog.Attr, 0),
	}
	h.initColorFuncs()

	return h
}

func (h *PrettyHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = noColor
		h.colorMessage = noColor
		h.colorFields = noColor
		h.colorLevel = make(map[slog.Level]func(...any) string)
		for _, level := range []slog.Level{
			slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError,
		} {
			h.colorLevel[level] = noColor
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()

	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	timestamp := r.Time.Format(h.opts.TimeFormat)
	buf.WriteString(h.colorTime(timestamp))
	buf.WriteString(h.opts.FieldSeparator)

	buf.WriteString(h.formatLevel(r.Level))
	buf.WriteString(h.opts.FieldSeparator)

	buf.WriteString(h.colorMessage(r.Message))

	fields := h.collectFields(r)
	if fields != "" {
		buf.WriteString(h.opts.FieldSeparator)
		buf.WriteString(h.colorFields(fields))
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	newHandler := &PrettyHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     &sync.Mutex{},
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	newHandler.initColorFuncs()

	return newHandler
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	// Groups are flattened: this client never nests attribute groups.
	return h
}

func (h *PrettyHandler) formatLevel(level slog.Level) string {
	levelStr := strings.ToUpper(level.String())

	if h.opts.LevelWidth > 0 {
		levelStr = fmt.Sprintf("%-*s", h.opts.LevelWidth, levelStr)
	}

	if colorFunc, ok := h.colorLevel[level]; ok {
		return colorFunc(levelStr)
	}
	return levelStr
}

func (h *PrettyHandler) collectFields(r slog.Record) string {
	var sb strings.Builder

	writeAttr := func(attr slog.Attr) {
		value := attr.Value.Resolve()
		if attr.Key == "" {
			return
		}
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(attr.Key)
		sb.WriteByte('=')
		sb.WriteString(formatValue(value, h.opts.TimeFormat))
	}

	for _, attr := range h.attrs {
		writeAttr(attr)
	}
	r.Attrs(func(attr slog.Attr) bool {
		writeAttr(attr)
		return true
	})

	return sb.String()
}

func formatValue(v slog.Value, timeFormat string) string {
	switch v.Kind() {
	case slog.KindTime:
		return v.Time().Format(timeFormat)
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " |") {
			return fmt.Sprintf("%q", s)
		}
		return s
	default:
		return fmt.Sprint(v.Any())
	}
}
