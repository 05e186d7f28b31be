package logging

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	color "grimstack.io/grim/src/ansicolor"
	"grimstack.io/grim/src/oops"
)

func init() {
	zerolog.ErrorStackMarshaler = oops.ZerologStackMarshaler
	log.Logger = log.Output(NewPrettyZerologWriter(os.Stderr))
}

// Configure switches the global logger between the pretty console writer and
// plain JSON lines, and sets the global level. Called once config is loaded.
func Configure(level zerolog.Level, format string) {
	zerolog.SetGlobalLevel(level)
	if format == "json" {
		color.Disable()
		log.Logger = zerolog.New(os.Stderr)
	} else {
		log.Logger = log.Output(NewPrettyZerologWriter(os.Stderr))
	}
}

func GlobalLogger() *zerolog.Logger {
	return &log.Logger
}

func Trace() *zerolog.Event {
	return log.Trace().Timestamp().Stack()
}

func Debug() *zerolog.Event {
	return log.Debug().Timestamp().Stack()
}

func Info() *zerolog.Event {
	return log.Info().Timestamp().Stack()
}

func Warn() *zerolog.Event {
	return log.Warn().Timestamp().Stack()
}

func Error() *zerolog.Event {
	return log.Error().Timestamp().Stack()
}

func Fatal() *zerolog.Event {
	return log.Fatal().Timestamp().Stack()
}

func With() zerolog.Context {
	return log.With().Timestamp().Stack()
}

type loggerContextKey struct{}

func AttachLoggerToContext(logger *zerolog.Logger, ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, logger)
}

// ExtractLogger returns the logger attached to ctx, or the global logger if
// there is none.
func ExtractLogger(ctx context.Context) *zerolog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerContextKey{}).(*zerolog.Logger); ok && logger != nil {
			return logger
		}
	}
	return GlobalLogger()
}

type PrettyZerologWriter struct {
	out io.Writer
	wd  string

	mu                  sync.Mutex
	wasLastLogMultiline bool
}

type prettyLogEntry struct {
	Timestamp  string
	Level      string
	Message    string
	Error      string
	StackTrace []interface{}

	OtherFields []prettyField
}

type prettyField struct {
	Name  string
	Value interface{}
}

func colorFromLevel(level string) string {
	switch level {
	case "trace", "debug":
		return color.Gray
	case "info":
		return color.BgBlue
	case "warn":
		return color.BgYellow
	default:
		return color.BgRed
	}
}

func NewPrettyZerologWriter(out io.Writer) *PrettyZerologWriter {
	wd, _ := os.Getwd()
	return &PrettyZerologWriter{
		out: out,
		wd:  wd,
	}
}

func (w *PrettyZerologWriter) Write(p []byte) (int, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(p, &fields); err != nil {
		return w.out.Write(p)
	}
	entry := parsePrettyEntry(fields)

	isMultiline := entry.Error != "" || entry.StackTrace != nil || entry.OtherFields != nil

	w.mu.Lock()
	defer w.mu.Unlock()

	var b strings.Builder
	if isMultiline || w.wasLastLogMultiline {
		b.WriteString("---------------------------------------\n")
	}
	b.WriteString(entry.Timestamp)
	b.WriteString(" ")
	if entry.Level != "" {
		b.WriteString(colorFromLevel(entry.Level) + color.Bold + strings.ToUpper(entry.Level) + color.Reset + ": ")
	}
	b.WriteString(entry.Message)
	b.WriteString("\n")
	if entry.Error != "" {
		b.WriteString("  " + color.Bold + color.Red + "ERROR:" + color.Reset + " " + entry.Error + "\n")
	}
	w.writeFields(&b, entry.OtherFields)
	w.writeStack(&b, entry.StackTrace)

	w.wasLastLogMultiline = isMultiline

	if _, err := io.WriteString(w.out, b.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func parsePrettyEntry(fields map[string]interface{}) prettyLogEntry {
	var entry prettyLogEntry
	for name, val := range fields {
		switch name {
		case zerolog.TimestampFieldName:
			entry.Timestamp, _ = val.(string)
		case zerolog.LevelFieldName:
			entry.Level, _ = val.(string)
		case zerolog.MessageFieldName:
			entry.Message, _ = val.(string)
		case zerolog.ErrorFieldName:
			entry.Error, _ = val.(string)
		case zerolog.ErrorStackFieldName:
			entry.StackTrace, _ = val.([]interface{})
		default:
			entry.OtherFields = append(entry.OtherFields, prettyField{Name: name, Value: val})
		}
	}
	sort.Slice(entry.OtherFields, func(i, j int) bool {
		return entry.OtherFields[i].Name < entry.OtherFields[j].Name
	})
	return entry
}

func (w *PrettyZerologWriter) writeFields(b *strings.Builder, fields []prettyField) {
	if len(fields) == 0 {
		return
	}
	b.WriteString("  " + color.Bold + color.Blue + "Fields:" + color.Reset + "\n")
	for _, field := range fields {
		valuePretty, _ := json.MarshalIndent(field.Value, "    ", "  ")
		b.WriteString("    " + field.Name + ": " + string(valuePretty) + "\n")
	}
}

func (w *PrettyZerologWriter) writeStack(b *strings.Builder, frames []interface{}) {
	if frames == nil {
		return
	}
	b.WriteString("  " + color.Bold + color.Blue + "Stack trace:" + color.Reset + "\n")
	for _, frame := range frames {
		frameMap, ok := frame.(map[string]interface{})
		if !ok {
			continue
		}
		file, _ := frameMap["file"].(string)
		function, _ := frameMap["function"].(string)
		line, _ := frameMap["line"].(float64)
		file = strings.Replace(file, w.wd, ".", 1)

		b.WriteString("    " + function + " (" + file + ":" + strconv.Itoa(int(line)) + ")\n")
	}
}

func LogPanics(logger *zerolog.Logger) {
	if r := recover(); r != nil {
		LogPanicValue(logger, r, "recovered from panic")
	}
}

func LogPanicValue(logger *zerolog.Logger, val interface{}, msg string) {
	if logger == nil {
		logger = GlobalLogger()
	}

	if err, ok := val.(error); ok {
		l := logger.Error().Err(err)
		if _, ok := err.(*oops.Error); !ok {
			l = l.Interface(zerolog.ErrorStackFieldName, oops.Trace())
		}
		l.Msg(msg)
	} else {
		logger.Error().
			Interface("recovered", val).
			Interface(zerolog.ErrorStackFieldName, oops.Trace()).
			Msg(msg)
	}
}
