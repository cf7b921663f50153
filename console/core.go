package console

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SuccessKey is the field that turns an info entry into a success entry.
const SuccessKey = "success"

type core struct {
	zapcore.LevelEnabler
	c      *Console
	fields []zapcore.Field
}

// NewCore returns a zap core that prints entries through c.
// The message and its fields go on one line, with fields rendered as JSON.
// An info entry carrying success=true prints as a success.
func NewCore(c *Console, enab zapcore.LevelEnabler) zapcore.Core {
	return &core{LevelEnabler: enab, c: c}
}

// NewLogger returns a zap logger that prints through c at the given level and above.
func NewLogger(c *Console, level zapcore.LevelEnabler) *zap.Logger {
	return zap.New(NewCore(c, level))
}

func (co *core) With(fields []zapcore.Field) zapcore.Core {
	clone := *co
	clone.fields = append(append([]zapcore.Field(nil), co.fields...), fields...)
	return &clone
}

func (co *core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if co.Enabled(ent.Level) {
		return ce.AddCore(ent, co)
	}
	return ce
}

func (co *core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range co.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	success := enc.Fields[SuccessKey] == true
	delete(enc.Fields, SuccessKey)

	var line strings.Builder
	if ent.LoggerName != "" {
		line.WriteString("[" + ent.LoggerName + "] ")
	}
	line.WriteString(ent.Message)
	if len(enc.Fields) > 0 {
		line.WriteString(" ")
		line.WriteString(renderFields(enc.Fields))
	}

	items := []any{line.String()}
	if ent.Stack != "" {
		items = append(items, ent.Stack)
	}
	co.c.Entry(kindOf(ent.Level, success), items...)
	return nil
}

func (co *core) Sync() error {
	return nil
}

func kindOf(l zapcore.Level, success bool) Kind {
	switch {
	case l < zapcore.InfoLevel:
		return KindDebug
	case l == zapcore.InfoLevel && success:
		return KindSuccess
	case l == zapcore.InfoLevel:
		return KindInfo
	case l == zapcore.WarnLevel:
		return KindWarn
	default:
		return KindError
	}
}

// renderFields renders fields as a JSON object. Values that cannot be encoded are rendered as text.
func renderFields(fields map[string]any) string {
	b, err := json.Marshal(fields)
	if err == nil {
		return string(b)
	}
	text := make(map[string]string, len(fields))
	for k, v := range fields {
		text[k] = Render(v)
	}
	b, _ = json.Marshal(text)
	return string(b)
}
