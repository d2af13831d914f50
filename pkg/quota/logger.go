package quota

// Field is a key/value pair attached to a log line
type Field struct {
	Key   string
	Value any
}

// Logger is the structured logger the engine and its adapters write to.
// Implementations must be safe for concurrent use.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// UserField tags a line with the user it concerns
func UserField(userID string) Field {
	return Field{Key: "user_id", Value: userID}
}

// TierField tags a line with a resolved or stored tier
func TierField(t Tier) Field {
	return Field{Key: "tier", Value: t.String()}
}

// TypeField tags a line with a generation type
func TypeField(g GenerationType) Field {
	return Field{Key: "type", Value: g.String()}
}

// DayField tags a line with a ledger day
func DayField(d Day) Field {
	return Field{Key: "day", Value: d.String()}
}

// ErrorField carries err's message. A nil error yields an empty value.
func ErrorField(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: ""}
	}
	return Field{Key: "error", Value: err.Error()}
}

// NoopLogger discards everything
type NoopLogger struct{}

func (n *NoopLogger) Debug(string, ...Field) {}
func (n *NoopLogger) Info(string, ...Field)  {}
func (n *NoopLogger) Warn(string, ...Field)  {}
func (n *NoopLogger) Error(string, ...Field) {}
