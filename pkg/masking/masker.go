package masking

import (
	"log/slog"
	"strings"
	"sync/atomic"
)

// Masker redacts patient-identifying values before they reach a log line.
// It is fail-open: a Masker with masking disabled returns its input
// unchanged rather than erroring, since a log line is never worth losing
// over a redaction failure. enabled is an atomic.Bool rather than a plain
// bool so config.Watch can flip mask_personal_data live, without every log
// call site needing to re-read configuration.
type Masker struct {
	enabled atomic.Bool
}

// New builds a Masker. enabled mirrors LoggingConfig.MaskPersonalData.
func New(enabled bool) *Masker {
	m := &Masker{}
	m.enabled.Store(enabled)
	return m
}

// SetEnabled flips masking on or off, applied to the next log call. Wired
// to config.Watch's reload callback for mask_personal_data.
func (m *Masker) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Phone redacts a phone number down to its last 4 digits, e.g.
// "+79991234567" → "***4567". Masking disabled returns the input unchanged.
func (m *Masker) Phone(phone string) string {
	if !m.enabled.Load() || phone == "" {
		return phone
	}
	if len(phone) <= 4 {
		return "***"
	}
	return "***" + phone[len(phone)-4:]
}

// Name redacts a full name down to initials, e.g. "Jane Doe" → "J.D.".
// Masking disabled returns the input unchanged.
func (m *Masker) Name(fullName string) string {
	if !m.enabled.Load() || fullName == "" {
		return fullName
	}
	fields := strings.Fields(fullName)
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(strings.ToUpper(f[:1]))
		b.WriteString(".")
	}
	return b.String()
}

// Text redacts any phone-shaped substrings in free-form text, such as an
// error message that echoes a CRM response body back. Masking disabled
// returns the input unchanged.
func (m *Masker) Text(text string) string {
	if !m.enabled.Load() {
		return text
	}
	return maskPhones(text)
}

// LogValuer wraps a single value of the given kind ("phone", "name", or
// anything else for free-form text) in a slog.LogValuer that applies this
// Masker when the attribute is logged, so a log site needs no helper call.
func (m *Masker) LogValuer(kind string, value string) slog.LogValuer {
	return maskedValue{m: m, kind: kind, value: value}
}

type maskedValue struct {
	m     *Masker
	kind  string
	value string
}

func (v maskedValue) LogValue() slog.Value {
	switch v.kind {
	case "phone":
		return slog.StringValue(v.m.Phone(v.value))
	case "name":
		return slog.StringValue(v.m.Name(v.value))
	default:
		return slog.StringValue(v.m.Text(v.value))
	}
}
