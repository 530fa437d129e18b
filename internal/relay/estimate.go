package relay

import (
	"fmt"
	"unicode/utf8"
)

// charsPerToken approximates the average token length of Spanish text.
const charsPerToken = 4

const maxPercentage = 99.9

const (
	warnThreshold     = 80
	criticalThreshold = 95

	WarningFilling  = "AVISO: El contexto se está llenando. Considera usar 'Nuevo Chat' pronto."
	WarningCritical = "ALERTA: Contexto casi lleno. Las respuestas más antiguas se perderán. Usa 'Nuevo Chat'."
)

// Estimate is the approximate context usage of one request. It is never stored.
type Estimate struct {
	Tokens      float64
	Percentage  float64
	LimitTokens int
}

// EstimateContext derives token count and usage percentage from the
// character length of transcript.
func EstimateContext(transcript string, limitTokens int) Estimate {
	tokens := float64(utf8.RuneCountInString(transcript)) / charsPerToken
	e := Estimate{Tokens: tokens, LimitTokens: limitTokens}
	if limitTokens > 0 {
		e.Percentage = min(maxPercentage, tokens/float64(limitTokens)*100)
	}
	return e
}

// StatusLine is the bracketed summary shown under every answer and requested
// from the model as its closing line.
func (e Estimate) StatusLine() string {
	return fmt.Sprintf("[Estado del Contexto: ~%.1f%% usado | %.1fK tokens aprox. | Límite: %dK]",
		e.Percentage, e.Tokens/1000, e.LimitTokens/1000)
}

// Warning returns the most severe warning that applies, or "".
func (e Estimate) Warning() string {
	switch {
	case e.Percentage > criticalThreshold:
		return WarningCritical
	case e.Percentage > warnThreshold:
		return WarningFilling
	default:
		return ""
	}
}

// Status is the status line followed by the warning, if any.
func (e Estimate) Status() string {
	if w := e.Warning(); w != "" {
		return e.StatusLine() + "\n" + w
	}
	return e.StatusLine()
}
