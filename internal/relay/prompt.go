package relay

import (
	"fmt"

	"logosrelay/internal/history"
	"logosrelay/internal/models"
)

const metaFrame = `Eres un asistente accesible desde terminales de texto y navegadores web muy antiguos (como Lynx o el de Nintendo Wii).

INSTRUCCIONES ESTRICTAS DE FORMATO:
1. Responde ÚNICAMENTE en texto plano puro. No uses markdown, ni negritas, ni cursivas, ni emojis, ni bloques de código.
2. Usa saltos de línea sencillos para separar párrafos. No uses guiones o asteriscos para listas.
3. Sé conciso por defecto. Extiende la respuesta solo si la complejidad de la pregunta lo requiere.
4. Al final de cada respuesta, en una línea nueva y separada, añade exactamente esta línea de estado:
%s

Tu objetivo: facilitar el acceso al conocimiento desde hardware obsoleto. La claridad y la compatibilidad son primordiales.`

// SystemPrompt renders the formatting instructions with the current estimate.
func SystemPrompt(e Estimate) string {
	return fmt.Sprintf(metaFrame, e.StatusLine())
}

// BuildPrompt assembles [system, last turns of hist, question].
func BuildPrompt(e Estimate, hist []models.Message, turns int, question string) []models.Message {
	recent := history.Last(hist, turns)
	msgs := make([]models.Message, 0, len(recent)+2)
	msgs = append(msgs, models.SystemMessage(SystemPrompt(e)))
	msgs = append(msgs, recent...)
	msgs = append(msgs, models.UserMessage(question))
	return msgs
}
