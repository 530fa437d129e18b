package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"logosrelay/internal/service/ai"
)

// DegradedMarker is appended to the status when the answer was produced locally.
const DegradedMarker = "[Modo degradado: la IA no respondió, esta respuesta se generó localmente]"

func fallbackAnswer(provider string, err error) string {
	switch {
	case errors.Is(err, ai.ErrMissingAPIKey):
		env := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(provider)) + "_API_KEY"
		return fmt.Sprintf("El servidor no tiene configurada la clave de la API de la IA.\n"+
			"Define la variable de entorno %s y reinicia el servicio.", env)
	case errors.Is(err, ai.ErrEmptyResponse):
		return "La respuesta de la IA tuvo un formato inesperado.\nError: " + err.Error()
	case errors.Is(err, context.DeadlineExceeded):
		return "La IA no respondió a tiempo. Inténtalo de nuevo en unos minutos.\nError: " + err.Error()
	default:
		return "Error de conexión con la IA:\n" + err.Error()
	}
}
