package observability

import (
	"github.com/danmuck/audiocast/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger applies the runtime logging profile and tags the global logger with app.
func InitLogger(app string) zerolog.Logger {
	logging.ConfigureRuntime()
	log.Logger = log.Logger.With().Str("app", app).Logger()
	return log.Logger
}
