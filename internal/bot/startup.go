package bot

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
)

// Startup registers the command menu and tells every admin the bot is up.
// Failures are logged; none of them stop the bot.
func Startup(ctx context.Context, msgr messenger.Messenger, admins []int64, log zerolog.Logger) {
	if err := msgr.SetCommands(ctx, Commands); err != nil {
		log.Warn().Str("error", logging.RedactError(err)).Msg("register commands failed")
	}
	for _, admin := range admins {
		if _, err := msgr.SendMessage(ctx, admin, startupText, messenger.SendOptions{}); err != nil {
			log.Warn().Int64("admin_id", admin).Str("error", logging.RedactError(err)).Msg("admin notify failed")
		}
	}
}
