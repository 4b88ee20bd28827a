package effects

import (
	"context"
	"log/slog"
	"strings"
)

// TranslationPrefix marks texts that are translation keys.
const TranslationPrefix = "toast."

// NoMessage replaces empty texts.
const NoMessage = "no message"

// TranslateSafe resolves msg for display: empty text becomes NoMessage,
// keys with TranslationPrefix go through tr, anything else is returned
// unchanged. A failed lookup falls back to the key.
func TranslateSafe(ctx context.Context, tr Translator, log *slog.Logger, msg string) string {
	if msg == "" {
		return NoMessage
	}
	if tr == nil || !strings.HasPrefix(msg, TranslationPrefix) {
		return msg
	}
	out, err := tr.Translate(ctx, msg, nil)
	if err != nil {
		log.Warn("translation failed", slog.String("key", msg), slog.Any("error", err))
		return msg
	}
	if out == "" {
		return msg
	}
	return out
}
