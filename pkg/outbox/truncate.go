package outbox

import pkgerrors "github.com/angelmondragon/eventrelay/pkg/errors"

// MaxErrorMessageBytes bounds error_message on outbox rows.
const MaxErrorMessageBytes = 1024

// TruncateError renders err for storage in error_message.
func TruncateError(err error) string {
	if err == nil {
		return ""
	}
	return pkgerrors.StorableText(err.Error(), MaxErrorMessageBytes)
}
