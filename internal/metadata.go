package internal

import (
	"strings"

	"github.com/iotrpc/runtime/internal/constants"
)

// PropToMetadata strips reserved protocol user properties, leaving only
// application-defined metadata to hand to a user handler.
func PropToMetadata(prop map[string]string) map[string]string {
	data := make(map[string]string, len(prop))
	for key, val := range prop {
		if !strings.HasPrefix(key, constants.Protocol) {
			data[key] = val
		}
	}
	return data
}
