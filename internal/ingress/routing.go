package ingress

import (
	"strings"

	"github.com/sandwichfarm/nostrrun/internal/model"
)

// tableNameFor maps an event kind to the non-core consumer's table name,
// or "" if the kind has no routing target.
func tableNameFor(kind int) string {
	switch kind {
	case 0:
		return "user_profiles"
	case 3:
		return "follow_lists"
	case 31001:
		return "user_game_annotations"
	case 31106:
		return "admindeclarations"
	case 31107:
		return "admin_keypairs"
	default:
		return ""
	}
}

// keepForSeconds returns the retention hint, in seconds, for a kind.
func keepForSeconds(kind int) int64 {
	const day = 24 * 60 * 60
	switch kind {
	case 0, 3:
		return 30 * day
	case 31106:
		return 365 * day
	case 31107:
		return 90 * day
	case 31001:
		return 120 * day
	default:
		return 14 * day
	}
}

// deriveRouting computes the routing metadata for an event: the target
// table name and a record uuid taken from the first "d" tag's trimmed
// first value.
func deriveRouting(kind int, tags model.Tags) model.Routing {
	var routing model.Routing

	if table := tableNameFor(kind); table != "" {
		routing.TableName = &table
	}

	if d, ok := tags.First("d"); ok {
		trimmed := strings.TrimSpace(d)
		routing.RecordUUID = &trimmed
	}

	return routing
}
