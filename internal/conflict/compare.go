package conflict

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/craneworks/fieldsync/internal/entity"
)

// Fields the server stamps on every record during sync. Excluded from
// conflict detection so bookkeeping churn never reads as a user edit.
var metadataFields = map[string]struct{}{
	"syncVersion":   {},
	"syncTimestamp": {},
	"lastSyncedAt":  {},
	"syncId":        {},
	"_etag":         {},
	"_version":      {},
}

func isMetadataField(field string) bool {
	_, ok := metadataFields[field]
	return ok
}

// findConflictingFields returns the set of non-metadata fields present
// in either record whose values differ.
func findConflictingFields(local, server entity.Record) map[string]struct{} {
	conflicts := make(map[string]struct{})

	allKeys := make(map[string]struct{}, len(local)+len(server))
	for key := range local {
		allKeys[key] = struct{}{}
	}
	for key := range server {
		allKeys[key] = struct{}{}
	}

	for key := range allKeys {
		if isMetadataField(key) {
			continue
		}
		localValue, localOK := local[key]
		serverValue, serverOK := server[key]
		if localOK != serverOK || !valuesEqual(localValue, serverValue) {
			conflicts[key] = struct{}{}
		}
	}

	return conflicts
}

// valuesEqual compares two field values with type awareness: numbers
// compare across int/float families, timestamps via time.Equal, blobs
// bytewise, nested maps and lists by deep equality. Anything else falls
// back to canonical string comparison.
func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && reflect.DeepEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		return ok && reflect.DeepEqual(av, bv)
	}

	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}

	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
