// Package partition merges fetched records into on-disk columnar partitions.
//
// A partition holds every record whose partition-key function output matches
// that partition's key. The default key is the first character of the postal
// code, which yields a small fixed partition count for Dutch datasets
// (postcodes run 1000AA-9999ZZ).
package partition

import (
	"strings"

	"github.com/nlgeodata/harvest-cli/internal/model"
)

// KeyFunc derives the partition key for a record. Must be deterministic:
// the same record always lands in the same partition.
type KeyFunc func(model.Record) string

// DefaultKey partitions by the first character of the record key's postcode
// component, upper-cased. Records with an empty key land in "_".
func DefaultKey(r model.Record) string {
	k := strings.TrimSpace(r.Key)
	if k == "" {
		return "_"
	}
	return strings.ToUpper(k[:1])
}
