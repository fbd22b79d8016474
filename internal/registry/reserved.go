package registry

import "strings"

// KeyColumn is the header that carries row keys in tabular files.
const KeyColumn = "sample_name"

// PostgreSQL reserved key words (including those that may only be function or
// type names), lower-case.
var pgsqlReserved = words(`all analyse analyze and any array as asc asymmetric authorization
binary both case cast check collate collation column concurrently constraint create cross
current_catalog current_date current_role current_schema current_time current_timestamp
current_user default deferrable desc distinct do else end except false fetch for foreign
freeze from full grant group having ilike in initially inner intersect into is isnull join
lateral leading left like limit localtime localtimestamp natural not notnull null offset on
only or order outer overlaps placing primary references returning right select session_user
similar some symmetric system_user table tablesample then to trailing true union unique user
using variadic verbose when where window with`)

// Names QIIME 2 treats as identifier headers.
var qiime2Reserved = map[string]struct{}{
	"id": {}, "sampleid": {}, "sample id": {}, "sample-id": {},
	"featureid": {}, "feature id": {}, "feature-id": {},
	"#sampleid": {}, "#sample id": {}, "#featureid": {}, "#feature id": {},
	"#otuid": {}, "#otu id": {}, "#q2:types": {},
}

// Names the engine stores itself.
var engineReserved = map[string]struct{}{
	KeyColumn: {}, "sample_id": {}, "qiita_study_id": {}, "qiita_prep_id": {},
}

func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[w] = struct{}{}
	}
	return out
}

// ReservedReason returns why name cannot be a category, or "" when it can.
// Only whole-name, case-insensitive matches are reserved: names that merely
// contain a reserved token, like "selection" or "linkerprimersequence", pass.
func ReservedReason(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if _, ok := engineReserved[n]; ok {
		return "reserved by the metadata engine"
	}
	if _, ok := pgsqlReserved[n]; ok {
		return "PostgreSQL reserved word"
	}
	if _, ok := qiime2Reserved[n]; ok {
		return "QIIME 2 reserved word"
	}
	return ""
}

// IsReserved reports whether name is reserved.
func IsReserved(name string) bool { return ReservedReason(name) != "" }
